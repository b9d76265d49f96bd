// Package relay implements the per-call session that bridges a telephony
// media stream and a speech-model stream. The telephony side is authoritative
// for call lifecycle; the speech-model side is a content-only channel. Events
// from both sockets funnel through this one object, so tests can drive it
// with scripted frames and assert on persisted records and outbound messages.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxdial/voxdial/pkg/realtime"
	"github.com/voxdial/voxdial/pkg/task"
	"github.com/voxdial/voxdial/pkg/telephony"
)

const defaultAckTimeout = 15 * time.Second

// ErrCallEnded is returned by HandleMessage once the telephony stream sends
// its stop event; the caller should close the connection.
var ErrCallEnded = errors.New("call ended")

// Store is the persistence surface the session needs.
type Store interface {
	GetTask(ctx context.Context, id string) (task.Task, error)
	TaskStatus(ctx context.Context, id string) (task.Status, error)
	UpdateTaskStatus(ctx context.Context, id string, to task.Status) error
	SetTaskCallID(ctx context.Context, id, callID string) error
	AppendTranscript(ctx context.Context, ev task.TranscriptEvent) (task.TranscriptEvent, error)
}

// Broadcaster fans out live updates to a task's observers.
type Broadcaster interface {
	BroadcastStatus(taskID string, status task.Status)
	BroadcastTranscript(taskID string, ev task.TranscriptEvent)
}

// OutcomeRunner produces the outcome record after a call ends.
type OutcomeRunner interface {
	Run(ctx context.Context, taskID string) error
}

// MediaSender writes frames back to the telephony stream.
type MediaSender interface {
	Send(msg telephony.StreamMessage) error
}

// ModelSession is the subset of the speech-model connection the relay uses.
// *realtime.Session satisfies it.
type ModelSession interface {
	Configure(cfg realtime.SessionConfig) error
	AppendAudio(payload string) error
	CreateResponse() error
	Close() error
}

// ModelDialer opens a speech-model connection. A nil dialer on the session
// config means no speech credential is configured and the call proceeds
// without a model (audio is dropped, lifecycle still tracked).
type ModelDialer interface {
	Dial(ctx context.Context) (ModelSession, <-chan realtime.Event, error)
}

// RealtimeDialer is the production ModelDialer backed by the realtime client.
type RealtimeDialer struct {
	Config realtime.DialConfig
}

func (d RealtimeDialer) Dial(ctx context.Context) (ModelSession, <-chan realtime.Event, error) {
	sess, err := realtime.Dial(ctx, d.Config)
	if err != nil {
		return nil, nil, err
	}
	return sess, sess.Events(), nil
}

// Config wires a session's collaborators.
type Config struct {
	Store   Store
	Hub     Broadcaster
	Outcome OutcomeRunner
	Media   MediaSender
	// Dialer is nil when no speech-model credential is configured.
	Dialer ModelDialer
	Logger *slog.Logger

	// OwnerName appears in the assistant persona ("calling on behalf of X").
	OwnerName string
	Voice     string
	// AckTimeout bounds the wait for the configuration acknowledgment; the
	// model socket is closed if it never arrives. Default 15s.
	AckTimeout time.Duration
}

// Session relays one call. Telephony frames and model events may arrive on
// different goroutines; all state is guarded by mu.
type Session struct {
	cfg Config

	mu        sync.Mutex
	taskID    string
	callSID   string
	streamSID string
	model     ModelSession
	acked     bool
	buf       strings.Builder
	ackTimer  *time.Timer
	ended     bool
}

// NewSession returns a session ready to receive telephony frames.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	return &Session{cfg: cfg}
}

// HandleMessage dispatches one raw telephony frame. It returns ErrCallEnded
// after processing a stop event; other errors are diagnostic only and the
// caller may keep reading.
func (s *Session) HandleMessage(ctx context.Context, data []byte) error {
	msg, err := telephony.DecodeStreamMessage(data)
	if err != nil {
		s.cfg.Logger.Warn("relay: bad telephony frame", "error", err)
		return nil
	}
	switch msg.Event {
	case telephony.EventConnected:
		return nil
	case telephony.EventStart:
		s.handleStart(ctx, msg)
		return nil
	case telephony.EventMedia:
		s.handleMedia(msg)
		return nil
	case telephony.EventStop:
		s.handleStop(ctx)
		return ErrCallEnded
	default:
		return nil
	}
}

// handleStart resolves the session's identifiers, marks the task live, and
// opens the speech-model connection when one is configured. A start frame
// missing any identifier is ignored without touching the task.
func (s *Session) handleStart(ctx context.Context, msg telephony.StreamMessage) {
	var taskID, callSID string
	if msg.Start != nil {
		taskID = msg.Start.CustomParameters["taskId"]
		callSID = msg.Start.CallSID
	}
	if taskID == "" || callSID == "" || msg.StreamSID == "" {
		return
	}

	s.mu.Lock()
	s.taskID = taskID
	s.callSID = callSID
	s.streamSID = msg.StreamSID
	s.mu.Unlock()

	if err := s.cfg.Store.SetTaskCallID(ctx, taskID, callSID); err != nil {
		s.cfg.Logger.Error("relay: set call id", "task_id", taskID, "error", err)
		return
	}
	if err := s.cfg.Store.UpdateTaskStatus(ctx, taskID, task.StatusInProgress); err != nil {
		s.cfg.Logger.Error("relay: mark in progress", "task_id", taskID, "error", err)
		return
	}
	s.cfg.Hub.BroadcastStatus(taskID, task.StatusInProgress)

	t, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		s.cfg.Logger.Error("relay: load task", "task_id", taskID, "error", err)
		return
	}
	if s.cfg.Dialer == nil {
		s.cfg.Logger.Warn("relay: no speech credential configured, call will be silent", "task_id", taskID)
		return
	}

	instructions := ComposeInstructions(s.cfg.OwnerName, t)
	// Connect off the read loop; media frames arriving before the model is
	// up are dropped, which is the protocol's best-effort contract.
	go s.connectModel(context.WithoutCancel(ctx), instructions)
}

func (s *Session) connectModel(ctx context.Context, instructions string) {
	model, events, err := s.cfg.Dialer.Dial(ctx)
	if err != nil {
		s.cfg.Logger.Error("relay: speech model dial", "task_id", s.TaskID(), "error", err)
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		_ = model.Close()
		return
	}
	s.model = model
	s.ackTimer = time.AfterFunc(s.cfg.AckTimeout, s.onAckTimeout)
	s.mu.Unlock()

	if err := model.Configure(realtime.SessionConfig{
		Instructions: instructions,
		Voice:        s.cfg.Voice,
	}); err != nil {
		s.cfg.Logger.Error("relay: configure speech session", "task_id", s.TaskID(), "error", err)
	}

	for ev := range events {
		s.handleModelEvent(ctx, ev)
	}
	s.onModelClosed()
}

func (s *Session) onAckTimeout() {
	s.mu.Lock()
	model := s.model
	acked := s.acked
	s.mu.Unlock()
	if acked || model == nil {
		return
	}
	s.cfg.Logger.Warn("relay: speech session never acknowledged configuration, closing model socket",
		"task_id", s.TaskID(), "timeout", s.cfg.AckTimeout)
	_ = model.Close()
}

// handleModelEvent processes one speech-model event. Audio goes straight to
// the telephony stream; transcript fragments are buffered until their done
// marker; errors are diagnostics, not terminations.
func (s *Session) handleModelEvent(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.SessionUpdatedEvent:
		s.mu.Lock()
		first := !s.acked
		s.acked = true
		if s.ackTimer != nil {
			s.ackTimer.Stop()
		}
		model := s.model
		s.mu.Unlock()
		if first && model != nil {
			if err := model.CreateResponse(); err != nil {
				s.cfg.Logger.Error("relay: trigger initial response", "task_id", s.TaskID(), "error", err)
			}
		}
	case realtime.AudioDeltaEvent:
		if e.Delta == "" {
			return
		}
		s.mu.Lock()
		streamSID := s.streamSID
		s.mu.Unlock()
		if streamSID == "" {
			return
		}
		if err := s.cfg.Media.Send(telephony.OutboundMedia(streamSID, e.Delta)); err != nil {
			s.cfg.Logger.Warn("relay: forward model audio", "task_id", s.TaskID(), "error", err)
		}
	case realtime.TranscriptDeltaEvent:
		s.mu.Lock()
		s.buf.WriteString(e.Delta)
		s.mu.Unlock()
	case realtime.TranscriptDoneEvent:
		s.mu.Lock()
		text := e.Transcript
		if text == "" {
			text = s.buf.String()
		}
		s.buf.Reset()
		s.mu.Unlock()
		if text != "" {
			s.saveTranscript(ctx, task.SpeakerAssistant, text)
		}
	case realtime.InputTranscriptEvent:
		if e.Transcript != "" {
			s.saveTranscript(ctx, task.SpeakerOtherParty, e.Transcript)
		}
	case realtime.ErrorEvent:
		s.cfg.Logger.Error("relay: speech model error", "task_id", s.TaskID(),
			"error_type", e.Type, "code", e.Code, "message", e.Message)
	}
}

func (s *Session) saveTranscript(ctx context.Context, speaker task.Speaker, text string) {
	taskID := s.TaskID()
	if taskID == "" {
		return
	}
	ev, err := s.cfg.Store.AppendTranscript(ctx, task.TranscriptEvent{
		TaskID:  taskID,
		Speaker: speaker,
		Text:    text,
	})
	if err != nil {
		s.cfg.Logger.Error("relay: persist transcript", "task_id", taskID, "error", err)
		return
	}
	s.cfg.Hub.BroadcastTranscript(taskID, ev)
}

// handleMedia forwards caller audio to the model. Outbound-track echo and
// frames arriving before the model socket is open are dropped, not buffered.
func (s *Session) handleMedia(msg telephony.StreamMessage) {
	payload, ok := msg.InboundAudio()
	if !ok {
		return
	}
	s.mu.Lock()
	model := s.model
	s.mu.Unlock()
	if model == nil {
		return
	}
	if err := model.AppendAudio(payload); err != nil {
		s.cfg.Logger.Warn("relay: forward caller audio", "task_id", s.TaskID(), "error", err)
	}
}

func (s *Session) handleStop(ctx context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	model := s.model
	s.model = nil
	taskID := s.taskID
	s.mu.Unlock()

	if model != nil {
		_ = model.Close()
	}
	if taskID == "" {
		return
	}
	s.finishCall(ctx, taskID)
}

// OnClose handles the telephony socket closing without a stop event. The
// call is finalized only if the persisted status is still IN_PROGRESS, which
// keeps the outcome pipeline from running twice.
func (s *Session) OnClose(ctx context.Context) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	model := s.model
	s.model = nil
	taskID := s.taskID
	s.mu.Unlock()

	if model != nil {
		_ = model.Close()
	}
	if taskID == "" {
		return
	}

	status, err := s.cfg.Store.TaskStatus(ctx, taskID)
	if err != nil {
		s.cfg.Logger.Error("relay: load status on close", "task_id", taskID, "error", err)
		return
	}
	if status != task.StatusInProgress {
		return
	}
	s.finishCall(ctx, taskID)
}

func (s *Session) finishCall(ctx context.Context, taskID string) {
	// The socket that delivered the triggering event may already be torn
	// down; the completion write and the outcome run must not be canceled
	// with it.
	ctx = context.WithoutCancel(ctx)
	if err := s.cfg.Store.UpdateTaskStatus(ctx, taskID, task.StatusCompleted); err != nil {
		s.cfg.Logger.Error("relay: mark completed", "task_id", taskID, "error", err)
		return
	}
	s.cfg.Hub.BroadcastStatus(taskID, task.StatusCompleted)
	if s.cfg.Outcome == nil {
		return
	}
	if err := s.cfg.Outcome.Run(ctx, taskID); err != nil {
		s.cfg.Logger.Error("relay: outcome pipeline", "task_id", taskID, "error", err)
	}
}

// onModelClosed clears the model handle. The telephony side stays
// authoritative for call lifecycle, so nothing else changes.
func (s *Session) onModelClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = nil
	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
}

// TaskID returns the task bound to this session, if a start frame resolved one.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// ComposeInstructions builds the system prompt for one call: the fixed
// assistant persona followed by the task-specific block.
func ComposeInstructions(ownerName string, t task.Task) string {
	if ownerName == "" {
		ownerName = "the account owner"
	}
	persona := fmt.Sprintf(`You are %[1]s's personal AI assistant making a phone call. This could be ANY type of call - reminders to friends/family, thank you messages, scheduling, or anything else.

When the call connects, start with: "Hello, this is an AI assistant calling on behalf of %[1]s."

Then IMMEDIATELY deliver the specific message or task described in the INSTRUCTION section below. Do exactly what the instruction says - nothing more, nothing less.

Rules:
- Be concise, polite, and friendly
- Do NOT assume this is about reservations or appointments unless the instruction says so
- Follow the INSTRUCTION exactly as written
- Do not say "Sure" or acknowledge prompts - speak directly to the person`, ownerName)

	notes := t.ContextNotes
	if notes == "" {
		notes = "None"
	}
	return fmt.Sprintf(`%s

---
CALL RECIPIENT: %s
PHONE: %s
NOTES: %s

INSTRUCTION (do exactly this):
%s
---`, persona, t.ContextName, t.ContextPhone, notes, t.InstructionText)
}
