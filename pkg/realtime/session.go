// Package realtime is a websocket client for the OpenAI realtime speech
// API. It exposes typed server events on a channel and serializes the small
// set of client commands the call relay needs.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultEndpoint       = "wss://api.openai.com/v1/realtime"
	defaultModel          = "gpt-4o-realtime-preview"
	defaultConnectTimeout = 15 * time.Second
)

// DialConfig configures a realtime connection.
type DialConfig struct {
	// APIKey authenticates the connection. Required.
	APIKey string
	// Model selects the speech model; defaults to gpt-4o-realtime-preview.
	Model string
	// Endpoint overrides the API endpoint; used by tests.
	Endpoint string
}

// Session is one live connection to the speech model. Writes are serialized;
// server events arrive on Events() until the connection closes.
type Session struct {
	conn *websocket.Conn

	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial opens a realtime session. The returned session's read loop is already
// running; the caller must drain Events().
func Dial(ctx context.Context, cfg DialConfig) (*Session, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime: api key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	wsURL := endpoint + "?model=" + model

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events returns the server event channel. It is closed when the connection
// ends; check Err afterwards for the terminal error.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SessionConfig is the session.update payload sent right after connecting.
type SessionConfig struct {
	// Instructions is the system prompt assembled from the task context.
	Instructions string
	// Voice selects the synthesized voice; defaults to alloy.
	Voice string
}

// Configure sends the session.update command: bidirectional G.711 mu-law
// audio, server-side voice activity detection, and input transcription.
// The server acknowledges with session.updated.
func (s *Session) Configure(cfg SessionConfig) error {
	voice := cfg.Voice
	if voice == "" {
		voice = "alloy"
	}
	return s.sendJSON(map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"audio", "text"},
			"instructions":        cfg.Instructions,
			"voice":               voice,
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"threshold":           0.5,
				"prefix_padding_ms":   300,
				"silence_duration_ms": 500,
			},
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	})
}

// AppendAudio forwards one base64 mu-law audio fragment from the call.
func (s *Session) AppendAudio(payload string) error {
	return s.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payload,
	})
}

// CreateResponse asks the model to start speaking. Call only after the
// session.updated acknowledgment; earlier responses would use default
// session settings.
func (s *Session) CreateResponse() error {
	return s.sendJSON(map[string]any{"type": "response.create"})
}

func (s *Session) sendJSON(v any) error {
	if s == nil {
		return fmt.Errorf("realtime: session must not be nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("realtime: session is closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close closes the connection and waits for the read loop to drain.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal connection error, if any, after Events() closes.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.setErr(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := decodeServerEvent(data)
		if err != nil {
			s.setErr(err)
			return
		}
		if event == nil {
			continue
		}
		select {
		case s.events <- event:
		default:
			// Avoid deadlocking the read loop if the consumer stops draining.
		}
	}
}
