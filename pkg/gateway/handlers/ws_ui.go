package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxdial/voxdial/pkg/gateway/hub"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/task"
)

const defaultDemoInterval = 2500 * time.Millisecond

var demoLines = []struct {
	speaker task.Speaker
	text    string
}{
	{task.SpeakerAssistant, "Hello, this is an AI assistant calling on behalf of Raj."},
	{task.SpeakerOtherParty, "Hi, how can I help you?"},
	{task.SpeakerAssistant, "I'd like to make a reservation for two for tomorrow at 7 PM."},
	{task.SpeakerOtherParty, "Let me check availability... Yes, we have a table. May I have a name?"},
}

// UIWebSocketHandler serves the observer socket: each connection subscribes
// to one task's status, transcript, and outcome broadcasts and receives a
// status snapshot on connect.
type UIWebSocketHandler struct {
	Store  *store.Store
	Hub    *hub.Hub
	Logger *slog.Logger

	// Demo enables the fabricated-transcript generator for tasks with no
	// live call, a development aid for exercising the observer stream.
	Demo         bool
	DemoInterval time.Duration
}

func (h UIWebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "taskId required"),
			time.Now().Add(time.Second))
		return
	}

	conn := hub.NewConn(ws)
	h.Hub.Register(taskID, conn)
	defer h.Hub.Unregister(taskID, conn)

	// The observer outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	status, err := h.Store.TaskStatus(ctx, taskID)
	if err == nil {
		_ = conn.SendJSON(hub.Message{Type: hub.KindStatus, Payload: hub.StatusPayload{Status: status}})
	}

	if h.Demo && status != task.StatusCalling && status != task.StatusInProgress {
		go h.runDemoTranscript(ctx, taskID)
	}

	// Observers never send application frames; reading only detects close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h UIWebSocketHandler) runDemoTranscript(ctx context.Context, taskID string) {
	interval := h.DemoInterval
	if interval <= 0 {
		interval = defaultDemoInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for _, line := range demoLines {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ev, err := h.Store.AppendTranscript(ctx, task.TranscriptEvent{
			TaskID:  taskID,
			Speaker: line.speaker,
			Text:    line.text,
		})
		if err != nil {
			h.Logger.Warn("demo transcript append", "task_id", taskID, "err", err)
			return
		}
		h.Hub.BroadcastTranscript(taskID, ev)
	}
}
