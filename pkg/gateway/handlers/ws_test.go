package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/task"
)

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type observerFrame struct {
	Type    string `json:"type"`
	Payload struct {
		Status task.Status `json:"status"`
		Text   string      `json:"text"`
	} `json:"payload"`
}

func TestUIWebSocketSnapshotAndBroadcast(t *testing.T) {
	s := newTestStore(t)
	h := newTestHub()
	created := createTask(t, s, task.StatusCalling)

	ts := httptest.NewServer(UIWebSocketHandler{Store: s, Hub: h, Logger: discardLogger()})
	defer ts.Close()
	conn := dialWS(t, ts, "/ws/ui?taskId="+created.ID)

	var frame observerFrame
	readWSJSON(t, conn, &frame)
	if frame.Type != "status" || frame.Payload.Status != task.StatusCalling {
		t.Fatalf("snapshot=%+v", frame)
	}

	waitUntil(t, func() bool { return h.Count(created.ID) == 1 })
	h.BroadcastStatus(created.ID, task.StatusInProgress)
	readWSJSON(t, conn, &frame)
	if frame.Type != "status" || frame.Payload.Status != task.StatusInProgress {
		t.Fatalf("broadcast=%+v", frame)
	}
}

func TestUIWebSocketRequiresTaskID(t *testing.T) {
	ts := httptest.NewServer(UIWebSocketHandler{Store: newTestStore(t), Hub: newTestHub(), Logger: discardLogger()})
	defer ts.Close()
	conn := dialWS(t, ts, "/ws/ui")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, 4000) {
		t.Fatalf("err=%v, want close 4000", err)
	}
}

func TestUIWebSocketDemoTranscript(t *testing.T) {
	s := newTestStore(t)
	h := newTestHub()
	created := createTask(t, s, task.StatusDraft)

	ts := httptest.NewServer(UIWebSocketHandler{
		Store: s, Hub: h, Logger: discardLogger(),
		Demo: true, DemoInterval: 5 * time.Millisecond,
	})
	defer ts.Close()
	conn := dialWS(t, ts, "/ws/ui?taskId="+created.ID)

	var frame observerFrame
	readWSJSON(t, conn, &frame)
	if frame.Type != "status" {
		t.Fatalf("first frame=%+v, want status snapshot", frame)
	}

	for i := 0; i < len(demoLines); i++ {
		readWSJSON(t, conn, &frame)
		if frame.Type != "transcript" {
			t.Fatalf("frame %d type=%q, want transcript", i, frame.Type)
		}
		if frame.Payload.Text != demoLines[i].text {
			t.Fatalf("frame %d text=%q, want %q", i, frame.Payload.Text, demoLines[i].text)
		}
	}

	events, err := s.ListTranscript(t.Context(), created.ID)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(events) != len(demoLines) {
		t.Fatalf("persisted=%d, want %d", len(events), len(demoLines))
	}
}

func TestUIWebSocketNoDemoDuringLiveCall(t *testing.T) {
	s := newTestStore(t)
	h := newTestHub()
	created := createTask(t, s, task.StatusInProgress)

	ts := httptest.NewServer(UIWebSocketHandler{
		Store: s, Hub: h, Logger: discardLogger(),
		Demo: true, DemoInterval: 5 * time.Millisecond,
	})
	defer ts.Close()
	conn := dialWS(t, ts, "/ws/ui?taskId="+created.ID)

	var frame observerFrame
	readWSJSON(t, conn, &frame)

	time.Sleep(50 * time.Millisecond)
	events, err := s.ListTranscript(t.Context(), created.ID)
	if err != nil {
		t.Fatalf("list transcript: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("persisted=%d, want 0 during a live call", len(events))
	}
}

type recOutcome struct {
	mu  sync.Mutex
	ids []string
}

func (r *recOutcome) Run(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, taskID)
	return nil
}

func (r *recOutcome) runs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func TestMediaStreamRunsCallToCompletion(t *testing.T) {
	s := newTestStore(t)
	h := newTestHub()
	created := createTask(t, s, task.StatusCalling)
	runner := &recOutcome{}

	ts := httptest.NewServer(MediaStreamHandler{
		Store: s, Hub: h, Outcome: runner,
		Config: config.Config{}, Logger: discardLogger(),
	})
	defer ts.Close()
	conn := dialWS(t, ts, "/ws/twilio-media")

	start := `{"event":"start","streamSid":"S1","start":{"callSid":"C1","customParameters":{"taskId":"` + created.ID + `"}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	waitUntil(t, func() bool { return taskStatus(t, s, created.ID) == task.StatusInProgress })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	waitUntil(t, func() bool { return taskStatus(t, s, created.ID) == task.StatusCompleted })
	waitUntil(t, func() bool { return len(runner.runs()) == 1 })

	stored, err := s.GetTask(t.Context(), created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if stored.CallID != "C1" {
		t.Fatalf("call id=%q, want C1", stored.CallID)
	}
}

func TestMediaStreamDroppedConnectionFinalizes(t *testing.T) {
	s := newTestStore(t)
	h := newTestHub()
	created := createTask(t, s, task.StatusCalling)
	runner := &recOutcome{}

	ts := httptest.NewServer(MediaStreamHandler{
		Store: s, Hub: h, Outcome: runner,
		Config: config.Config{}, Logger: discardLogger(),
	})
	defer ts.Close()
	conn := dialWS(t, ts, "/ws/twilio-media")

	start := `{"event":"start","streamSid":"S1","start":{"callSid":"C1","customParameters":{"taskId":"` + created.ID + `"}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}
	waitUntil(t, func() bool { return taskStatus(t, s, created.ID) == task.StatusInProgress })

	// Provider socket drops without a stop event.
	conn.Close()
	waitUntil(t, func() bool { return taskStatus(t, s, created.ID) == task.StatusCompleted })
	waitUntil(t, func() bool { return len(runner.runs()) == 1 })
}
