package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/hub"
	"github.com/voxdial/voxdial/pkg/store"
)

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	st, err := store.Open(context.Background(), store.Config{Path: ":memory:", Logger: logger})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(cfg, logger, Deps{Store: st, Hub: hub.New(logger)})
}

func TestRoutesRespond(t *testing.T) {
	s := newTestServer(t, config.Config{PublicBaseURL: "https://gw.example.com"})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	cases := []struct {
		method, path string
		wantStatus   int
	}{
		{http.MethodGet, "/healthz", http.StatusOK},
		{http.MethodGet, "/readyz", http.StatusOK},
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodGet, "/api/tasks", http.StatusOK},
		{http.MethodGet, "/api/tasks/missing", http.StatusNotFound},
		{http.MethodGet, "/api/twilio/status", http.StatusOK},
		{http.MethodGet, "/api/twiml/stream?taskId=T1", http.StatusOK},
		{http.MethodPost, "/api/twiml/stream?taskId=T1", http.StatusOK},
		{http.MethodGet, "/api/twiml/stream/?taskId=T1", http.StatusOK},
		{http.MethodPost, "/api/twilio/status", http.StatusOK},
		{http.MethodGet, "/auth/google", http.StatusInternalServerError},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp, err := ts.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.wantStatus {
			t.Errorf("%s %s: status=%d, want %d", tc.method, tc.path, resp.StatusCode, tc.wantStatus)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Errorf("%s %s: missing X-Request-ID", tc.method, tc.path)
		}
	}
}

func TestDrainingFlipsReadyz(t *testing.T) {
	s := newTestServer(t, config.Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	s.SetDraining(true)
	resp, err := ts.Client().Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
	var body struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.OK || !body.Draining {
		t.Fatalf("body=%+v", body)
	}
}

func TestCreateTaskThroughStack(t *testing.T) {
	s := newTestServer(t, config.Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body := `{"contextName":"Luigi's","contextPhone":"+15551234567","instructionText":"Book a table"}`
	resp, err := ts.Client().Post(ts.URL+"/api/tasks", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post task: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestSessionDrainLifecycle(t *testing.T) {
	s := newTestServer(t, config.Config{})

	if s.SessionCount() != 0 {
		t.Fatalf("count=%d, want 0", s.SessionCount())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if !s.WaitSessions(ctx) {
		t.Fatal("expected empty tracker to drain immediately")
	}
	if s.CancelSessions() != 0 {
		t.Fatal("expected nothing to cancel")
	}
}
