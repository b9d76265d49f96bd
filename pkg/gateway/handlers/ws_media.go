package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/hub"
	"github.com/voxdial/voxdial/pkg/gateway/relay"
	"github.com/voxdial/voxdial/pkg/gateway/sessions"
	"github.com/voxdial/voxdial/pkg/realtime"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/telephony"
)

// MediaStreamHandler accepts the telephony provider's media-stream socket
// and runs one relay session over it for the duration of the call.
type MediaStreamHandler struct {
	Store   *store.Store
	Hub     *hub.Hub
	Outcome relay.OutcomeRunner
	Tracker *sessions.Tracker
	Config  config.Config
	Logger  *slog.Logger
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var dialer relay.ModelDialer
	if h.Config.SpeechConfigured() {
		dialer = relay.RealtimeDialer{Config: realtime.DialConfig{
			APIKey: h.Config.OpenAIAPIKey,
			Model:  h.Config.RealtimeModel,
		}}
	}

	sess := relay.NewSession(relay.Config{
		Store:      h.Store,
		Hub:        h.Hub,
		Outcome:    h.Outcome,
		Media:      &wsMediaSender{ws: ws},
		Dialer:     dialer,
		Logger:     h.Logger,
		OwnerName:  h.Config.OwnerName,
		Voice:      h.Config.Voice,
		AckTimeout: h.Config.ModelAckTimeout,
	})

	unregister := h.Tracker.Register(store.NewID(), sessions.Handle{
		Cancel: func() { _ = ws.Close() },
	})
	defer unregister()

	// The call must finish cleanly even when the upgrade request's context
	// ends with the HTTP server shutdown.
	ctx := context.WithoutCancel(r.Context())
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		if err := sess.HandleMessage(ctx, data); err != nil {
			if !errors.Is(err, relay.ErrCallEnded) {
				h.Logger.Warn("media frame", "task_id", sess.TaskID(), "err", err)
			}
			break
		}
	}
	sess.OnClose(ctx)
}

// wsMediaSender serializes outbound media frames onto the provider socket.
// The relay's model pump and its telephony loop both write through it.
type wsMediaSender struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *wsMediaSender) Send(msg telephony.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteMessage(websocket.TextMessage, data)
}
