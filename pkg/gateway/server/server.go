// Package server assembles the gateway's routes and middleware around the
// shared store, observer hub, and call-session tracker.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/handlers"
	"github.com/voxdial/voxdial/pkg/gateway/hub"
	"github.com/voxdial/voxdial/pkg/gateway/lifecycle"
	"github.com/voxdial/voxdial/pkg/gateway/mw"
	"github.com/voxdial/voxdial/pkg/gateway/relay"
	"github.com/voxdial/voxdial/pkg/gateway/sessions"
	"github.com/voxdial/voxdial/pkg/gcal"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/telephony"
)

// Deps are the externally constructed collaborators the server routes to.
type Deps struct {
	Store *store.Store
	Hub   *hub.Hub

	// Calls is nil when telephony credentials are absent; call starts then
	// report not-configured instead of dialing out.
	Calls *telephony.Client

	Google  gcal.Config
	Outcome relay.OutcomeRunner
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	tracker *sessions.Tracker
	lc      *lifecycle.Lifecycle
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		deps:    deps,
		tracker: sessions.NewTracker(),
		lc:      &lifecycle.Lifecycle{},
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{Lifecycle: s.lc})
	s.mux.Handle("GET /api/health", handlers.APIHealthHandler{})

	s.mux.Handle("POST /api/tasks", handlers.CreateTaskHandler{Store: s.deps.Store, Logger: s.logger})
	s.mux.Handle("GET /api/tasks", handlers.ListTasksHandler{Store: s.deps.Store, Logger: s.logger})
	s.mux.Handle("GET /api/tasks/{id}", handlers.GetTaskHandler{Store: s.deps.Store, Logger: s.logger})
	s.mux.Handle("POST /api/tasks/{id}/start-call", handlers.StartCallHandler{
		Store:  s.deps.Store,
		Calls:  s.deps.Calls,
		Config: s.cfg,
		Logger: s.logger,
	})
	s.mux.Handle("POST /api/tasks/{id}/end-call", handlers.EndCallHandler{
		Store:  s.deps.Store,
		Calls:  s.deps.Calls,
		Logger: s.logger,
	})
	s.mux.Handle("POST /api/tasks/{id}/save-calendar", handlers.SaveCalendarHandler{
		Store:  s.deps.Store,
		Google: s.deps.Google,
		Logger: s.logger,
	})

	// The provider fetches TwiML with GET or POST, sometimes with a
	// trailing slash; all spellings must answer 200.
	twiml := handlers.TwiMLStreamHandler{Config: s.cfg}
	s.mux.Handle("GET /api/twiml/stream", twiml)
	s.mux.Handle("POST /api/twiml/stream", twiml)
	s.mux.Handle("GET /api/twiml/stream/{$}", twiml)
	s.mux.Handle("POST /api/twiml/stream/{$}", twiml)

	info := handlers.TwilioStatusInfoHandler{Config: s.cfg}
	s.mux.Handle("GET /api/twilio/status", info)
	s.mux.Handle("GET /api/twilio/status-info", info)
	s.mux.Handle("POST /api/twilio/status", handlers.TwilioStatusHandler{
		Store:  s.deps.Store,
		Hub:    s.deps.Hub,
		Logger: s.logger,
	})

	s.mux.Handle("GET /auth/google", handlers.GoogleAuthHandler{Google: s.deps.Google})
	s.mux.Handle("GET /auth/google/callback", handlers.GoogleCallbackHandler{
		Store:      s.deps.Store,
		Google:     s.deps.Google,
		RedirectTo: s.cfg.WebOrigin,
		Logger:     s.logger,
	})

	s.mux.Handle("GET /ws/ui", handlers.UIWebSocketHandler{
		Store:  s.deps.Store,
		Hub:    s.deps.Hub,
		Logger: s.logger,
		Demo:   s.cfg.DemoTranscripts,
	})
	s.mux.Handle("GET /ws/twilio-media", handlers.MediaStreamHandler{
		Store:   s.deps.Store,
		Hub:     s.deps.Hub,
		Outcome: s.deps.Outcome,
		Tracker: s.tracker,
		Config:  s.cfg,
		Logger:  s.logger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the readiness probe during graceful shutdown.
func (s *Server) SetDraining(draining bool) { s.lc.SetDraining(draining) }

// SessionCount reports the number of live call sessions.
func (s *Server) SessionCount() int { return s.tracker.Count() }

// WaitSessions blocks until live call sessions drain or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool { return s.tracker.Wait(ctx) }

// CancelSessions force-closes any call sessions still live.
func (s *Server) CancelSessions() int { return s.tracker.CancelAll() }
