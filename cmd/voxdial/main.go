// Command voxdial runs the outbound-call gateway: the HTTP API, the
// observer and media-stream websockets, and the outcome pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxdial/voxdial/internal/dotenv"
	"github.com/voxdial/voxdial/pkg/extract"
	"github.com/voxdial/voxdial/pkg/gateway/config"
	"github.com/voxdial/voxdial/pkg/gateway/hub"
	gatewayserver "github.com/voxdial/voxdial/pkg/gateway/server"
	"github.com/voxdial/voxdial/pkg/gcal"
	"github.com/voxdial/voxdial/pkg/outcome"
	"github.com/voxdial/voxdial/pkg/store"
	"github.com/voxdial/voxdial/pkg/telephony"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	openStore    func(ctx context.Context, cfg store.Config) (*store.Store, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		openStore:  store.Open,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.openStore == nil {
		return errors.New("missing openStore dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := deps.openStore(ctx, store.Config{Path: cfg.DatabasePath, Logger: logger})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	observers := hub.New(logger)

	google := gcal.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURI:  cfg.GoogleRedirectURI,
		Timezone:     cfg.Timezone,
	}

	var extractor outcome.Extractor
	if cfg.ExtractionConfigured() {
		client, err := extract.New(ctx, extract.Config{
			APIKey:   cfg.GeminiAPIKey,
			Model:    cfg.GeminiModel,
			Timezone: cfg.Timezone,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("extraction client: %w", err)
		}
		extractor = client
	} else {
		logger.Warn("no extraction credential configured, outcomes will be skipped")
	}

	var calls *telephony.Client
	if cfg.TwilioConfigured() {
		calls = telephony.NewClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, nil)
	} else {
		logger.Warn("telephony not configured, call starts will report not-configured")
	}
	if !cfg.SpeechConfigured() {
		logger.Warn("no speech credential configured, calls will be silent")
	}

	runner := &outcome.Runner{
		Store:     st,
		Hub:       observers,
		Extractor: extractor,
		Google:    google,
		Logger:    logger,
	}

	gw := deps.newGateway(cfg, logger, gatewayserver.Deps{
		Store:   st,
		Hub:     observers,
		Calls:   calls,
		Google:  google,
		Outcome: runner,
	})
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "db", cfg.DatabasePath)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitSessions(waitCtx) {
		logger.Warn("grace period expired with live calls", "count", gw.SessionCount())
		gw.CancelSessions()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voxdial: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "voxdial: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
