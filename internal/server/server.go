package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	api "github.com/dimapp/echolink/internal/http"
	"github.com/dimapp/echolink/registry"
)

// Source is what the status server reads from. *service.Service satisfies it.
type Source interface {
	api.StatusSource
	api.PushController
	Registry() *registry.Registry
}

// StatusConfig configures the status HTTP server.
type StatusConfig struct {
	ListenAddr   string         // address to bind (e.g. :8090)
	Source       Source         // required
	Logger       zerolog.Logger // defaults to a disabled logger
	ReadTimeout  time.Duration  // optional
	WriteTimeout time.Duration  // optional
	IdleTimeout  time.Duration  // optional
}

var ErrNilSource = errors.New("status server: source is nil")

// Handler builds the router serving /api/devices, /api/status and
// /api/push/stop.
func Handler(src Source) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", api.DevicesHandler(src.Registry()))
	mux.HandleFunc("/api/status", api.StatusHandler(src))
	mux.HandleFunc("/api/push/stop", api.PushStopHandler(src))
	return mux
}

// StartStatusServer starts an HTTP server exposing the device list and the
// session status. It returns the *http.Server, a channel that receives a
// terminal error (if any), and an error for immediate startup issues.
// The server stops when ctx is canceled.
func StartStatusServer(ctx context.Context, cfg StatusConfig) (*http.Server, <-chan error, error) {
	if cfg.Source == nil {
		return nil, nil, ErrNilSource
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	log := cfg.Logger.With().Str("component", "status-server").Logger()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      Handler(cfg.Source),
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("status API listening (GET /api/devices, GET /api/status, POST /api/push/stop)")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Shutdown watcher
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("status API shutdown")
		}
	}()

	return srv, errCh, nil
}

func durationOr(v time.Duration, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
