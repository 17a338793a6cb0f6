package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/internal/config"
	"github.com/dimapp/echolink/internal/server"
	"github.com/dimapp/echolink/runtime"
	"github.com/dimapp/echolink/service"
	"github.com/dimapp/echolink/session"
)

// echolink: keeps a voice-assistant session alive through a gateway and
// exposes its devices and status over HTTP.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.Logger.With().Str("app", "echolink").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var auth runtime.AuthStrategy
	if cfg.GatewayToken != "" {
		token := cfg.GatewayToken
		if !strings.Contains(token, " ") {
			token = "Bearer " + token
		}
		auth = runtime.StaticAuth{Value: token}
	}
	gw := runtime.NewGatewayLink(cfg.GatewayURL, auth, logger)
	if err := gw.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Str("url", cfg.GatewayURL).Msg("unable to reach gateway")
	}
	defer gw.Close()

	svc, err := service.New(gw, cfg.Options(), nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to build service")
	}
	defer svc.Close()

	creds := svc.Subscribe(echolink.EventCredentialGenerated, echolink.EventSessionLost)
	defer creds.Close()
	go watchSession(ctx, cfg, svc, creds, logger)

	_, errCh, err := server.StartStatusServer(ctx, server.StatusConfig{
		ListenAddr: cfg.ListenAddr,
		Source:     svc,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start status API")
	}
	go func() {
		if err := <-errCh; err != nil {
			logger.Error().Err(err).Msg("status API error")
		}
	}()

	cred, err := cfg.LoadCredential()
	if err != nil {
		logger.Warn().Err(err).Msg("stored credential unreadable, a new login is needed")
	}
	initSession(ctx, svc, cred, cfg.Region, logger)

	logger.Info().Str("addr", cfg.ListenAddr).Msg("echolink running")
	_ = svc.Run(ctx)
	logger.Info().Msg("shutdown signal received; stopping")
}

func initSession(ctx context.Context, svc *service.Service, cred echolink.Credential, region string, logger zerolog.Logger) {
	devices, err := svc.InitSession(ctx, session.NewInitOptions(cred, region))
	if err != nil {
		if u := echolink.LoginURLOf(err); u != "" {
			logger.Warn().Str("login_url", u).Msg("open the login URL in a browser to sign in")
			return
		}
		logger.Error().Err(err).Msg("session init failed")
		return
	}
	logger.Info().Int("devices", len(devices)).Msg("session ready")
}

// watchSession stores every fresh credential and starts the session once a
// new login completes.
func watchSession(ctx context.Context, cfg config.Config, svc *service.Service, sub echolink.EventSubscription, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			switch p := e.Payload.(type) {
			case echolink.CredentialGenerated:
				if err := cfg.SaveCredential(p.Credential); err != nil {
					logger.Error().Err(err).Msg("unable to persist credential")
				}
				if p.NewLogin {
					initSession(ctx, svc, p.Credential, cfg.Region, logger)
				}
			case echolink.SessionLost:
				logger.Warn().Err(p.Err).Str("login_url", svc.LoginURL()).Msg("session lost")
			}
		}
	}
}
