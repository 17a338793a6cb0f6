// Package service wires the echolink components behind one facade: session
// handling, push supervision, telemetry mapping, voice detection, outbound
// commands and the periodic session health check.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/detect"
	"github.com/dimapp/echolink/dispatch"
	"github.com/dimapp/echolink/eventbus"
	"github.com/dimapp/echolink/link"
	"github.com/dimapp/echolink/push"
	"github.com/dimapp/echolink/registry"
	"github.com/dimapp/echolink/scheduler"
	"github.com/dimapp/echolink/session"
	"github.com/dimapp/echolink/statesync"
)

var errNotAuthenticated = errors.New("session is not authenticated")

// Service is the facade over one account session.
type Service struct {
	opts  echolink.Options
	link  link.Link
	clock clockwork.Clock
	log   zerolog.Logger

	bus      *eventbus.Bus
	registry *registry.Registry
	push     *push.Supervisor
	auth     *session.Authenticator
	detector *detect.Detector
	sync     *statesync.Synchronizer
	dispatch *dispatch.Dispatcher
	health   *scheduler.Scheduler

	mu     sync.Mutex
	region string

	closeOnce sync.Once
}

// New builds a service over l. A nil clock uses the wall clock.
func New(l link.Link, opts echolink.Options, clock clockwork.Clock, log zerolog.Logger) (*Service, error) {
	if l == nil {
		return nil, echolink.Errorf(echolink.KindValidation, "service", "link must not be nil")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{
		opts:     opts,
		link:     l,
		clock:    clock,
		log:      log.With().Str("component", "service").Logger(),
		bus:      eventbus.New(log),
		registry: registry.New(),
		region:   opts.Region,
	}
	s.push = push.NewSupervisor(l, s.bus, clock, log)
	s.auth = session.NewAuthenticator(l, s.registry, s.push, s.bus, clock, opts, log)
	s.detector = detect.New(opts.Detection, s.registry, s.bus, clock, log)
	s.sync = statesync.New(s.registry, l, s.bus, clock, log)
	s.dispatch = dispatch.New(l, s.registry, s.guard, s.sync, log)

	health, err := scheduler.New(s.checkHealth, opts.Health.Interval, clock, log)
	if err != nil {
		return nil, err
	}
	health.OnError = func(rec scheduler.ErrorRecord, st scheduler.Stats) {
		s.log.Warn().Str("error", rec.Message).Int("recent_errors", len(st.RecentErrors)).Msg("session health check failed")
	}
	s.health = health
	return s, nil
}

func (s *Service) currentRegion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.region
}

// guard runs before every outbound command.
func (s *Service) guard(ctx context.Context) error {
	if !s.auth.CheckAuthenticationAndPush(ctx, s.auth.Credential(), s.currentRegion()) {
		return echolink.Wrap(echolink.KindAuthentication, "check", errNotAuthenticated)
	}
	return nil
}

func (s *Service) checkHealth(ctx context.Context) error {
	cred := s.auth.Credential()
	if session.IsCredentialEmpty(cred) {
		s.log.Debug().Msg("no credential yet, health check skipped")
		return nil
	}
	if !s.auth.CheckAuthenticationAndPush(ctx, cred, s.currentRegion()) {
		return echolink.Wrap(echolink.KindAuthentication, "health", errNotAuthenticated)
	}
	return nil
}

// Run pumps link messages, sweeps detector state and runs the health check
// until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	wg.Go(func() { s.pump(ctx) })
	wg.Go(func() { s.detector.Run(ctx) })
	s.health.Start(ctx, scheduler.StartOptions{})

	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.health.Stop(stopCtx, scheduler.StopOptions{WaitForCurrent: true}); err != nil {
		s.log.Warn().Err(err).Msg("health check did not stop cleanly")
	}
	wg.Wait()
	return ctx.Err()
}

// pump applies link messages in arrival order.
func (s *Service) pump(ctx context.Context) {
	msgs := s.link.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg link.Message) {
	switch msg.Type {
	case link.MessageCredential:
		s.auth.HandleCredential(msg.Credential)
	case link.MessageConnect:
		s.push.HandleConnect()
	case link.MessageDisconnect:
		s.push.HandleDisconnect(msg.WillReconnect, msg.Reason)
	case link.MessageVolume:
		s.sync.Handle(ctx, msg)
		s.detector.Observe(msg.Serial(), detect.SignalVolume)
	case link.MessageEqualizer:
		s.detector.Observe(msg.Serial(), detect.SignalEqualizer)
	case link.MessageAudioPlayer, link.MessageMediaQueue:
		s.sync.Handle(ctx, msg)
	default:
		s.log.Debug().Str("type", string(msg.Type)).Msg("unhandled link message")
	}
}

// Close releases timers and subscribers. It does not stop the push channel.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.detector.Close()
		s.sync.Wait()
		s.bus.Close()
	})
}

// Subscribe returns a subscription for the given kinds, or for all kinds
// when none are given.
func (s *Service) Subscribe(kinds ...echolink.EventKind) echolink.EventSubscription {
	if len(kinds) == 0 {
		return s.bus.Subscribe(s.opts.EventBuffer)
	}
	return s.bus.SubscribeKinds(s.opts.EventBuffer, kinds...)
}

// WaitFor blocks until an event matching match is published. A zero timeout
// uses the configured event wait.
func (s *Service) WaitFor(ctx context.Context, timeout time.Duration, match func(echolink.Event) bool) (echolink.Event, error) {
	if timeout <= 0 {
		timeout = s.opts.Health.EventWait
	}
	return s.bus.WaitFor(ctx, timeout, match)
}

// Session.

// InitSession logs in and loads the devices. Build opts with
// session.NewInitOptions to get the default retry budget.
func (s *Service) InitSession(ctx context.Context, opts session.InitOptions) ([]echolink.DeviceRecord, error) {
	if opts.Region != "" {
		s.mu.Lock()
		s.region = opts.Region
		s.mu.Unlock()
	}
	s.auth.Remember(opts.Credential)
	return s.auth.InitSession(ctx, opts)
}

func (s *Service) CheckAuthenticationAndPush(ctx context.Context, cred echolink.Credential, region string) bool {
	if region != "" {
		s.mu.Lock()
		s.region = region
		s.mu.Unlock()
	}
	s.auth.Remember(cred)
	return s.auth.CheckAuthenticationAndPush(ctx, cred, s.currentRegion())
}

func (s *Service) IsAuthenticated(ctx context.Context) (bool, error) {
	return s.auth.IsAuthenticated(ctx)
}

func (s *Service) IsPushConnected() bool { return s.push.IsConnected() }

func (s *Service) StopPush() { s.push.Stop() }

func (s *Service) PushStatus() push.Status { return s.push.Status() }

// LoginURL returns the proxy login URL once a new login is required.
func (s *Service) LoginURL() string { return s.auth.LoginURL() }

func (s *Service) SigninRequest() session.SigninRequest {
	return s.auth.SigninRequest(s.currentRegion())
}

// Devices.

func (s *Service) ListDevices() []echolink.DeviceRecord { return s.registry.List() }

func (s *Service) DeviceExists(serial string) bool { return s.registry.Exists(serial) }

func (s *Service) IsOnline(serial string) bool { return s.registry.IsOnline(serial) }

// Registry exposes the current device snapshot holder for read-only use.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Commands.

func (s *Service) Speak(ctx context.Context, serial, text string) (json.RawMessage, error) {
	return s.dispatch.Speak(ctx, serial, text)
}

func (s *Service) Whisper(ctx context.Context, serial, text string) (json.RawMessage, error) {
	return s.dispatch.Whisper(ctx, serial, text)
}

func (s *Service) Announce(ctx context.Context, serial, text string) (json.RawMessage, error) {
	return s.dispatch.Announce(ctx, serial, text)
}

func (s *Service) SendCommand(ctx context.Context, serial, text string) error {
	return s.dispatch.SendCommand(ctx, serial, text)
}

func (s *Service) ChangePlayback(ctx context.Context, serial, action string, value bool) error {
	return s.dispatch.ChangePlayback(ctx, serial, action, value)
}

func (s *Service) GetVolume(ctx context.Context, serial string) (int, error) {
	return s.dispatch.GetVolume(ctx, serial)
}

func (s *Service) SetVolume(ctx context.Context, serial string, level int) error {
	return s.dispatch.SetVolume(ctx, serial, level)
}

// LastVolume returns the last level seen for serial without a vendor call.
func (s *Service) LastVolume(serial string) (int, bool) { return s.sync.LastVolume(serial) }

func (s *Service) GetPlayerInfo(ctx context.Context, serial string) (echolink.PlayerInfo, error) {
	return s.dispatch.GetPlayerInfo(ctx, serial)
}

func (s *Service) ListRoutines(ctx context.Context, limit int) ([]link.Routine, error) {
	return s.dispatch.ListRoutines(ctx, limit)
}

func (s *Service) RunRoutine(ctx context.Context, serial string, routine link.Routine) error {
	return s.dispatch.RunRoutine(ctx, serial, routine)
}

// CreateNotification schedules a notification at whenMs, in Unix
// milliseconds.
func (s *Service) CreateNotification(ctx context.Context, serial, typ, label string, whenMs int64, status string) (json.RawMessage, error) {
	var when time.Time
	if whenMs > 0 {
		when = time.UnixMilli(whenMs)
	}
	return s.dispatch.CreateNotification(ctx, serial, typ, label, when, status)
}

func (s *Service) SetDisplayPower(ctx context.Context, serial string, enabled bool) error {
	return s.dispatch.SetDisplayPower(ctx, serial, enabled)
}

func (s *Service) GetDisplayPower(ctx context.Context, serial string) (bool, error) {
	return s.dispatch.GetDisplayPower(ctx, serial)
}

// Status.

// Status summarizes the service for health endpoints.
type Status struct {
	Push       push.Status     `json:"push"`
	Credential bool            `json:"credentialPresent"`
	LoginURL   string          `json:"loginUrl,omitempty"`
	Devices    int             `json:"devices"`
	Generation uint64          `json:"generation"`
	Cooldown   detect.Cooldown `json:"cooldown"`
	Health     scheduler.Stats `json:"health"`
	Healthy    bool            `json:"healthy"`
}

func (s *Service) Status() Status {
	snap := s.registry.Load()
	return Status{
		Push:       s.push.Status(),
		Credential: !session.IsCredentialEmpty(s.auth.Credential()),
		LoginURL:   s.auth.LoginURL(),
		Devices:    snap.Len(),
		Generation: snap.Generation,
		Cooldown:   s.detector.Cooldown(),
		Health:     s.health.Stats(),
		Healthy:    s.health.IsHealthy(),
	}
}
