// Package session drives login against the vendor, keeps the session alive
// and decides between "needs a new login" and "transient failure".
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/link"
	"github.com/dimapp/echolink/registry"
)

// DefaultMaxRetries bounds the forced-refresh retries of InitSession.
const DefaultMaxRetries = 2

// CheckTimeout bounds one shared authentication check, re-login included.
const CheckTimeout = 2 * time.Minute

// Publisher receives session events.
type Publisher interface {
	Publish(echolink.Event)
}

// Push is the part of the push supervisor the authenticator drives.
type Push interface {
	Start(ctx context.Context) error
	IsConnected() bool
	HandleDisconnect(willReconnect bool, reason string)
}

// InitOptions configures one InitSession call.
type InitOptions struct {
	Credential   echolink.Credential
	Region       string
	ForceRefresh bool
	RetryCount   int
	MaxRetries   int
}

// NewInitOptions returns options with the default retry budget.
func NewInitOptions(cred echolink.Credential, region string) InitOptions {
	return InitOptions{Credential: cred, Region: region, MaxRetries: DefaultMaxRetries}
}

// Authenticator owns login, re-login and the credential of one account.
type Authenticator struct {
	link     link.Link
	registry *registry.Registry
	push     Push
	pub      Publisher
	clock    clockwork.Clock
	opts     echolink.Options
	log      zerolog.Logger

	flight singleflight.Group

	mu                sync.Mutex
	credentialPresent bool
	newLogin          bool
	loginURL          string
	lastConfig        link.SessionConfig
	credential        echolink.Credential
}

func NewAuthenticator(l link.Link, reg *registry.Registry, push Push, pub Publisher, clock clockwork.Clock, opts echolink.Options, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		link:     l,
		registry: reg,
		push:     push,
		pub:      pub,
		clock:    clock,
		opts:     opts,
		log:      log.With().Str("component", "session").Logger(),
	}
}

// clockTimer makes retry-go wait on the injected clock.
type clockTimer struct{ clock clockwork.Clock }

func (t clockTimer) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- t.clock.Now()
		return ch
	}
	return t.clock.After(d)
}

// initFailure marks a rejected link.Init; only these are retried.
type initFailure struct{ err error }

func (f *initFailure) Error() string { return f.err.Error() }
func (f *initFailure) Unwrap() error { return f.err }

func (a *Authenticator) params(region string) configParams {
	ip := a.opts.ProxyHost
	if ip == "" {
		ip = localIPv4()
	}
	if region == "" {
		region = a.opts.Region
	}
	return configParams{
		Region:        region,
		Language:      a.opts.Language,
		AppName:       a.opts.AppName,
		OwnIP:         ip,
		ProxyPort:     a.opts.ProxyPort,
		CloseMessage:  a.opts.CloseWindowMessage,
		CloseImageURL: a.opts.CloseWindowImageURL,
	}
}

// BuildConfig derives a session config from the inputs and records whether a
// credential was present.
func (a *Authenticator) BuildConfig(cred echolink.Credential, region string, forceRefresh bool) link.SessionConfig {
	present := !IsCredentialEmpty(cred)
	cfg := buildConfig(cred, present, forceRefresh, a.params(region))
	a.mu.Lock()
	a.credentialPresent = present
	a.lastConfig = cfg
	a.mu.Unlock()
	return cfg
}

// InitSession logs in and loads the device list. A rejected credential is
// retried with a forced refresh up to MaxRetries times; once the budget is
// spent, or when no credential was given, the returned KindInit error carries
// the login URL.
func (a *Authenticator) InitSession(ctx context.Context, opts InitOptions) ([]echolink.DeviceRecord, error) {
	if opts.RetryCount < 0 || opts.MaxRetries < 0 {
		return nil, echolink.Errorf(echolink.KindValidation, "init", "retry count %d and max retries %d must not be negative", opts.RetryCount, opts.MaxRetries)
	}
	region := opts.Region
	if region == "" {
		region = a.opts.Region
	}

	hadCredential := !IsCredentialEmpty(opts.Credential)
	attempts := uint(1)
	if hadCredential && opts.RetryCount < opts.MaxRetries {
		attempts += uint(opts.MaxRetries - opts.RetryCount)
	}

	tries := 0
	devices, err := retry.DoWithData(func() ([]echolink.DeviceRecord, error) {
		cred, force := opts.Credential, opts.ForceRefresh
		if tries > 0 {
			cred, force = nil, true
		}
		tries++
		a.log.Debug().Int("retry_count", opts.RetryCount+tries-1).Bool("force_refresh", force).Msg("initializing session")

		cfg := a.BuildConfig(cred, region, force)
		if err := a.link.Init(ctx, cfg); err != nil {
			return nil, &initFailure{err: err}
		}
		return a.loadDevices(ctx)
	},
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.Delay(a.opts.Init.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.WithTimer(clockTimer{a.clock}),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var f *initFailure
			return errors.As(err, &f)
		}),
		retry.OnRetry(func(n uint, err error) {
			a.log.Warn().Err(err).Uint("retry_number", n+1).Msg("session init rejected, retrying with forced refresh")
		}),
	)
	if err == nil {
		a.log.Info().Int("devices", len(devices)).Msg("session initialized")
		a.pub.Publish(echolink.NewEvent(echolink.SessionConnected{Devices: devices}, "", "session", a.clock.Now()))
		a.ensurePush(ctx)
		return devices, nil
	}

	var f *initFailure
	if !errors.As(err, &f) {
		// device fetch failure or cancellation: the credential itself was accepted
		return nil, echolink.Wrap(echolink.KindInit, "init", err)
	}

	loginURL := a.requireNewLogin(region)
	if hadCredential {
		a.log.Error().Err(f.err).Int("attempts", tries).Msg("unable to initialize session, new login required")
		return nil, &echolink.Error{
			Kind:     echolink.KindInit,
			Op:       "init",
			Err:      fmt.Errorf("unable to initialize after %d attempts: %w", tries, f.err),
			LoginURL: loginURL,
		}
	}
	a.log.Warn().Str("login_url", loginURL).Msg("credential not found, login required")
	return nil, &echolink.Error{
		Kind:     echolink.KindInit,
		Op:       "init",
		Err:      fmt.Errorf("credential not found: %w", f.err),
		LoginURL: loginURL,
	}
}

func (a *Authenticator) loadDevices(ctx context.Context) ([]echolink.DeviceRecord, error) {
	raw, err := a.link.Devices(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("error recovering devices")
		return nil, echolink.Wrap(echolink.KindInit, "devices", err)
	}
	records := registry.FilterDevices(raw, a.opts.Families)
	snap := a.registry.Replace(records, a.clock.Now())
	a.log.Debug().Uint64("generation", snap.Generation).Int("devices", snap.Len()).Msg("device registry replaced")
	return snap.Devices(), nil
}

// ensurePush opens the push channel after a fresh login. Failure leaves the
// session usable; the next health check retries.
func (a *Authenticator) ensurePush(ctx context.Context) {
	if a.push == nil || a.push.IsConnected() {
		return
	}
	if err := a.push.Start(ctx); err != nil {
		a.log.Warn().Err(err).Msg("push not started after session init")
	}
}

func (a *Authenticator) requireNewLogin(region string) string {
	p := a.params(region)
	u := proxyURL(p.OwnIP, p.ProxyPort)
	a.mu.Lock()
	a.newLogin = true
	a.loginURL = u
	a.mu.Unlock()
	return u
}

// IsAuthenticated asks the vendor whether the current session is valid.
func (a *Authenticator) IsAuthenticated(ctx context.Context) (bool, error) {
	ok, err := a.link.CheckAuthentication(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("error while verifying authentication")
		return false, echolink.Wrap(echolink.KindAuthentication, "check", err)
	}
	if ok {
		a.log.Debug().Msg("authentication is valid")
	} else {
		a.log.Debug().Msg("authentication is invalid or has expired")
	}
	return ok, nil
}

// CheckAuthenticationAndPush makes sure the session is authenticated and the
// push channel is up, logging in again when needed. Concurrent callers share
// the result of the check already in flight.
func (a *Authenticator) CheckAuthenticationAndPush(ctx context.Context, cred echolink.Credential, region string) bool {
	if IsCredentialEmpty(cred) {
		a.log.Debug().Msg("no credential, skipping authentication check")
		return false
	}
	ch := a.flight.DoChan("check", func() (any, error) {
		// the shared check outlives the caller that started it
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CheckTimeout)
		defer cancel()
		return a.checkAndEnsurePush(fctx, cred, region), nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		a.log.Debug().Err(ctx.Err()).Msg("caller stopped waiting for authentication check")
		return false
	}
}

func (a *Authenticator) checkAndEnsurePush(ctx context.Context, cred echolink.Credential, region string) bool {
	authed, err := a.IsAuthenticated(ctx)
	if err != nil {
		authed = false
	}
	if authed {
		if a.push.IsConnected() {
			return true
		}
		if err := a.push.Start(ctx); err != nil {
			a.push.HandleDisconnect(false, err.Error())
			return false
		}
		return true
	}

	opts := NewInitOptions(cred, region)
	opts.MaxRetries = a.opts.Init.MaxRetries
	if _, err := a.InitSession(ctx, opts); err != nil {
		a.log.Error().Err(err).Msg("re-authentication failed, session lost")
		a.pub.Publish(echolink.NewEvent(echolink.SessionLost{Err: err}, "", "session", a.clock.Now()))
		return false
	}
	return true
}

// HandleCredential publishes a generated or refreshed credential. The first
// credential after a required login is flagged as a new login.
func (a *Authenticator) HandleCredential(cred echolink.Credential) {
	a.mu.Lock()
	newLogin := a.newLogin
	a.newLogin = false
	a.credential = cred
	a.mu.Unlock()

	a.log.Info().Bool("new_login", newLogin).Msg("credential generated or refreshed")
	a.pub.Publish(echolink.NewEvent(echolink.CredentialGenerated{NewLogin: newLogin, Credential: cred}, "", "session", a.clock.Now()))
}

// Credential returns the last credential seen from the vendor, if any.
func (a *Authenticator) Credential() echolink.Credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credential
}

// Remember records a caller-supplied credential for later health checks.
func (a *Authenticator) Remember(cred echolink.Credential) {
	if IsCredentialEmpty(cred) {
		return
	}
	a.mu.Lock()
	a.credential = cred
	a.mu.Unlock()
}

func (a *Authenticator) NewLoginRequired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.newLogin
}

func (a *Authenticator) LoginURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginURL
}

// CredentialPresent reports what the last BuildConfig saw.
func (a *Authenticator) CredentialPresent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credentialPresent
}

func (a *Authenticator) LastConfig() link.SessionConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastConfig
}

// SigninRequest builds the vendor sign-in URL, reusing the registration
// device id of the current credential when there is one.
func (a *Authenticator) SigninRequest(region string) SigninRequest {
	if region == "" {
		region = a.opts.Region
	}
	return BuildSigninRequest(region, a.opts.Language, a.Credential().Field("deviceId"))
}
