package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimapp/echolink"
	"github.com/dimapp/echolink/eventbus"
	"github.com/dimapp/echolink/internal/linktest"
	"github.com/dimapp/echolink/link"
	"github.com/dimapp/echolink/push"
	"github.com/dimapp/echolink/registry"
)

var validCredential = echolink.Credential(`{"loginCookie":"session-id=abc","csrf":"123","deviceId":"dev-1"}`)

type advancer interface {
	clockwork.Clock
	Advance(time.Duration)
	BlockUntil(int)
}

type harness struct {
	auth  *Authenticator
	fake  *linktest.Fake
	reg   *registry.Registry
	sub   echolink.EventSubscription
	clock advancer
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithDelay(t, 0)
}

func newHarnessWithDelay(t *testing.T, retryDelay time.Duration) *harness {
	t.Helper()
	opts := echolink.DefaultOptions()
	opts.ProxyHost = "192.168.1.20"
	opts.Init.RetryDelay = retryDelay
	fake := linktest.New()
	bus := eventbus.New(zerolog.Nop())
	sub := bus.Subscribe(32)
	t.Cleanup(func() { sub.Close() })
	clock := clockwork.NewFakeClock()
	reg := registry.New()
	sup := push.NewSupervisor(fake, bus, clock, zerolog.Nop())
	return &harness{
		auth:  NewAuthenticator(fake, reg, sup, bus, clock, opts, zerolog.Nop()),
		fake:  fake,
		reg:   reg,
		sub:   sub,
		clock: clock,
	}
}

func (h *harness) kinds() []echolink.EventKind {
	var out []echolink.EventKind
	for {
		select {
		case e := <-h.sub.C():
			out = append(out, e.Kind)
		default:
			return out
		}
	}
}

func TestIsCredentialEmpty(t *testing.T) {
	var nilCred *echolink.Credential
	tests := []struct {
		name  string
		value any
		want  bool
	}{
		{"nil", nil, true},
		{"typed nil pointer", nilCred, true},
		{"null literal", "null", true},
		{"empty string", "", true},
		{"whitespace", "  \t\n ", true},
		{"empty object", "{}", true},
		{"empty object spaced", " { } ", true},
		{"empty credential", echolink.Credential(nil), true},
		{"empty credential object", echolink.Credential(`{}`), true},
		{"json object", `{"loginCookie":"x"}`, false},
		{"credential", validCredential, false},
		{"not json", "session-id=abc", false},
		{"integer", 42, false},
		{"bool", true, false},
		{"struct", struct{ A int }{1}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsCredentialEmpty(tc.value))
		})
	}
}

func TestBuildConfig(t *testing.T) {
	h := newHarness(t)

	cfg := h.auth.BuildConfig(validCredential, "amazon.it", false)
	assert.True(t, cfg.HasCredential)
	assert.True(t, h.auth.CredentialPresent())
	assert.False(t, cfg.ProxyOnly)
	assert.Equal(t, "session-id=abc; csrf=123", cfg.Cookie)
	assert.Equal(t, "amazon.it", cfg.AmazonPage)
	assert.Equal(t, "en_EN", cfg.AcceptLanguage)
	assert.JSONEq(t, string(validCredential), string(cfg.FormerRegistrationData))

	forced := h.auth.BuildConfig(validCredential, "amazon.it", true)
	assert.True(t, forced.ProxyOnly)
	assert.True(t, forced.HasCredential)
	assert.Empty(t, forced.Cookie)

	none := h.auth.BuildConfig(nil, "", false)
	assert.False(t, h.auth.CredentialPresent())
	assert.True(t, none.ProxyOnly)
	assert.Equal(t, "192.168.1.20", none.ProxyOwnIP)
	assert.Equal(t, 3000, none.ProxyPort)
	assert.Equal(t, "amazon.de", none.AmazonPage)
	assert.Contains(t, none.CloseWindowHTML, "You can now close this window.")
}

func TestInitSessionSuccessPopulatesRegistry(t *testing.T) {
	h := newHarness(t)
	h.fake.DevicesFn = func() ([]link.RawDevice, error) {
		return []link.RawDevice{
			{AccountName: "Kitchen", DeviceFamily: "ECHO", SerialNumber: "S1", Online: true},
			{AccountName: "Tablet", DeviceFamily: "TABLET", SerialNumber: "T1"},
		}, nil
	}

	devices, err := h.auth.InitSession(context.Background(), NewInitOptions(validCredential, "amazon.de"))
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "S1", devices[0].Serial)
	assert.True(t, h.reg.Exists("S1"))
	assert.False(t, h.reg.Exists("T1"))
	assert.Len(t, h.fake.InitConfigs(), 1)

	kinds := h.kinds()
	assert.Contains(t, kinds, echolink.EventSessionConnected)
	assert.True(t, h.fake.IsPushConnected(), "push is opened after a fresh session")
}

func TestInitSessionValidatesRetryArguments(t *testing.T) {
	h := newHarness(t)
	_, err := h.auth.InitSession(context.Background(), InitOptions{Credential: validCredential, RetryCount: -1})
	assert.True(t, errors.Is(err, echolink.ErrValidation))
	_, err = h.auth.InitSession(context.Background(), InitOptions{Credential: validCredential, MaxRetries: -1})
	assert.True(t, errors.Is(err, echolink.ErrValidation))
	assert.Empty(t, h.fake.InitConfigs())
}

func TestInitSessionRejectedCredentialRetriesBounded(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 4} {
		h := newHarness(t)
		h.fake.InitFn = func(link.SessionConfig) error { return errors.New("401 unauthorized") }

		opts := NewInitOptions(validCredential, "amazon.de")
		opts.MaxRetries = maxRetries
		_, err := h.auth.InitSession(context.Background(), opts)
		require.Error(t, err)
		assert.True(t, errors.Is(err, echolink.ErrInit))
		assert.Equal(t, "http://192.168.1.20:3000", echolink.LoginURLOf(err))
		assert.True(t, h.auth.NewLoginRequired())

		configs := h.fake.InitConfigs()
		require.Len(t, configs, maxRetries+1)
		assert.False(t, configs[0].ProxyOnly)
		for _, cfg := range configs[1:] {
			assert.True(t, cfg.ProxyOnly, "retries force a refresh without the credential")
			assert.False(t, cfg.HasCredential)
		}
	}
}

func TestInitSessionRetryCountConsumesBudget(t *testing.T) {
	h := newHarness(t)
	h.fake.InitFn = func(link.SessionConfig) error { return errors.New("rejected") }
	opts := NewInitOptions(validCredential, "")
	opts.RetryCount = 2
	_, err := h.auth.InitSession(context.Background(), opts)
	require.Error(t, err)
	assert.Len(t, h.fake.InitConfigs(), 1)
}

func TestInitSessionRecoversOnRetry(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.fake.InitFn = func(link.SessionConfig) error {
		if calls.Add(1) == 1 {
			return errors.New("expired")
		}
		return nil
	}
	h.fake.DevicesFn = func() ([]link.RawDevice, error) {
		return []link.RawDevice{{DeviceFamily: "ECHO", SerialNumber: "S1"}}, nil
	}
	devices, err := h.auth.InitSession(context.Background(), NewInitOptions(validCredential, ""))
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInitSessionWithoutCredentialRejectsImmediately(t *testing.T) {
	h := newHarness(t)
	h.fake.InitFn = func(link.SessionConfig) error { return errors.New("no cookie") }

	_, err := h.auth.InitSession(context.Background(), NewInitOptions(nil, ""))
	require.Error(t, err)
	assert.Equal(t, echolink.KindInit, echolink.KindOf(err))
	assert.Equal(t, "http://192.168.1.20:3000", echolink.LoginURLOf(err))
	assert.Equal(t, "http://192.168.1.20:3000", h.auth.LoginURL())
	assert.Len(t, h.fake.InitConfigs(), 1)
	assert.True(t, strings.Contains(err.Error(), "credential not found"))
}

func TestInitSessionDeviceFetchFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.fake.DevicesFn = func() ([]link.RawDevice, error) { return nil, errors.New("503") }

	_, err := h.auth.InitSession(context.Background(), NewInitOptions(validCredential, ""))
	require.Error(t, err)
	assert.Equal(t, echolink.KindInit, echolink.KindOf(err))
	assert.Empty(t, echolink.LoginURLOf(err))
	assert.Len(t, h.fake.InitConfigs(), 1)
	assert.False(t, h.auth.NewLoginRequired())
}

func TestIsAuthenticatedWrapsErrors(t *testing.T) {
	h := newHarness(t)
	h.fake.AuthFn = func() (bool, error) { return false, errors.New("timeout") }
	_, err := h.auth.IsAuthenticated(context.Background())
	assert.True(t, errors.Is(err, echolink.ErrAuthentication))
	assert.True(t, echolink.IsAuthFailure(err))
}

func TestCheckAuthenticationAndPush(t *testing.T) {
	t.Run("empty credential", func(t *testing.T) {
		h := newHarness(t)
		assert.False(t, h.auth.CheckAuthenticationAndPush(context.Background(), nil, ""))
		assert.False(t, h.auth.CheckAuthenticationAndPush(context.Background(), echolink.Credential(`{}`), ""))
		assert.Empty(t, h.fake.CallsFor("auth"))
	})

	t.Run("authenticated with push up", func(t *testing.T) {
		h := newHarness(t)
		h.fake.SetPushConnected(true)
		assert.True(t, h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, ""))
		assert.Empty(t, h.fake.CallsFor("push"))
	})

	t.Run("authenticated with push down", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, ""))
		assert.Len(t, h.fake.CallsFor("push"), 1)
		assert.True(t, h.fake.IsPushConnected())
	})

	t.Run("push start fails", func(t *testing.T) {
		h := newHarness(t)
		h.fake.PushFn = func() error { return errors.New("refused") }
		assert.False(t, h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, ""))
		assert.Contains(t, h.kinds(), echolink.EventPushDisconnected)
	})

	t.Run("not authenticated, re-init succeeds", func(t *testing.T) {
		h := newHarness(t)
		h.fake.AuthFn = func() (bool, error) { return false, nil }
		assert.True(t, h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, ""))
		assert.Len(t, h.fake.InitConfigs(), 1)
		assert.Contains(t, h.kinds(), echolink.EventSessionConnected)
	})

	t.Run("not authenticated, re-init fails", func(t *testing.T) {
		h := newHarness(t)
		h.fake.AuthFn = func() (bool, error) { return false, nil }
		h.fake.InitFn = func(link.SessionConfig) error { return errors.New("rejected") }
		assert.False(t, h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, ""))
		assert.Contains(t, h.kinds(), echolink.EventSessionLost)
	})

	t.Run("auth check error counts as unauthenticated", func(t *testing.T) {
		h := newHarness(t)
		h.fake.AuthFn = func() (bool, error) { return false, errors.New("dns") }
		assert.True(t, h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, ""))
		assert.Len(t, h.fake.InitConfigs(), 1)
	})
}

func TestCheckAuthenticationAndPushSharesInFlightCheck(t *testing.T) {
	h := newHarness(t)
	h.fake.SetPushConnected(true)
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.fake.AuthFn = func() (bool, error) {
		entered <- struct{}{}
		<-release
		return true, nil
	}

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, "")
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, "")
	}()
	// give the second caller time to join the in-flight check
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, []bool{true, true}, results)
	assert.Len(t, h.fake.CallsFor("auth"), 1)
}

func TestCheckSurvivesFirstCallerCancelling(t *testing.T) {
	h := newHarness(t)
	h.fake.SetPushConnected(true)
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	h.fake.AuthFn = func() (bool, error) {
		entered <- struct{}{}
		<-release
		return true, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() { first <- h.auth.CheckAuthenticationAndPush(ctx, validCredential, "") }()
	<-entered

	second := make(chan bool, 1)
	go func() { second <- h.auth.CheckAuthenticationAndPush(context.Background(), validCredential, "") }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.False(t, <-first, "a caller that gave up reports false")
	close(release)
	assert.True(t, <-second, "joined callers still get the shared result")
	assert.Len(t, h.fake.CallsFor("auth"), 1)
}

func TestInitSessionRetryDelayUsesClock(t *testing.T) {
	h := newHarnessWithDelay(t, 5*time.Second)
	var calls atomic.Int32
	h.fake.InitFn = func(link.SessionConfig) error {
		if calls.Add(1) == 1 {
			return errors.New("stale cookie")
		}
		return nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := h.auth.InitSession(context.Background(), NewInitOptions(validCredential, ""))
		errc <- err
	}()

	h.clock.BlockUntil(1)
	assert.EqualValues(t, 1, calls.Load(), "the retry waits for the delay")
	h.clock.Advance(5 * time.Second)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not run after the delay elapsed")
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestHandleCredentialFlagsNewLogin(t *testing.T) {
	h := newHarness(t)
	h.fake.InitFn = func(link.SessionConfig) error { return errors.New("no cookie") }
	_, _ = h.auth.InitSession(context.Background(), NewInitOptions(nil, ""))

	h.auth.HandleCredential(validCredential)
	h.auth.HandleCredential(validCredential)

	var flags []bool
	for _, e := range drain(h.sub) {
		if p, ok := e.Payload.(echolink.CredentialGenerated); ok {
			flags = append(flags, p.NewLogin)
		}
	}
	assert.Equal(t, []bool{true, false}, flags)
	assert.Equal(t, validCredential, h.auth.Credential())
}

func TestSigninRequest(t *testing.T) {
	req := BuildSigninRequest("amazon.co.jp", "ja_JP", "")
	assert.True(t, strings.HasPrefix(req.URL, "https://www.amazon.co.jp/ap/signin?"))
	assert.Contains(t, req.URL, "openid.assoc_handle=amzn_dp_project_dee_ios_jp")
	assert.Contains(t, req.URL, "openid.oa2.code_challenge="+req.CodeChallenge)
	assert.True(t, strings.HasSuffix(req.DeviceID, registrationSuffix))
	assert.Len(t, req.DeviceID, 64+len(registrationSuffix))

	de := BuildSigninRequest("amazon.de", "de_DE", "fixed")
	assert.Contains(t, de.URL, "openid.assoc_handle=amzn_dp_project_dee_ios&")
	assert.Contains(t, de.URL, "device%3Afixed")
	assert.NotEqual(t, req.CodeVerifier, de.CodeVerifier)
}

func drain(sub echolink.EventSubscription) []echolink.Event {
	var out []echolink.Event
	for {
		select {
		case e := <-sub.C():
			out = append(out, e)
		default:
			return out
		}
	}
}
