package echolink

import (
	"time"
)

// Options configures the session core.
type Options struct {
	// Region is the vendor storefront domain, e.g. "amazon.de".
	Region   string
	Language string
	AppName  string

	// ProxyHost and ProxyPort are advertised in the login URL when a fresh
	// login is needed. An empty host means "first non-loopback IPv4".
	ProxyHost string
	ProxyPort int

	CloseWindowMessage  string
	CloseWindowImageURL string

	// Families lists the device families kept in the registry.
	Families []string

	// EventBuffer sizes the link message queue and default subscriptions.
	EventBuffer int

	Init      InitConfig
	Detection DetectionConfig
	Health    HealthConfig
}

type InitConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

type DetectionConfig struct {
	Window        time.Duration // both signals must land inside it
	Cooldown      time.Duration // global quiet period after a detection
	Inactivity    time.Duration // idle tracker reset
	SweepInterval time.Duration
	StaleAfter    time.Duration // sweep drops trackers silent this long
}

type HealthConfig struct {
	Interval time.Duration
	// EventWait bounds WaitFor when callers give no timeout.
	EventWait time.Duration
}

// DefaultOptions gives baseline sensible defaults.
func DefaultOptions() Options {
	opts := Options{
		Region:             "amazon.de",
		Language:           "en_EN",
		AppName:            "echolink",
		ProxyPort:          3000,
		CloseWindowMessage: "You can now close this window.",
		Families:           []string{"ECHO", "KNIGHT", "WHA"},
		EventBuffer:        64,
	}
	opts.Init = InitConfig{
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
	opts.Detection = DetectionConfig{
		Window:        3 * time.Second,
		Cooldown:      8 * time.Second,
		Inactivity:    2 * time.Second,
		SweepInterval: 30 * time.Second,
		StaleAfter:    5 * time.Minute,
	}
	opts.Health = HealthConfig{
		Interval:  5 * time.Minute,
		EventWait: 5 * time.Second,
	}
	return opts
}
