package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"github.com/dimapp/echolink"
)

// Config is the process configuration of the echolink binary.
type Config struct {
	GatewayURL   string `envconfig:"ECHOLINK_GATEWAY_URL" default:"ws://127.0.0.1:8765/rpc"`
	GatewayToken string `envconfig:"ECHOLINK_GATEWAY_TOKEN"`

	Region    string `envconfig:"ECHOLINK_REGION" default:"amazon.de"`
	Language  string `envconfig:"ECHOLINK_LANGUAGE" default:"en_EN"`
	ProxyHost string `envconfig:"ECHOLINK_PROXY_HOST"`
	ProxyPort int    `envconfig:"ECHOLINK_PROXY_PORT" default:"3000"`

	Credential     string `envconfig:"ECHOLINK_CREDENTIAL"`
	CredentialFile string `envconfig:"ECHOLINK_CREDENTIAL_FILE" default:"echolink-credential.json"`

	ListenAddr     string        `envconfig:"ECHOLINK_LISTEN_ADDR" default:":8090"`
	LogLevel       string        `envconfig:"ECHOLINK_LOG_LEVEL" default:"info"`
	LogPretty      bool          `envconfig:"ECHOLINK_LOG_PRETTY" default:"false"`
	HealthInterval time.Duration `envconfig:"ECHOLINK_HEALTH_INTERVAL" default:"5m"`
	Families       []string      `envconfig:"ECHOLINK_FAMILIES" default:"ECHO,KNIGHT,WHA"`
}

// Load reads a .env file when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.GatewayURL == "" {
		return errors.New("ECHOLINK_GATEWAY_URL must be set")
	}
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("ECHOLINK_GATEWAY_URL %q must use ws or wss", c.GatewayURL)
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("ECHOLINK_PROXY_PORT %d out of range", c.ProxyPort)
	}
	if c.HealthInterval < time.Second {
		return fmt.Errorf("ECHOLINK_HEALTH_INTERVAL %s is below one second", c.HealthInterval)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("ECHOLINK_LOG_LEVEL: %w", err)
	}
	return nil
}

// Level returns the configured log level; Validate has already checked it.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Options maps the process config onto the session core defaults.
func (c Config) Options() echolink.Options {
	opts := echolink.DefaultOptions()
	opts.Region = c.Region
	opts.Language = c.Language
	opts.ProxyHost = c.ProxyHost
	opts.ProxyPort = c.ProxyPort
	opts.Health.Interval = c.HealthInterval
	if len(c.Families) > 0 {
		opts.Families = c.Families
	}
	return opts
}

// LoadCredential returns the credential from ECHOLINK_CREDENTIAL, or else from
// the credential file. A missing file yields an empty credential.
func (c Config) LoadCredential() (echolink.Credential, error) {
	if c.Credential != "" {
		return echolink.Credential(c.Credential), nil
	}
	if c.CredentialFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(c.CredentialFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}
	return echolink.Credential(b), nil
}

// SaveCredential replaces the credential file with cred.
func (c Config) SaveCredential(cred echolink.Credential) error {
	if c.CredentialFile == "" {
		return nil
	}
	dir := filepath.Dir(c.CredentialFile)
	tmp, err := os.CreateTemp(dir, ".credential-*")
	if err != nil {
		return fmt.Errorf("creating credential file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(cred); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.CredentialFile)
}
