package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/secrets"
)

// Config is the full runtime configuration. Values come from the
// environment (MORU_* variables), with a handful of flag overrides on the
// run command.
type Config struct {
	ListenAddr   string `env:"MORU_LISTEN_ADDR" envDefault:"127.0.0.1:8600"`
	RoutinesPath string `env:"MORU_ROUTINES" envDefault:"./routines.yaml"`

	// DBPath selects the sqlite backend; the literal "memory" selects the
	// in-memory store. Ignored when PostgresDSN is set.
	DBPath      string `env:"MORU_DB" envDefault:"./moru.db"`
	PostgresDSN string `env:"MORU_POSTGRES_DSN"`

	DispatchInterval time.Duration `env:"MORU_DISPATCH_INTERVAL" envDefault:"1m"`
	RetryInterval    time.Duration `env:"MORU_RETRY_INTERVAL" envDefault:"1m"`
	RetryBackoff     time.Duration `env:"MORU_RETRY_BACKOFF" envDefault:"1m"`
	MaxRetries       int           `env:"MORU_MAX_RETRIES" envDefault:"5"`
	Timezone         string        `env:"MORU_TIMEZONE" envDefault:"UTC"`

	PushEndpoint      string `env:"MORU_PUSH_ENDPOINT"`
	PushAPIKey        string `env:"MORU_PUSH_API_KEY"`
	PushRatePerSecond int    `env:"MORU_PUSH_RATE" envDefault:"50"`

	// AdminTokens are bearer tokens for the admin API. Empty leaves the API
	// open, which is only sane on a loopback listener.
	AdminTokens []string `env:"MORU_ADMIN_TOKENS" envSeparator:","`

	LogLevel  string `env:"MORU_LOG_LEVEL" envDefault:"info"`
	LogOutput string `env:"MORU_LOG_OUTPUT" envDefault:"stderr"`
	LogPath   string `env:"MORU_LOG_PATH"`

	TracingEnabled  bool   `env:"MORU_TRACING" envDefault:"false"`
	TracingEndpoint string `env:"MORU_TRACING_ENDPOINT"`
	TracingInsecure bool   `env:"MORU_TRACING_INSECURE" envDefault:"false"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// resolveSecrets expands secret references (env:, file:, raw:) in the
// credential-bearing fields. Plain values pass through unchanged.
func (c *Config) resolveSecrets() error {
	if strings.TrimSpace(c.PushAPIKey) != "" {
		v, err := secrets.Resolve(c.PushAPIKey)
		if err != nil {
			return fmt.Errorf("push api key: %w", err)
		}
		c.PushAPIKey = v
	}
	if strings.TrimSpace(c.PostgresDSN) != "" {
		v, err := secrets.Resolve(c.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres dsn: %w", err)
		}
		c.PostgresDSN = v
	}
	for i, token := range c.AdminTokens {
		if strings.TrimSpace(token) == "" {
			continue
		}
		v, err := secrets.Resolve(token)
		if err != nil {
			return fmt.Errorf("admin token %d: %w", i, err)
		}
		c.AdminTokens[i] = v
	}
	return nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.PushEndpoint) == "" {
		return fmt.Errorf("MORU_PUSH_ENDPOINT is required")
	}
	if strings.TrimSpace(c.RoutinesPath) == "" {
		return fmt.Errorf("routines file path is required")
	}
	if c.DispatchInterval <= 0 || c.RetryInterval <= 0 || c.RetryBackoff <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MORU_MAX_RETRIES must be at least 1")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("MORU_TRACING_ENDPOINT is required when tracing is enabled")
	}
	return nil
}

func (c *Config) location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid MORU_TIMEZONE %q: %w", tz, err)
	}
	return loc, nil
}

func (c *Config) adminTokenBytes() [][]byte {
	out := make([][]byte, 0, len(c.AdminTokens))
	for _, t := range c.AdminTokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		out = append(out, []byte(t))
	}
	return out
}
