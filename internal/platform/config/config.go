// Package config loads service configuration from the environment (and an
// optional .env file) so main stays lean.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	pstrings "rentkyc/pkg/platform/strings"
)

// Provider modes.
const (
	ProviderModeSurepass = "surepass"
	ProviderModeFake     = "fake"
)

// Config is the full runtime configuration.
type Config struct {
	Server       Server
	Provider     Provider
	Verification Verification
	Redis        RedisConfig
	DatabaseURL  string
	LogLevel     string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr               string
	CORSAllowedOrigins []string
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
}

// Provider selects and configures the identity provider adapter.
type Provider struct {
	Mode            string
	SurepassAPIKey  string
	SurepassBaseURL string
	Timeout         time.Duration
}

// Verification holds the session policy.
type Verification struct {
	MaxAttempts    int
	MaxResends     int
	SessionTTL     time.Duration
	ResendCooldown time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	StartLimit     int
	StartWindow    time.Duration
	IPLimit        int
	IPWindow       time.Duration
}

// RedisConfig configures the optional Redis session store. An empty URL
// keeps sessions in memory.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var defaults = map[string]any{
	"VERIFY_ADDR":             ":8080",
	"VERIFY_REQUEST_TIMEOUT":  "15s",
	"VERIFY_SHUTDOWN_TIMEOUT": "10s",
	"CORS_ALLOWED_ORIGINS":    "http://localhost:3000",
	"PROVIDER_MODE":           ProviderModeSurepass,
	"SUREPASS_BASE_URL":       "https://api.surepass.io",
	"PROVIDER_TIMEOUT":        "5s",
	"VERIFY_MAX_ATTEMPTS":     3,
	"VERIFY_MAX_RESENDS":      3,
	"VERIFY_SESSION_TTL":      "10m",
	"VERIFY_RESEND_COOLDOWN":  "30s",
	"VERIFY_RETENTION":        "15m",
	"VERIFY_SWEEP_INTERVAL":   "1m",
	"VERIFY_START_LIMIT":      5,
	"VERIFY_START_WINDOW":     "1h",
	"VERIFY_IP_LIMIT":         60,
	"VERIFY_IP_WINDOW":        "1m",
	"REDIS_POOL_SIZE":         10,
	"REDIS_MIN_IDLE_CONNS":    2,
	"REDIS_DIAL_TIMEOUT":      "5s",
	"REDIS_READ_TIMEOUT":      "3s",
	"REDIS_WRITE_TIMEOUT":     "3s",
	"LOG_LEVEL":               "info",
}

var unset = []string{"SUREPASS_API_KEY", "REDIS_URL", "DATABASE_URL"}

// FromEnv reads configuration from the environment. A .env file in dir is
// read first when present; real environment variables win over it.
func FromEnv(dir string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range unset {
		_ = v.BindEnv(key)
	}

	if dir != "" {
		v.AddConfigPath(dir)
		v.SetConfigName(".env")
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read .env: %w", err)
			}
		}
	}

	cfg := Config{
		Server: Server{
			Addr:               v.GetString("VERIFY_ADDR"),
			CORSAllowedOrigins: pstrings.SplitList(v.GetString("CORS_ALLOWED_ORIGINS"), ","),
			RequestTimeout:     v.GetDuration("VERIFY_REQUEST_TIMEOUT"),
			ShutdownTimeout:    v.GetDuration("VERIFY_SHUTDOWN_TIMEOUT"),
		},
		Provider: Provider{
			Mode:            strings.ToLower(strings.TrimSpace(v.GetString("PROVIDER_MODE"))),
			SurepassAPIKey:  strings.TrimSpace(v.GetString("SUREPASS_API_KEY")),
			SurepassBaseURL: v.GetString("SUREPASS_BASE_URL"),
			Timeout:         v.GetDuration("PROVIDER_TIMEOUT"),
		},
		Verification: Verification{
			MaxAttempts:    v.GetInt("VERIFY_MAX_ATTEMPTS"),
			MaxResends:     v.GetInt("VERIFY_MAX_RESENDS"),
			SessionTTL:     v.GetDuration("VERIFY_SESSION_TTL"),
			ResendCooldown: v.GetDuration("VERIFY_RESEND_COOLDOWN"),
			Retention:      v.GetDuration("VERIFY_RETENTION"),
			SweepInterval:  v.GetDuration("VERIFY_SWEEP_INTERVAL"),
			StartLimit:     v.GetInt("VERIFY_START_LIMIT"),
			StartWindow:    v.GetDuration("VERIFY_START_WINDOW"),
			IPLimit:        v.GetInt("VERIFY_IP_LIMIT"),
			IPWindow:       v.GetDuration("VERIFY_IP_WINDOW"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("REDIS_URL"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
		},
		DatabaseURL: v.GetString("DATABASE_URL"),
		LogLevel:    v.GetString("LOG_LEVEL"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with. A missing Surepass
// key is not an error here: the server still starts and reports config_error
// on every start request.
func (c Config) Validate() error {
	switch c.Provider.Mode {
	case ProviderModeSurepass, ProviderModeFake:
	default:
		return fmt.Errorf("PROVIDER_MODE must be %q or %q, got %q", ProviderModeSurepass, ProviderModeFake, c.Provider.Mode)
	}
	if c.Provider.Timeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be positive")
	}
	if c.Verification.SweepInterval <= 0 {
		return errors.New("VERIFY_SWEEP_INTERVAL must be positive")
	}
	if c.Verification.Retention < 0 {
		return errors.New("VERIFY_RETENTION must not be negative")
	}
	return nil
}

// MissingProviderKey reports whether the live provider was selected without
// credentials.
func (c Config) MissingProviderKey() bool {
	return c.Provider.Mode == ProviderModeSurepass && c.Provider.SurepassAPIKey == ""
}
