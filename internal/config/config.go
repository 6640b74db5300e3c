package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "MINDSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "mindsync.db"
	defaultLogLevel            = "info"
	defaultTokenTTLMinutes     = 60
	defaultMaxParticipants     = 10
	defaultCursorThrottleMs    = 100
	defaultTypingIdleSeconds   = 3
	defaultActivityIdleSeconds = 30
	defaultSnapshotEveryOps    = 50
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	SigningSecret       string
	TokenTTL            time.Duration
	DatabasePath        string
	LogLevel            string
	ProviderAudience    string
	ProviderJWKSURL     string
	ProviderIssuers     []string
	MaxParticipants     int
	CursorThrottle      time.Duration
	TypingIdleTimeout   time.Duration
	ActivityIdleTimeout time.Duration
	SnapshotEveryOps    int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("session.max_participants", defaultMaxParticipants)
	configViper.SetDefault("presence.cursor_throttle_ms", defaultCursorThrottleMs)
	configViper.SetDefault("presence.typing_idle_seconds", defaultTypingIdleSeconds)
	configViper.SetDefault("presence.activity_idle_seconds", defaultActivityIdleSeconds)
	configViper.SetDefault("snapshot.every_ops", defaultSnapshotEveryOps)
	configViper.SetDefault("auth.provider_audience", "")
	configViper.SetDefault("auth.provider_jwks_url", "")
	configViper.SetDefault("auth.provider_issuers", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		TokenTTL:            time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		ProviderAudience:    configViper.GetString("auth.provider_audience"),
		ProviderJWKSURL:     configViper.GetString("auth.provider_jwks_url"),
		ProviderIssuers:     configViper.GetStringSlice("auth.provider_issuers"),
		MaxParticipants:     configViper.GetInt("session.max_participants"),
		CursorThrottle:      time.Duration(configViper.GetInt("presence.cursor_throttle_ms")) * time.Millisecond,
		TypingIdleTimeout:   time.Duration(configViper.GetInt("presence.typing_idle_seconds")) * time.Second,
		ActivityIdleTimeout: time.Duration(configViper.GetInt("presence.activity_idle_seconds")) * time.Second,
		SnapshotEveryOps:    configViper.GetInt("snapshot.every_ops"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxParticipants <= 0 {
		return fmt.Errorf("session.max_participants must be positive")
	}
	if c.CursorThrottle <= 0 {
		return fmt.Errorf("presence.cursor_throttle_ms must be positive")
	}
	return nil
}
