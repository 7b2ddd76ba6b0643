package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "ACADEMY"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "academy.db"
	defaultLogLevel        = "info"
	defaultLedgerTimeout   = 15 * time.Second
	defaultRetryAttempts   = 4
	defaultRetryBaseDelay  = 250 * time.Millisecond
	defaultLeaderboardTTL  = 5 * time.Minute
	defaultLeaderboardSize = 50
	defaultRateLimitMax    = 10
	defaultRateLimitWindow = 60 * time.Second
	defaultAuthIssuer      = "academy-auth"
	defaultAuthAudience    = "academy-api"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	LedgerEndpoint  string
	LedgerTimeout   time.Duration
	ProgramID       string
	IndexEndpoint   string
	AuthSigningKey  string
	AuthIssuer      string
	AuthAudience    string
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	LeaderboardTTL  time.Duration
	LeaderboardSize int
	RateLimitMax    int
	RateLimitWindow time.Duration
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
	configViper.SetDefault("ledger.timeout", defaultLedgerTimeout)
	configViper.SetDefault("retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("retry.base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("leaderboard.ttl", defaultLeaderboardTTL)
	configViper.SetDefault("leaderboard.limit", defaultLeaderboardSize)
	configViper.SetDefault("ratelimit.max_requests", defaultRateLimitMax)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LedgerEndpoint:  configViper.GetString("ledger.endpoint"),
		LedgerTimeout:   configViper.GetDuration("ledger.timeout"),
		ProgramID:       configViper.GetString("ledger.program_id"),
		IndexEndpoint:   configViper.GetString("ledger.index_endpoint"),
		AuthSigningKey:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:      configViper.GetString("auth.issuer"),
		AuthAudience:    configViper.GetString("auth.audience"),
		RetryAttempts:   configViper.GetInt("retry.max_attempts"),
		RetryBaseDelay:  configViper.GetDuration("retry.base_delay"),
		LeaderboardTTL:  configViper.GetDuration("leaderboard.ttl"),
		LeaderboardSize: configViper.GetInt("leaderboard.limit"),
		RateLimitMax:    configViper.GetInt("ratelimit.max_requests"),
		RateLimitWindow: configViper.GetDuration("ratelimit.window"),
	}

	if cfg.IndexEndpoint == "" {
		cfg.IndexEndpoint = cfg.LedgerEndpoint
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.LedgerEndpoint) == "" {
		return fmt.Errorf("ledger.endpoint is required")
	}
	if strings.TrimSpace(c.ProgramID) == "" {
		return fmt.Errorf("ledger.program_id is required")
	}
	return nil
}
