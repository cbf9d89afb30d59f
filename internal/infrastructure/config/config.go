package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Upstream  UpstreamConfig
	Dispatch  DispatchConfig
	Access    AccessConfig
	MITM      MITMConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP front-door configuration.
type ServerConfig struct {
	Port         string `envconfig:"PORT" default:"8000"`
	Host         string `envconfig:"HOST" default:"0.0.0.0"`
	PublicOrigin string `envconfig:"PUBLIC_ORIGIN" default:"http://localhost:8000"`
	AccountsFile string `envconfig:"ACCOUNTS_FILE" default:"accounts.toml"`
}

// UpstreamConfig holds upstream host resolution configuration.
type UpstreamConfig struct {
	MainHost    string `envconfig:"UPSTREAM_MAIN_HOST" default:"chatgpt.com"`
	APIHost     string `envconfig:"UPSTREAM_API_HOST" default:"ab.chatgpt.com"`
	CDNHost     string `envconfig:"UPSTREAM_CDN_HOST" default:"cdn.oaistatic.com"`
	SandboxHost string `envconfig:"UPSTREAM_SANDBOX_HOST" default:"web-sandbox.oaiusercontent.com"`
	// BannedPaths are exact strings or doublestar globs, comma separated.
	BannedPaths []string `envconfig:"BANNED_PATHS" default:"/backend-api/accounts/*/invites,/backend-api/payments/**"`
	// RedactListings keeps inaccessible listing entries with the title blanked
	// instead of dropping them.
	RedactListings bool `envconfig:"REDACT_LISTINGS" default:"false"`
}

// DispatchConfig holds worker dispatch timing configuration.
type DispatchConfig struct {
	FindTimeout     time.Duration `envconfig:"DISPATCH_FIND_TIMEOUT" default:"10s"`
	AckTimeout      time.Duration `envconfig:"DISPATCH_ACK_TIMEOUT" default:"5s"`
	DisconnectGrace time.Duration `envconfig:"DISPATCH_DISCONNECT_GRACE" default:"5s"`
	SilentWindow    time.Duration `envconfig:"DISPATCH_SILENT_WINDOW" default:"30m"`
	RetryBudget     int           `envconfig:"DISPATCH_RETRY_BUDGET" default:"3"`
}

// AccessConfig holds access-control configuration.
type AccessConfig struct {
	DBPath        string `envconfig:"ACCESS_DB_PATH" default:"convoy-access.db"`
	InternalToken string `envconfig:"INTERNAL_TOKEN" required:"true"`
	Passcode      string `envconfig:"START_PASSCODE" default:""`
	// Debug switches disabling per-resource isolation.
	DisableConversationIsolation bool `envconfig:"DISABLE_CONVERSATION_ISOLATION" default:"false"`
	DisableGizmoIsolation        bool `envconfig:"DISABLE_GIZMO_ISOLATION" default:"false"`
}

// MITMConfig holds TLS interception configuration.
type MITMConfig struct {
	Enabled       bool   `envconfig:"MITM_ENABLED" default:"true"`
	Port          string `envconfig:"MITM_PORT" default:"8080"`
	CADir         string `envconfig:"MITM_CA_DIR" default:"certs"`
	RewriteHost   string `envconfig:"MITM_REWRITE_HOST" default:"cdn.oaistatic.com"`
	SignalHost    string `envconfig:"MITM_SIGNAL_HOST" default:"convoy.internal"`
	ControlTarget string `envconfig:"MITM_CONTROL_TARGET" default:"127.0.0.1:8000"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration, for tests and local runs.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8000",
			Host:         "0.0.0.0",
			PublicOrigin: "http://localhost:8000",
			AccountsFile: "accounts.toml",
		},
		Upstream: UpstreamConfig{
			MainHost:    "chatgpt.com",
			APIHost:     "ab.chatgpt.com",
			CDNHost:     "cdn.oaistatic.com",
			SandboxHost: "web-sandbox.oaiusercontent.com",
		},
		Dispatch: DispatchConfig{
			FindTimeout:     10 * time.Second,
			AckTimeout:      5 * time.Second,
			DisconnectGrace: 5 * time.Second,
			SilentWindow:    30 * time.Minute,
			RetryBudget:     3,
		},
		Access: AccessConfig{
			DBPath:        "convoy-access.db",
			InternalToken: "internal-dev-token",
		},
		MITM: MITMConfig{
			Enabled:       true,
			Port:          "8080",
			CADir:         "certs",
			RewriteHost:   "cdn.oaistatic.com",
			SignalHost:    "convoy.internal",
			ControlTarget: "127.0.0.1:8000",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
