package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DAILYDOOM"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabaseType  = "sqlite"
	defaultDatabasePath  = "dailydoom.db"
	defaultLogLevel      = "info"
	defaultAudience      = "authenticated"
	defaultGeminiModel   = "gemini-2.0-flash"
	defaultGeminiTimeout = 60 * time.Second
	defaultRoastLimit    = 3
	defaultAdvisorLimit  = 5
	defaultQuotaWindow   = 24 * time.Hour
	defaultLedgerBackend = "database"
	defaultIdeaTTL       = 24 * time.Hour
	defaultAllowedOrigin = "*"

	LedgerBackendDatabase = "database"
	LedgerBackendRedis    = "redis"
)

// QuotaConfig holds the parameters of one rate limited feature.
type QuotaConfig struct {
	Limit  int
	Window time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	LogLevel       string

	JWTSecret   string
	JWTAudience string
	JWTIssuer   string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	GeminiTimeout time.Duration

	RoastQuota   QuotaConfig
	AdvisorQuota QuotaConfig

	LedgerBackend string
	RedisAddress  string
	RedisPassword string
	RedisIdeaTTL  time.Duration

	AllowedOrigins []string
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
	configViper.SetDefault("database.driver", defaultDatabaseType)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("gemini.model", defaultGeminiModel)
	configViper.SetDefault("gemini.timeout", defaultGeminiTimeout)
	configViper.SetDefault("quota.roast.limit", defaultRoastLimit)
	configViper.SetDefault("quota.roast.window", defaultQuotaWindow)
	configViper.SetDefault("quota.advisor.limit", defaultAdvisorLimit)
	configViper.SetDefault("quota.advisor.window", defaultQuotaWindow)
	configViper.SetDefault("ledger.backend", defaultLedgerBackend)
	configViper.SetDefault("redis.idea_ttl", defaultIdeaTTL)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigin)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		JWTSecret:      configViper.GetString("auth.jwt_secret"),
		JWTAudience:    configViper.GetString("auth.audience"),
		JWTIssuer:      configViper.GetString("auth.issuer"),
		GeminiAPIKey:   configViper.GetString("gemini.api_key"),
		GeminiModel:    configViper.GetString("gemini.model"),
		GeminiBaseURL:  configViper.GetString("gemini.base_url"),
		GeminiTimeout:  configViper.GetDuration("gemini.timeout"),
		RoastQuota: QuotaConfig{
			Limit:  configViper.GetInt("quota.roast.limit"),
			Window: configViper.GetDuration("quota.roast.window"),
		},
		AdvisorQuota: QuotaConfig{
			Limit:  configViper.GetInt("quota.advisor.limit"),
			Window: configViper.GetDuration("quota.advisor.window"),
		},
		LedgerBackend:  strings.ToLower(strings.TrimSpace(configViper.GetString("ledger.backend"))),
		RedisAddress:   configViper.GetString("redis.address"),
		RedisPassword:  configViper.GetString("redis.password"),
		RedisIdeaTTL:   configViper.GetDuration("redis.idea_ttl"),
		AllowedOrigins: splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RedisEnabled reports whether a Redis endpoint is configured.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
}

// LongestQuotaWindow returns the larger of the configured quota windows.
func (c AppConfig) LongestQuotaWindow() time.Duration {
	if c.AdvisorQuota.Window > c.RoastQuota.Window {
		return c.AdvisorQuota.Window
	}
	return c.RoastQuota.Window
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("gemini.api_key is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	for name, quota := range map[string]QuotaConfig{"roast": c.RoastQuota, "advisor": c.AdvisorQuota} {
		if quota.Limit < 0 {
			return fmt.Errorf("quota.%s.limit must not be negative", name)
		}
		if quota.Window <= 0 {
			return fmt.Errorf("quota.%s.window must be positive", name)
		}
	}
	switch c.LedgerBackend {
	case LedgerBackendDatabase:
	case LedgerBackendRedis:
		if !c.RedisEnabled() {
			return fmt.Errorf("redis.address is required when ledger.backend is redis")
		}
	default:
		return fmt.Errorf("ledger.backend must be database or redis, got %q", c.LedgerBackend)
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, value := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
