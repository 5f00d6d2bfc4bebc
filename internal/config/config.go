package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "WISHR"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "wishr.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "wishr_session"
	defaultSessionTTLMinutes = 24 * 60
	defaultRateLimit         = 60
	defaultRedisChannel      = "wishr:user-changes"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	AuthDomain       string
	AuthClientID     string
	AuthClientSecret string
	AuthRedirectURL  string
	AuthAppOrigin    string

	SessionSigningSecret string
	SessionCookieName    string
	SessionTTL           time.Duration
	SessionSecureCookie  bool

	AllowedOrigins []string
	RedisURL       string
	RedisChannel   string
	RatePerMinute  int
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
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.domain", "")
	configViper.SetDefault("auth.client_id", "")
	configViper.SetDefault("auth.client_secret", "")
	configViper.SetDefault("auth.redirect_url", "")
	configViper.SetDefault("auth.app_origin", "")
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl_minutes", defaultSessionTTLMinutes)
	configViper.SetDefault("session.secure_cookie", true)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("ratelimit.per_minute", defaultRateLimit)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		LogLevel:             configViper.GetString("log.level"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		AuthDomain:           strings.TrimSpace(configViper.GetString("auth.domain")),
		AuthClientID:         strings.TrimSpace(configViper.GetString("auth.client_id")),
		AuthClientSecret:     configViper.GetString("auth.client_secret"),
		AuthRedirectURL:      strings.TrimSpace(configViper.GetString("auth.redirect_url")),
		AuthAppOrigin:        strings.TrimSpace(configViper.GetString("auth.app_origin")),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionTTL:           time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		SessionSecureCookie:  configViper.GetBool("session.secure_cookie"),
		AllowedOrigins:       splitList(configViper.GetString("http.allowed_origins")),
		RedisURL:             strings.TrimSpace(configViper.GetString("redis.url")),
		RedisChannel:         configViper.GetString("redis.channel"),
		RatePerMinute:        configViper.GetInt("ratelimit.per_minute"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.RedisURL != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("redis.channel is required when redis.url is set")
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
