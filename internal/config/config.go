package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TOOTSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DriverSQLite
	defaultDatabasePath    = "tootsync.db"
	defaultLogLevel        = "info"
	defaultTimeoutSeconds  = 30
	defaultSchedule        = "*/30 * * * *"
	defaultResponseMode    = ResponseToots
	defaultTokenTTLMinutes = 60
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Request trigger payload modes.
const (
	ResponseToots = "toots"
	ResponseAck   = "ack"
)

// Environment names used by the original worker deployment.
var legacyEnvAliases = map[string]string{
	"mastodon.token":               "TOOT_API_TOKEN",
	"mastodon.statuses_endpoint":   "TOOT_API_STATUSES_ENDPOINT",
	"mastodon.favourites_endpoint": "TOOT_API_FAVE_ENDPOINT",
}

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	MastodonInstance   string
	MastodonAccountID  string
	MastodonToken      string
	StatusesEndpoint   string
	FavouritesEndpoint string
	MastodonTimeout    time.Duration

	SyncSchedule string
	ResponseMode string

	TriggerSecret string
	TokenTTL      time.Duration
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("mastodon.timeout_seconds", defaultTimeoutSeconds)
	configViper.SetDefault("sync.schedule", defaultSchedule)
	configViper.SetDefault("sync.response", defaultResponseMode)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)

	for key, legacy := range legacyEnvAliases {
		_ = configViper.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:           configViper.GetString("log.level"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:        strings.TrimSpace(configViper.GetString("database.dsn")),
		MastodonInstance:   strings.TrimSpace(configViper.GetString("mastodon.instance")),
		MastodonAccountID:  strings.TrimSpace(configViper.GetString("mastodon.account_id")),
		MastodonToken:      strings.TrimSpace(configViper.GetString("mastodon.token")),
		StatusesEndpoint:   strings.TrimSpace(configViper.GetString("mastodon.statuses_endpoint")),
		FavouritesEndpoint: strings.TrimSpace(configViper.GetString("mastodon.favourites_endpoint")),
		MastodonTimeout:    time.Duration(configViper.GetInt("mastodon.timeout_seconds")) * time.Second,
		SyncSchedule:       strings.TrimSpace(configViper.GetString("sync.schedule")),
		ResponseMode:       strings.ToLower(strings.TrimSpace(configViper.GetString("sync.response"))),
		TriggerSecret:      configViper.GetString("auth.trigger_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.resolveEndpoints(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) resolveEndpoints() error {
	if c.MastodonInstance == "" && c.StatusesEndpoint != "" {
		parsed, err := url.Parse(c.StatusesEndpoint)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("mastodon.statuses_endpoint is not a valid URL")
		}
		c.MastodonInstance = parsed.Host
	}
	if c.MastodonInstance == "" {
		return fmt.Errorf("mastodon.instance or mastodon.statuses_endpoint is required")
	}
	if c.StatusesEndpoint == "" {
		if c.MastodonAccountID == "" {
			return fmt.Errorf("mastodon.account_id is required when mastodon.statuses_endpoint is not set")
		}
		c.StatusesEndpoint = fmt.Sprintf("https://%s/api/v1/accounts/%s/statuses", c.MastodonInstance, url.PathEscape(c.MastodonAccountID))
	}
	if c.FavouritesEndpoint == "" {
		c.FavouritesEndpoint = fmt.Sprintf("https://%s/api/v1/favourites", c.MastodonInstance)
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.MastodonToken == "" {
		return fmt.Errorf("mastodon.token is required")
	}
	if c.MastodonTimeout <= 0 {
		return fmt.Errorf("mastodon.timeout_seconds must be positive")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.ResponseMode {
	case ResponseToots, ResponseAck:
	default:
		return fmt.Errorf("sync.response %q is not supported", c.ResponseMode)
	}
	if c.TriggerSecret != "" && c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}
