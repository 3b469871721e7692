package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "POLTR"

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	defaultHTTPAddress           = "0.0.0.0:3001"
	defaultDatabaseDriver        = DatabaseDriverSQLite
	defaultDatabasePath          = "poltr-indexer.db"
	defaultLogLevel              = "info"
	defaultStreamURL             = "wss://bsky.network"
	defaultStreamID              = "firehose:subscription"
	defaultStreamMaxAttempts     = 5
	defaultStreamInitialInterval = time.Second
	defaultStreamMaxInterval     = 30 * time.Second
	defaultBackfillID            = "backfill:firehose-missed"
	defaultBackfillMaxBatches    = 100
	defaultBackfillBatchSize     = 100
	defaultBackfillIdleTimeout   = 10 * time.Second
	defaultBackfillLeaseTTL      = 2 * time.Minute
	defaultQuorumSize            = 10
	defaultMirrorURL             = "https://bsky.social"
	defaultAdminTokenTTL         = 30 * time.Minute
)

// AppConfig captures runtime configuration for the indexer.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string
	Database    DatabaseConfig
	Stream      StreamConfig
	Backfill    BackfillConfig
	QuorumSize  int
	Mirror      MirrorConfig
	Admin       AdminConfig
}

type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

type StreamConfig struct {
	Enabled         bool
	URL             string
	ID              string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type BackfillConfig struct {
	ID          string
	MaxBatches  int
	BatchSize   int
	IdleTimeout time.Duration
	LeaseTTL    time.Duration
}

type MirrorConfig struct {
	Enabled     bool
	URL         string
	Repo        string
	AccessToken string
}

// AdminConfig guards the admin endpoints. An empty signing secret leaves them open.
type AdminConfig struct {
	SigningSecret string
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
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("stream.enabled", true)
	configViper.SetDefault("stream.url", defaultStreamURL)
	configViper.SetDefault("stream.id", defaultStreamID)
	configViper.SetDefault("stream.retry.max_attempts", defaultStreamMaxAttempts)
	configViper.SetDefault("stream.retry.initial_interval", defaultStreamInitialInterval)
	configViper.SetDefault("stream.retry.max_interval", defaultStreamMaxInterval)
	configViper.SetDefault("backfill.id", defaultBackfillID)
	configViper.SetDefault("backfill.max_batches", defaultBackfillMaxBatches)
	configViper.SetDefault("backfill.batch_size", defaultBackfillBatchSize)
	configViper.SetDefault("backfill.idle_timeout", defaultBackfillIdleTimeout)
	configViper.SetDefault("backfill.lease_ttl", defaultBackfillLeaseTTL)
	configViper.SetDefault("quorum.size", defaultQuorumSize)
	configViper.SetDefault("mirror.enabled", false)
	configViper.SetDefault("mirror.url", defaultMirrorURL)
	configViper.SetDefault("mirror.repo", "")
	configViper.SetDefault("mirror.access_token", "")
	configViper.SetDefault("admin.signing_secret", "")
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress: configViper.GetString("http.address"),
		LogLevel:    configViper.GetString("log.level"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Stream: StreamConfig{
			Enabled:         configViper.GetBool("stream.enabled"),
			URL:             configViper.GetString("stream.url"),
			ID:              configViper.GetString("stream.id"),
			MaxAttempts:     configViper.GetInt("stream.retry.max_attempts"),
			InitialInterval: configViper.GetDuration("stream.retry.initial_interval"),
			MaxInterval:     configViper.GetDuration("stream.retry.max_interval"),
		},
		Backfill: BackfillConfig{
			ID:          configViper.GetString("backfill.id"),
			MaxBatches:  configViper.GetInt("backfill.max_batches"),
			BatchSize:   configViper.GetInt("backfill.batch_size"),
			IdleTimeout: configViper.GetDuration("backfill.idle_timeout"),
			LeaseTTL:    configViper.GetDuration("backfill.lease_ttl"),
		},
		QuorumSize: configViper.GetInt("quorum.size"),
		Mirror: MirrorConfig{
			Enabled:     configViper.GetBool("mirror.enabled"),
			URL:         configViper.GetString("mirror.url"),
			Repo:        configViper.GetString("mirror.repo"),
			AccessToken: configViper.GetString("mirror.access_token"),
		},
		Admin: AdminConfig{
			SigningSecret: configViper.GetString("admin.signing_secret"),
			TokenTTL:      configViper.GetDuration("admin.token_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Database.Driver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if strings.TrimSpace(c.Stream.ID) == "" {
		return fmt.Errorf("stream.id is required")
	}
	if strings.TrimSpace(c.Backfill.ID) == "" {
		return fmt.Errorf("backfill.id is required")
	}
	if c.Stream.ID == c.Backfill.ID {
		return fmt.Errorf("backfill.id must differ from stream.id")
	}
	if c.Stream.Enabled {
		if _, err := url.Parse(c.Stream.URL); err != nil || strings.TrimSpace(c.Stream.URL) == "" {
			return fmt.Errorf("stream.url is invalid")
		}
	}
	if c.Stream.MaxAttempts <= 0 {
		return fmt.Errorf("stream.retry.max_attempts must be positive")
	}
	if c.Stream.InitialInterval <= 0 || c.Stream.MaxInterval < c.Stream.InitialInterval {
		return fmt.Errorf("stream.retry intervals are invalid")
	}
	if c.Backfill.MaxBatches <= 0 {
		return fmt.Errorf("backfill.max_batches must be positive")
	}
	if c.Backfill.BatchSize <= 0 {
		return fmt.Errorf("backfill.batch_size must be positive")
	}
	if c.Backfill.IdleTimeout <= 0 {
		return fmt.Errorf("backfill.idle_timeout must be positive")
	}
	if c.Backfill.LeaseTTL <= 0 {
		return fmt.Errorf("backfill.lease_ttl must be positive")
	}
	if c.QuorumSize <= 0 {
		return fmt.Errorf("quorum.size must be positive")
	}
	if c.Mirror.Enabled {
		if strings.TrimSpace(c.Mirror.URL) == "" || strings.TrimSpace(c.Mirror.Repo) == "" || strings.TrimSpace(c.Mirror.AccessToken) == "" {
			return fmt.Errorf("mirror.url, mirror.repo and mirror.access_token are required when mirroring is enabled")
		}
	}
	return nil
}
