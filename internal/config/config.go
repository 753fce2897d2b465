// Package config loads and validates catalog sync configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/catalog-sync/internal/policy/jitter"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Delay    DelayConfig    `mapstructure:"delay"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Assets   AssetsConfig   `mapstructure:"assets"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig describes the remote catalog endpoints and list parameters.
type APIConfig struct {
	ListURL         string            `mapstructure:"list_url"`
	DetailBaseURL   string            `mapstructure:"detail_base_url"`
	Env             string            `mapstructure:"env"`
	User            string            `mapstructure:"user"`
	Limit           int               `mapstructure:"limit"`
	Index           string            `mapstructure:"index"`
	Narrow          string            `mapstructure:"narrow"`
	OrderBy         string            `mapstructure:"order_by"`
	PageType        string            `mapstructure:"page_type"`
	Tag             string            `mapstructure:"tag"`
	View            string            `mapstructure:"view"`
	UserAgent       string            `mapstructure:"user_agent"`
	Headers         map[string]string `mapstructure:"headers"`
	MaxResultWindow int               `mapstructure:"max_result_window"`
	MaxBodyBytes    int               `mapstructure:"max_body_bytes"`
}

// HTTPConfig configures timeouts, retries and outbound pacing.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	RetryDelayMs      int     `mapstructure:"retry_delay_ms"`
	RateLimitDelayMs  int     `mapstructure:"rate_limit_delay_ms"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// DelayConfig bounds the randomized pauses between items and pages.
type DelayConfig struct {
	Mode        string `mapstructure:"mode"`
	DetailMinMs int    `mapstructure:"detail_min_ms"`
	DetailMaxMs int    `mapstructure:"detail_max_ms"`
	PageMinMs   int    `mapstructure:"page_min_ms"`
	PageMaxMs   int    `mapstructure:"page_max_ms"`
}

// SyncConfig controls the run itself.
type SyncConfig struct {
	StateID      string   `mapstructure:"state_id"`
	Queries      []string `mapstructure:"queries"`
	SkipExisting bool     `mapstructure:"skip_existing"`
	OnlyMissing  bool     `mapstructure:"only_missing"`
	ForceResume  bool     `mapstructure:"force_resume"`
	MaxPages     int      `mapstructure:"max_pages"`
}

// AssetsConfig controls asset mirroring.
type AssetsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	DownloadEnabled bool   `mapstructure:"download_enabled"`
	UploadEnabled   bool   `mapstructure:"upload_enabled"`
	DownloadDir     string `mapstructure:"download_dir"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	EntityType      string `mapstructure:"entity_type"`
	Overwrite       bool   `mapstructure:"overwrite"`
	MirrorBaseURL   string `mapstructure:"mirror_base_url"`
	MaxBytes        int    `mapstructure:"max_bytes"` // 0 means unlimited
}

// StorageConfig selects and configures the object store backend.
type StorageConfig struct {
	Backend       string      `mapstructure:"backend"`
	Bucket        string      `mapstructure:"bucket"`
	PublicBaseURL string      `mapstructure:"public_base_url"`
	S3            S3Config    `mapstructure:"s3"`
	Local         LocalConfig `mapstructure:"local"`
}

// S3Config holds S3-specific settings.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// LocalConfig holds filesystem backend settings.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// PubSubConfig holds metadata for detail-saved notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ServerConfig controls the status server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends.
const (
	BackendGCS   = "gcs"
	BackendS3    = "s3"
	BackendLocal = "local"
	BackendNone  = "none"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are registered so env overrides reach Unmarshal.
	for _, key := range []string{
		"api.list_url", "api.detail_base_url", "api.env", "api.user", "api.narrow", "api.page_type",
		"api.tag", "api.view", "storage.bucket", "storage.public_base_url", "storage.s3.region",
		"storage.s3.endpoint", "assets.mirror_base_url", "database.dsn", "pubsub.project_id",
		"pubsub.topic_name", "server.addr",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("api.limit", 20)
	v.SetDefault("api.index", "problems")
	v.SetDefault("api.order_by", "-modified")
	v.SetDefault("api.user_agent", "catalog-sync/0.1")
	v.SetDefault("api.max_result_window", 10000)
	v.SetDefault("api.max_body_bytes", 32*1024*1024)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.retry_delay_ms", 2000)
	v.SetDefault("http.rate_limit_delay_ms", 60000)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("delay.mode", string(jitter.ModeRandom))
	v.SetDefault("delay.detail_min_ms", 1000)
	v.SetDefault("delay.detail_max_ms", 3000)
	v.SetDefault("delay.page_min_ms", 3000)
	v.SetDefault("delay.page_max_ms", 8000)
	v.SetDefault("sync.state_id", "default")
	v.SetDefault("sync.queries", []string{})
	v.SetDefault("sync.max_pages", 0)
	v.SetDefault("assets.enabled", false)
	v.SetDefault("assets.download_enabled", true)
	v.SetDefault("assets.upload_enabled", true)
	v.SetDefault("assets.download_dir", "data/assets")
	v.SetDefault("assets.key_prefix", "mirror")
	v.SetDefault("assets.entity_type", "problems")
	v.SetDefault("assets.max_bytes", 0)
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.local.base_dir", "data/mirror")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.ensure_schema", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.API.ListURL == "" {
		return fmt.Errorf("api.list_url is required")
	}
	if c.API.DetailBaseURL == "" {
		return fmt.Errorf("api.detail_base_url is required")
	}
	if c.API.Limit <= 0 {
		return fmt.Errorf("api.limit must be > 0")
	}
	if c.API.MaxResultWindow < 0 {
		return fmt.Errorf("api.max_result_window must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.HTTP.RetryDelayMs < 0 || c.HTTP.RateLimitDelayMs < 0 {
		return fmt.Errorf("http retry delays must be >= 0")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if _, err := jitter.ParseMode(c.Delay.Mode); err != nil {
		return fmt.Errorf("delay.mode: %w", err)
	}
	if c.Delay.DetailMinMs < 0 || c.Delay.DetailMaxMs < c.Delay.DetailMinMs {
		return fmt.Errorf("delay.detail_max_ms must be >= delay.detail_min_ms >= 0")
	}
	if c.Delay.PageMinMs < 0 || c.Delay.PageMaxMs < c.Delay.PageMinMs {
		return fmt.Errorf("delay.page_max_ms must be >= delay.page_min_ms >= 0")
	}
	if c.Sync.StateID == "" {
		return fmt.Errorf("sync.state_id is required")
	}
	if c.Sync.MaxPages < 0 {
		return fmt.Errorf("sync.max_pages must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendGCS, BackendS3:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the %s backend", c.Storage.Backend)
		}
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.API.MaxBodyBytes < 0 || c.Assets.MaxBytes < 0 {
		return fmt.Errorf("api.max_body_bytes and assets.max_bytes must be >= 0")
	}
	if c.Assets.Enabled && c.Assets.DownloadDir == "" {
		return fmt.Errorf("assets.download_dir is required when assets are enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

// Timeout returns the per-request timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RetryDelay returns the delay between failed attempts.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.HTTP.RetryDelayMs) * time.Millisecond
}

// RateLimitDelay returns the backoff taken after an HTTP 429.
func (c Config) RateLimitDelay() time.Duration {
	return time.Duration(c.HTTP.RateLimitDelayMs) * time.Millisecond
}

// JitterConfig converts the delay section into jitter bounds.
func (c Config) JitterConfig() jitter.Config {
	mode, _ := jitter.ParseMode(c.Delay.Mode)
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return jitter.Config{
		Mode:   mode,
		Detail: jitter.Range{Min: ms(c.Delay.DetailMinMs), Max: ms(c.Delay.DetailMaxMs)},
		Page:   jitter.Range{Min: ms(c.Delay.PageMinMs), Max: ms(c.Delay.PageMaxMs)},
	}
}
