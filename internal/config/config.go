// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Text       TextConfig       `mapstructure:"text"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Mirror     MirrorConfig     `mapstructure:"mirror"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Progress   ProgressConfig   `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSecs   int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs discovery, the page pool, and session scheduling.
type CrawlerConfig struct {
	UserAgent          string   `mapstructure:"user_agent"`
	PageWorkers        int      `mapstructure:"page_workers"`
	SitemapWorkers     int      `mapstructure:"sitemap_workers"`
	RecordCap          int      `mapstructure:"record_cap"`
	BatchSize          int      `mapstructure:"batch_size"`
	ProgressInterval   int      `mapstructure:"progress_interval"`
	ErrorTail          int      `mapstructure:"error_tail"`
	RelevantPaths      []string `mapstructure:"relevant_paths"`
	SitemapCandidates  []string `mapstructure:"sitemap_candidates"`
	QueueDepth         int      `mapstructure:"queue_depth"`
	SessionConcurrency int      `mapstructure:"session_concurrency"`
	RespectRobots      bool     `mapstructure:"respect_robots"`
}

// HTTPConfig configures outbound fetching.
type HTTPConfig struct {
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	ProxyURL           string  `mapstructure:"proxy_url"`
	InsecureSkipVerify bool    `mapstructure:"insecure_skip_verify"`
	MaxBodyBytes       int     `mapstructure:"max_body_bytes"`
	RateLimitRPS       float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

// TextConfig controls page text reduction before classification.
type TextConfig struct {
	Mode     string `mapstructure:"mode"`
	MaxChars int    `mapstructure:"max_chars"`
}

// ClassifierConfig selects the page classifier backend.
type ClassifierConfig struct {
	Backend     string  `mapstructure:"backend"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// StorageConfig selects the session store.
type StorageConfig struct {
	Backend         string `mapstructure:"backend"`
	DSN             string `mapstructure:"dsn"`
	SQLitePath      string `mapstructure:"sqlite_path"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
	Migrate         bool   `mapstructure:"migrate"`
}

// MirrorConfig enables the Redis status mirror when Addr is set.
type MirrorConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ArchiveConfig selects where HTML of product pages is archived.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PublisherConfig selects where committed records are published.
type PublisherConfig struct {
	Backend   string   `mapstructure:"backend"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	Log            bool `mapstructure:"log"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.user_agent", "catalog-crawler/0.1")
	v.SetDefault("crawler.page_workers", 50)
	v.SetDefault("crawler.sitemap_workers", 20)
	v.SetDefault("crawler.record_cap", 100)
	v.SetDefault("crawler.batch_size", 10)
	v.SetDefault("crawler.progress_interval", 25)
	v.SetDefault("crawler.error_tail", 10)
	v.SetDefault("crawler.relevant_paths", []string{"/shop/", "/product/", "/groceries/"})
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.session_concurrency", 2)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("http.timeout_seconds", 10)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.rate_limit_rps", 10)
	v.SetDefault("http.rate_limit_burst", 20)
	v.SetDefault("text.mode", "plain")
	v.SetDefault("text.max_chars", 20000)
	v.SetDefault("classifier.backend", "rules")
	v.SetDefault("classifier.temperature", 0.1)
	v.SetDefault("classifier.max_tokens", 1024)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sqlite_path", "catalog.db")
	v.SetDefault("storage.migrate", true)
	v.SetDefault("mirror.prefix", "catalog:session:")
	v.SetDefault("mirror.ttl_seconds", 86400)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("publisher.backend", "none")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)

	// Keys without a meaningful default are still registered so AutomaticEnv can
	// resolve them during Unmarshal.
	for _, key := range []string{
		"auth.api_key",
		"http.proxy_url",
		"classifier.model",
		"classifier.api_key",
		"storage.dsn",
		"mirror.addr",
		"mirror.password",
		"archive.bucket",
		"archive.base_dir",
		"publisher.topic",
		"publisher.project_id",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
	v.SetDefault("http.insecure_skip_verify", false)
	v.SetDefault("storage.max_conns", 0)
	v.SetDefault("storage.min_conns", 0)
	v.SetDefault("storage.max_conn_lifetime_seconds", 0)
	v.SetDefault("mirror.db", 0)
	// List keys are bound rather than defaulted so comma separated env values
	// reach the string-to-slice decode hook intact.
	_ = v.BindEnv("crawler.sitemap_candidates")
	_ = v.BindEnv("publisher.brokers")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if err := oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error"); err != nil {
			return err
		}
	}
	if c.Crawler.PageWorkers <= 0 {
		return fmt.Errorf("crawler.page_workers must be > 0")
	}
	if c.Crawler.SitemapWorkers <= 0 {
		return fmt.Errorf("crawler.sitemap_workers must be > 0")
	}
	if c.Crawler.RecordCap <= 0 {
		return fmt.Errorf("crawler.record_cap must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.SessionConcurrency <= 0 {
		return fmt.Errorf("crawler.session_concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if err := oneOf("text.mode", c.Text.Mode, "plain", "markdown"); err != nil {
		return err
	}
	if err := oneOf("classifier.backend", c.Classifier.Backend, "rules", "gemini", "claude"); err != nil {
		return err
	}
	if c.Classifier.Backend != "rules" && c.Classifier.APIKey == "" {
		return fmt.Errorf("classifier.api_key is required for the %s backend", c.Classifier.Backend)
	}
	if err := oneOf("storage.backend", c.Storage.Backend, "memory", "postgres", "sqlite"); err != nil {
		return err
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}
	if err := oneOf("archive.backend", c.Archive.Backend, "none", "memory", "local", "gcs"); err != nil {
		return err
	}
	if c.Archive.Backend == "gcs" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required for the gcs backend")
	}
	if c.Archive.Backend == "local" && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir is required for the local backend")
	}
	if err := oneOf("publisher.backend", c.Publisher.Backend, "none", "memory", "kafka", "pubsub"); err != nil {
		return err
	}
	if c.Publisher.Backend == "kafka" && (len(c.Publisher.Brokers) == 0 || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.brokers and publisher.topic are required for the kafka backend")
	}
	if c.Publisher.Backend == "pubsub" && (c.Publisher.ProjectID == "" || c.Publisher.Topic == "") {
		return fmt.Errorf("publisher.project_id and publisher.topic are required for the pubsub backend")
	}
	return nil
}

// FetchTimeout is the per-request HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// MirrorTTL is how long mirrored session snapshots live in Redis.
func (c Config) MirrorTTL() time.Duration {
	return time.Duration(c.Mirror.TTLSeconds) * time.Second
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
