// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Chunker   ChunkerConfig   `mapstructure:"chunker"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Search    SearchConfig    `mapstructure:"search"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Health    HealthConfig    `mapstructure:"health"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
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

// PoolConfig bounds the browser resource pool.
type PoolConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	MaxBrowsers           int  `mapstructure:"max_browsers"`
	MaxContextsPerBrowser int  `mapstructure:"max_contexts_per_browser"`
	MinBrowsers           int  `mapstructure:"min_browsers"`
	AcquireTimeoutSec     int  `mapstructure:"acquire_timeout_seconds"`
	IdleTimeoutSec        int  `mapstructure:"idle_timeout_seconds"`
	RecycleAfter          int  `mapstructure:"recycle_after"`
	NavTimeoutSec         int  `mapstructure:"nav_timeout_seconds"`
}

// CacheConfig sizes the crawl cache.
type CacheConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// CrawlerConfig governs the crawl orchestrator.
type CrawlerConfig struct {
	MaxPagesCeiling    int      `mapstructure:"max_pages_ceiling"`
	MaxPagesDefault    int      `mapstructure:"max_pages_default"`
	RenderMode         string   `mapstructure:"render_mode"`
	RespectRobots      bool     `mapstructure:"respect_robots"`
	UserAgent          string   `mapstructure:"user_agent"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_seconds"`
	RateLimitRPS       float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst     int      `mapstructure:"rate_limit_burst"`
	AllowPrivateHosts  bool     `mapstructure:"allow_private_hosts"`
	BlockedDomains     []string `mapstructure:"blocked_domains"`
	PersistPages       bool     `mapstructure:"persist_pages"`
	PromotionThreshold int      `mapstructure:"promotion_threshold"`
}

// ChunkerConfig sizes chunks.
type ChunkerConfig struct {
	MaxChunkSize int `mapstructure:"max_chunk_size"`
	Overlap      int `mapstructure:"overlap"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider         string  `mapstructure:"provider"`
	Model            string  `mapstructure:"model"`
	APIKey           string  `mapstructure:"api_key"`
	BaseURL          string  `mapstructure:"base_url"`
	Dimensions       int     `mapstructure:"dimensions"`
	BatchSize        int     `mapstructure:"batch_size"`
	BatchDelayMs     int     `mapstructure:"batch_delay_ms"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	PricePer1KTokens float64 `mapstructure:"price_per_1k_tokens"`
	EmbedOnIngest    bool    `mapstructure:"embed_on_ingest"`
}

// SearchConfig holds retrieval defaults.
type SearchConfig struct {
	DefaultLimit     int     `mapstructure:"default_limit"`
	MaxLimit         int     `mapstructure:"max_limit"`
	DefaultThreshold float64 `mapstructure:"default_threshold"`
}

// QueueConfig selects the job broker.
type QueueConfig struct {
	Backend          string `mapstructure:"backend"`
	RedisURL         string `mapstructure:"redis_url"`
	Stream           string `mapstructure:"stream"`
	Group            string `mapstructure:"group"`
	Consumer         string `mapstructure:"consumer"`
	Concurrency      int    `mapstructure:"concurrency"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	JobTimeoutSec    int    `mapstructure:"job_timeout_seconds"`
	MemoryDepth      int    `mapstructure:"memory_depth"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// StorageConfig sets where raw pages and uploads live.
type StorageConfig struct {
	Backend   string             `mapstructure:"backend"`
	GCSBucket string             `mapstructure:"gcs_bucket"`
	Prefix    string             `mapstructure:"prefix"`
	Local     LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for publish-subscribe progress fan-out.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int  `mapstructure:"buffer_size"`
	BatchSize      int  `mapstructure:"batch_size"`
	FlushMs        int  `mapstructure:"flush_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	StoreEnabled   bool `mapstructure:"store_enabled"`
	SubscriberSize int  `mapstructure:"subscriber_buffer"`
}

// WatchdogConfig controls stuck-processing detection.
type WatchdogConfig struct {
	IntervalSec   int `mapstructure:"interval_seconds"`
	StaleAfterMin int `mapstructure:"stale_after_minutes"`
}

// HealthConfig sets the thresholds behind the derived health status.
type HealthConfig struct {
	BusyUtilization       float64 `mapstructure:"busy_utilization"`
	BusyQueueDepth        int     `mapstructure:"busy_queue_depth"`
	CriticalQueueDepth    int     `mapstructure:"critical_queue_depth"`
	DegradedCrawlErrRate  float64 `mapstructure:"degraded_crawl_error_rate"`
	RecentCrawlSampleSize int     `mapstructure:"recent_crawl_samples"`
}

// TelemetryConfig names the service for tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RAGPIPE")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("pool.enabled", true)
	v.SetDefault("pool.max_browsers", 2)
	v.SetDefault("pool.max_contexts_per_browser", 4)
	v.SetDefault("pool.min_browsers", 1)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("pool.idle_timeout_seconds", 120)
	v.SetDefault("pool.recycle_after", 100)
	v.SetDefault("pool.nav_timeout_seconds", 25)

	v.SetDefault("cache.max_entries", 500)
	v.SetDefault("cache.ttl_seconds", 600)

	v.SetDefault("crawler.max_pages_ceiling", 1000)
	v.SetDefault("crawler.max_pages_default", 25)
	v.SetDefault("crawler.render_mode", "auto")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.user_agent", "ragpipe-bot/0.1")
	v.SetDefault("crawler.request_timeout_seconds", 15)
	v.SetDefault("crawler.rate_limit_rps", 2.0)
	v.SetDefault("crawler.rate_limit_burst", 2)
	v.SetDefault("crawler.allow_private_hosts", false)
	v.SetDefault("crawler.persist_pages", true)
	v.SetDefault("crawler.promotion_threshold", 2048)

	v.SetDefault("chunker.max_chunk_size", 1000)
	v.SetDefault("chunker.overlap", 150)

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 20)
	v.SetDefault("embedding.batch_delay_ms", 250)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.backoff_initial_ms", 500)
	v.SetDefault("embedding.backoff_max_ms", 8000)
	v.SetDefault("embedding.price_per_1k_tokens", 0.00002)
	v.SetDefault("embedding.embed_on_ingest", false)

	v.SetDefault("search.default_limit", 5)
	v.SetDefault("search.max_limit", 50)
	v.SetDefault("search.default_threshold", 0.7)

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.stream", "ragpipe:jobs")
	v.SetDefault("queue.group", "ragpipe-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.job_timeout_seconds", 1800)
	v.SetDefault("queue.memory_depth", 256)
	v.SetDefault("queue.backoff_initial_ms", 1000)
	v.SetDefault("queue.backoff_max_ms", 30000)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.local.base_dir", "data")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch_size", 64)
	v.SetDefault("progress.flush_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.store_enabled", true)
	v.SetDefault("progress.subscriber_buffer", 64)

	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("watchdog.stale_after_minutes", 45)

	v.SetDefault("health.busy_utilization", 0.8)
	v.SetDefault("health.busy_queue_depth", 10)
	v.SetDefault("health.critical_queue_depth", 50)
	v.SetDefault("health.degraded_crawl_error_rate", 0.5)
	v.SetDefault("health.recent_crawl_samples", 20)

	v.SetDefault("telemetry.service_name", "ragpipe")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pool.MaxBrowsers <= 0 || c.Pool.MaxContextsPerBrowser <= 0 {
		return fmt.Errorf("pool.max_browsers and pool.max_contexts_per_browser must be > 0")
	}
	if c.Pool.MinBrowsers < 0 || c.Pool.MinBrowsers > c.Pool.MaxBrowsers {
		return fmt.Errorf("pool.min_browsers must be between 0 and pool.max_browsers")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Crawler.MaxPagesCeiling <= 0 {
		return fmt.Errorf("crawler.max_pages_ceiling must be > 0")
	}
	switch c.Crawler.RenderMode {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("crawler.render_mode must be auto, always, or never")
	}
	if c.Chunker.MaxChunkSize <= 0 {
		return fmt.Errorf("chunker.max_chunk_size must be > 0")
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.MaxChunkSize {
		return fmt.Errorf("chunker.overlap must be >= 0 and < chunker.max_chunk_size")
	}
	switch c.Embedding.Provider {
	case "openai", "langchain":
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key must be set for provider %q", c.Embedding.Provider)
		}
	case "hash":
	default:
		return fmt.Errorf("embedding.provider must be openai, langchain, or hash")
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be > 0")
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("embedding.max_attempts must be > 0")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search.default_limit must be > 0 and <= search.max_limit")
	}
	if c.Search.DefaultThreshold < -1 || c.Search.DefaultThreshold > 1 {
		return fmt.Errorf("search.default_threshold must be within [-1, 1]")
	}
	switch c.Queue.Backend {
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url must be set when queue.backend is redis")
		}
	case "memory", "inline":
	default:
		return fmt.Errorf("queue.backend must be redis, memory, or inline")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be > 0")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend must be memory, local, or gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is configured")
	}
	return nil
}

// AcquireTimeout returns the pool lease wait bound.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSec) * time.Second
}

// CacheTTL returns the crawl cache entry lifetime.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// RequestTimeout returns the per-page fetch budget.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.RequestTimeoutSec) * time.Second
}

// JobTimeout returns the per-job execution budget.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Queue.JobTimeoutSec) * time.Second
}

// StaleAfter returns how long a source may stay processing before the watchdog fails it.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Watchdog.StaleAfterMin) * time.Minute
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// BatchDelay returns the pause between embedding batches.
func (c Config) BatchDelay() time.Duration {
	return millis(c.Embedding.BatchDelayMs)
}
