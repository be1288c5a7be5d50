package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// edgeproxyd configuration, with environment overrides
// =============================================================================

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Session   SessionConfig    `yaml:"session"`
	Backend   BackendConfig    `yaml:"backend"`
	Cache     CacheConfig      `yaml:"cache"`
	Admin     AdminConfig      `yaml:"admin"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   LoggingConfig    `yaml:"logging"`
	Directors []DirectorConfig `yaml:"directors"`
}

type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// SessionConfig mirrors the knobs session.Config names (spec.md §5's
// tunables a deployment sets once: max_restarts, session_linger, gzip
// support, shortlived TTL, lru_timeout, read header budget).
type SessionConfig struct {
	MaxRestarts      int    `yaml:"max_restarts"`
	SessionLingerMs  int    `yaml:"session_linger_ms"`
	GzipSupport      bool   `yaml:"gzip_support"`
	ShortlivedTTLSec int    `yaml:"shortlived_ttl_sec"`
	LRUTimeoutSec    int    `yaml:"lru_timeout_sec"`
	GzipStackBuffer  int    `yaml:"gzip_stack_buffer"`
	ReadHeaderBudget int64  `yaml:"read_header_budget"`
	DefaultDirector  string `yaml:"default_director"`
}

type BackendConfig struct {
	ConnectTimeoutMs      int `yaml:"connect_timeout_ms"`
	FirstByteTimeoutMs    int `yaml:"first_byte_timeout_ms"`
	BetweenBytesTimeoutMs int `yaml:"between_bytes_timeout_ms"`
}

// DirectorConfig names one backend director (spec.md §3's director
// field). Per-director breaker tuning plays the role the teacher's
// per-tenant config overrides played: the same shape, aimed at backend
// selection instead of tenant isolation.
type DirectorConfig struct {
	Name               string `yaml:"name"`
	Addr               string `yaml:"addr"`
	TLS                bool   `yaml:"tls"`
	BreakerMaxFailures int    `yaml:"breaker_max_failures"`
	BreakerResetSec    int    `yaml:"breaker_reset_sec"`
}

// CacheConfig configures the index: the in-process sharded map, plus the
// optional Redis fan-out CacheIndex uses to broadcast Unbusy/Drop across
// instances (spec.md §6 names CacheIndex as a pluggable external
// collaborator; this is this engine's multi-instance implementation of
// it).
type CacheConfig struct {
	Shards       int    `yaml:"shards"`
	RedisEnabled bool   `yaml:"redis_enabled"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

type AdminConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

type MetricsConfig struct {
	Listen  string `yaml:"listen"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig also carries the optional durable-sink knobs
// SPEC_FULL.md §6 names: a Postgres DSN (logging.persist_dsn) that, when
// set, mirrors the access log ring to a table via logring.PQSink.
type LoggingConfig struct {
	Level              string `yaml:"level"`
	Format             string `yaml:"format"` // "json" or "text"
	PersistDSN         string `yaml:"persist_dsn"`
	PersistTable       string `yaml:"persist_table"`
	PersistIntervalSec int    `yaml:"persist_interval_sec"`
}

func (c LoggingConfig) PersistInterval() time.Duration {
	return time.Duration(c.PersistIntervalSec) * time.Second
}

func (c SessionConfig) SessionLinger() time.Duration {
	return time.Duration(c.SessionLingerMs) * time.Millisecond
}

func (c SessionConfig) ShortlivedTTL() time.Duration {
	return time.Duration(c.ShortlivedTTLSec) * time.Second
}

func (c SessionConfig) LRUTimeout() time.Duration {
	return time.Duration(c.LRUTimeoutSec) * time.Second
}

func (c BackendConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func (c BackendConfig) FirstByteTimeout() time.Duration {
	return time.Duration(c.FirstByteTimeoutMs) * time.Millisecond
}

func (c BackendConfig) BetweenBytesTimeout() time.Duration {
	return time.Duration(c.BetweenBytesTimeoutMs) * time.Millisecond
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance, loading CONFIG_PATH (or
// config.yaml) and an adjacent .env file the first time it's called.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file loaded", "error", err)
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Listen = getEnv("EDGEPROXY_LISTEN", c.Server.Listen)
	if v := getEnvInt("EDGEPROXY_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("EDGEPROXY_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("EDGEPROXY_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	if v := getEnvInt("EDGEPROXY_MAX_RESTARTS", 0); v > 0 {
		c.Session.MaxRestarts = v
	}
	if v := getEnvInt("EDGEPROXY_SESSION_LINGER_MS", 0); v > 0 {
		c.Session.SessionLingerMs = v
	}
	c.Session.GzipSupport = getEnvBool("EDGEPROXY_GZIP_SUPPORT", c.Session.GzipSupport)
	if v := getEnvInt("EDGEPROXY_SHORTLIVED_TTL_SEC", 0); v > 0 {
		c.Session.ShortlivedTTLSec = v
	}
	c.Session.DefaultDirector = getEnv("EDGEPROXY_DEFAULT_DIRECTOR", c.Session.DefaultDirector)

	if v := getEnvInt("EDGEPROXY_CONNECT_TIMEOUT_MS", 0); v > 0 {
		c.Backend.ConnectTimeoutMs = v
	}
	if v := getEnvInt("EDGEPROXY_FIRST_BYTE_TIMEOUT_MS", 0); v > 0 {
		c.Backend.FirstByteTimeoutMs = v
	}

	c.Cache.RedisEnabled = getEnvBool("EDGEPROXY_REDIS_ENABLED", c.Cache.RedisEnabled)
	c.Cache.RedisAddr = getEnv("EDGEPROXY_REDIS_ADDR", c.Cache.RedisAddr)
	c.Cache.RedisChannel = getEnv("EDGEPROXY_REDIS_CHANNEL", c.Cache.RedisChannel)

	c.Admin.Listen = getEnv("EDGEPROXY_ADMIN_LISTEN", c.Admin.Listen)
	c.Metrics.Listen = getEnv("EDGEPROXY_METRICS_LISTEN", c.Metrics.Listen)
	c.Logging.Level = getEnv("EDGEPROXY_LOG_LEVEL", c.Logging.Level)
	c.Logging.PersistDSN = getEnv("EDGEPROXY_LOG_PERSIST_DSN", c.Logging.PersistDSN)

	if addr := getEnv("EDGEPROXY_DIRECTOR_0_ADDR", ""); addr != "" {
		c.Directors = append(c.Directors, DirectorConfig{Name: "default", Addr: addr})
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}

	if c.Session.MaxRestarts == 0 {
		c.Session.MaxRestarts = 4
	}
	if c.Session.SessionLingerMs == 0 {
		c.Session.SessionLingerMs = 50
	}
	if c.Session.ShortlivedTTLSec == 0 {
		c.Session.ShortlivedTTLSec = 10
	}
	if c.Session.LRUTimeoutSec == 0 {
		c.Session.LRUTimeoutSec = 2
	}
	if c.Session.GzipStackBuffer == 0 {
		c.Session.GzipStackBuffer = 8192
	}
	if c.Session.ReadHeaderBudget == 0 {
		c.Session.ReadHeaderBudget = 1 << 20
	}

	if c.Backend.ConnectTimeoutMs == 0 {
		c.Backend.ConnectTimeoutMs = 2000
	}
	if c.Backend.FirstByteTimeoutMs == 0 {
		c.Backend.FirstByteTimeoutMs = 5000
	}
	if c.Backend.BetweenBytesTimeoutMs == 0 {
		c.Backend.BetweenBytesTimeoutMs = 5000
	}

	if c.Cache.Shards == 0 {
		c.Cache.Shards = 64
	}
	if c.Cache.RedisChannel == "" {
		c.Cache.RedisChannel = "edgeproxy-cache-events"
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = ":6081"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.PersistIntervalSec == 0 {
		c.Logging.PersistIntervalSec = 5
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) AdminEnabled() bool {
	return c.Admin.Enabled || c.Admin.Listen != ""
}

func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled || c.Metrics.Listen != ""
}
