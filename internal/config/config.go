package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/omriariav/FaceFindr/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds the facefindr configuration.
type Config struct {
	Match    MatchConfig    `yaml:"match"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Cache    CacheConfig    `yaml:"cache"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
}

type MatchConfig struct {
	Threshold    float64       `yaml:"threshold"`     // minimum similarity for matched (0.0-1.0)
	Metric       string        `yaml:"metric"`        // euclidean or cosine
	BatchSize    int           `yaml:"batch_size"`    // photos per batch
	Concurrency  int           `yaml:"concurrency"`   // workers per batch
	PhotoTimeout time.Duration `yaml:"photo_timeout"` // soft per-photo timeout, 0 disables
	Output       string        `yaml:"output"`        // base path of the timestamped output directory
	DryRun       bool          `yaml:"dry_run"`       // categorize without copying files
}

type EncoderConfig struct {
	Backend       string   `yaml:"backend"`        // http or worker
	URL           string   `yaml:"url"`            // embedding server, defaults to http://localhost:8000
	RateLimit     float64  `yaml:"rate_limit"`     // requests per second, 0 = unlimited
	MaxImageSize  int      `yaml:"max_image_size"` // long edge in pixels sent to the encoder
	WorkerCommand string   `yaml:"worker_command"` // encoder subprocess executable
	WorkerArgs    []string `yaml:"worker_args"`
	Workers       int      `yaml:"workers"` // number of encoder subprocesses
}

type CacheConfig struct {
	Backend  string        `yaml:"backend"` // none, file, redis or postgres
	Dir      string        `yaml:"dir"`     // file cache directory
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"` // redis entry lifetime, 0 = no expiry
}

type StoreConfig struct {
	Backend    string `yaml:"backend"`     // sqlite, postgres, mysql or none
	SQLitePath string `yaml:"sqlite_path"` // defaults to results.db inside the output directory
	MySQLDSN   string `yaml:"mysql_dsn"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`            // PostgreSQL connection URL
	MaxOpenConns int    `yaml:"max_open_conns"` // Maximum open connections (default 10)
	MaxIdleConns int    `yaml:"max_idle_conns"` // Maximum idle connections (default 2)
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins besides localhost
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Match: MatchConfig{
			Threshold:   constants.DefaultThreshold,
			Metric:      "euclidean",
			BatchSize:   constants.DefaultBatchSize,
			Concurrency: constants.DefaultConcurrency,
			Output:      constants.DefaultOutputDir,
		},
		Encoder: EncoderConfig{
			Backend:      "http",
			MaxImageSize: constants.MaxImageSize,
			Workers:      1,
		},
		Cache: CacheConfig{Backend: "none"},
		Store: StoreConfig{Backend: "sqlite"},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Log:    LogConfig{Level: "info", Format: "console"},
		Server: ServerConfig{Host: "127.0.0.1", Port: constants.DefaultServePort},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// and environment variables, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		data = expandEnvVars(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the current value if the env var is unset, empty, or invalid.
func envInt(key string, current int) int {
	s := os.Getenv(key)
	if s == "" {
		return current
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return current
}

func envString(key string, current string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return current
}

func (c *Config) applyEnv() error {
	if s := os.Getenv("FACEFINDR_THRESHOLD"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("FACEFINDR_THRESHOLD: %w", err)
		}
		c.Match.Threshold = v
	}
	if s := os.Getenv("FACEFINDR_PHOTO_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("FACEFINDR_PHOTO_TIMEOUT: %w", err)
		}
		c.Match.PhotoTimeout = d
	}
	if s := os.Getenv("EMBEDDING_RATE_LIMIT"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("EMBEDDING_RATE_LIMIT: %w", err)
		}
		c.Encoder.RateLimit = v
	}
	if s := os.Getenv("FACEFINDR_CACHE_TTL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("FACEFINDR_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}

	c.Match.Metric = envString("FACEFINDR_METRIC", c.Match.Metric)
	c.Match.BatchSize = envInt("FACEFINDR_BATCH_SIZE", c.Match.BatchSize)
	c.Match.Concurrency = envInt("FACEFINDR_CONCURRENCY", c.Match.Concurrency)
	c.Match.Output = envString("FACEFINDR_OUTPUT", c.Match.Output)

	c.Encoder.Backend = envString("FACEFINDR_ENCODER", c.Encoder.Backend)
	c.Encoder.URL = envString("EMBEDDING_URL", c.Encoder.URL)
	c.Encoder.MaxImageSize = envInt("FACEFINDR_MAX_IMAGE_SIZE", c.Encoder.MaxImageSize)
	c.Encoder.WorkerCommand = envString("FACEFINDR_WORKER_COMMAND", c.Encoder.WorkerCommand)
	if s := os.Getenv("FACEFINDR_WORKER_ARGS"); s != "" {
		c.Encoder.WorkerArgs = strings.Fields(s)
	}
	c.Encoder.Workers = envInt("FACEFINDR_WORKERS", c.Encoder.Workers)

	c.Cache.Backend = envString("FACEFINDR_CACHE", c.Cache.Backend)
	c.Cache.Dir = envString("FACEFINDR_CACHE_DIR", c.Cache.Dir)
	c.Cache.RedisURL = envString("REDIS_URL", c.Cache.RedisURL)

	c.Store.Backend = envString("FACEFINDR_STORE", c.Store.Backend)
	c.Store.SQLitePath = envString("FACEFINDR_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.MySQLDSN = envString("MYSQL_DSN", c.Store.MySQLDSN)

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Log.Level = envString("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envString("LOG_FORMAT", c.Log.Format)

	c.Server.Host = envString("WEB_HOST", c.Server.Host)
	c.Server.Port = envInt("WEB_PORT", c.Server.Port)
	if s := os.Getenv("WEB_ALLOWED_ORIGINS"); s != "" {
		c.Server.AllowedOrigins = strings.Split(s, ",")
	}
	return nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Match.Metric == "" {
		c.Match.Metric = d.Match.Metric
	}
	if c.Match.BatchSize <= 0 {
		c.Match.BatchSize = d.Match.BatchSize
	}
	if c.Match.Concurrency <= 0 {
		c.Match.Concurrency = d.Match.Concurrency
	}
	if c.Match.Output == "" {
		c.Match.Output = d.Match.Output
	}
	if c.Encoder.Backend == "" {
		c.Encoder.Backend = d.Encoder.Backend
	}
	if c.Encoder.MaxImageSize < 0 {
		c.Encoder.MaxImageSize = 0
	}
	if c.Encoder.Workers <= 0 {
		c.Encoder.Workers = d.Encoder.Workers
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = d.Cache.Backend
	}
	if c.Cache.Backend == "file" && c.Cache.Dir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Cache.Dir = filepath.Join(dir, "facefindr")
		} else {
			c.Cache.Dir = ".facefindr-cache"
		}
	}
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = d.Database.MaxOpenConns
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = d.Database.MaxIdleConns
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Match.Threshold < 0 || c.Match.Threshold > 1 {
		return fmt.Errorf("match.threshold must be between 0.0 and 1.0, got %v", c.Match.Threshold)
	}
	switch c.Match.Metric {
	case "euclidean", "cosine":
	default:
		return fmt.Errorf("match.metric must be \"euclidean\" or \"cosine\", got %q", c.Match.Metric)
	}
	if c.Match.PhotoTimeout < 0 {
		return fmt.Errorf("match.photo_timeout must not be negative, got %s", c.Match.PhotoTimeout)
	}

	switch c.Encoder.Backend {
	case "http":
	case "worker":
		if c.Encoder.WorkerCommand == "" {
			return fmt.Errorf("encoder.worker_command is required for the worker backend")
		}
	default:
		return fmt.Errorf("encoder.backend must be \"http\" or \"worker\", got %q", c.Encoder.Backend)
	}
	if c.Encoder.RateLimit < 0 {
		return fmt.Errorf("encoder.rate_limit must not be negative, got %v", c.Encoder.RateLimit)
	}

	switch c.Cache.Backend {
	case "none", "file":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis cache")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres cache")
		}
	default:
		return fmt.Errorf("cache.backend must be none, file, redis or postgres, got %q", c.Cache.Backend)
	}

	switch c.Store.Backend {
	case "none", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres store")
		}
	case "mysql":
		if c.Store.MySQLDSN == "" {
			return fmt.Errorf("store.mysql_dsn is required for the mysql store")
		}
	default:
		return fmt.Errorf("store.backend must be none, sqlite, postgres or mysql, got %q", c.Store.Backend)
	}

	if c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
