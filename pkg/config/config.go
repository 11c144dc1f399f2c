// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Postgres, Kafka, Redis, Ingest, Index, Retrieval,
// Cache, Providers, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Providers ProvidersConfig `yaml:"providers"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings for the retrieval service.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// GatewayConfig holds the upload gateway port and request limits.
type GatewayConfig struct {
	Port         int   `yaml:"port"`
	MaxTitleLen  int   `yaml:"maxTitleLen"`
	MaxUploadLen int64 `yaml:"maxUploadLen"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
// DocumentIngest carries upload triggers from the gateway to the ingest
// workers; IndexUpdate carries apply/remove instructions from the workers
// to the retrieval service that owns the vector index.
type KafkaTopics struct {
	DocumentIngest string `yaml:"documentIngest"`
	IndexUpdate    string `yaml:"indexUpdate"`
}

// RedisConfig holds Redis connection parameters for the shared query-cache
// layer. Redis is optional; losing it degrades to the in-process cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// ProvidersConfig holds endpoints and timeouts for the external embedding,
// generation, and parsed-text collaborators.
type ProvidersConfig struct {
	EmbedURL       string        `yaml:"embedUrl"`
	GenerateURL    string        `yaml:"generateUrl"`
	ParsedTextURL  string        `yaml:"parsedTextUrl"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// EmbedDimension must match the vector dimension returned by the
	// embedding service; vectors of any other dimension are rejected.
	EmbedDimension int `yaml:"embedDimension"`
}

// IngestConfig controls the ingestion worker pool and per-document
// embedding retry policy.
type IngestConfig struct {
	// Workers bounds the number of documents ingested in parallel so the
	// external embedding service is not overwhelmed.
	Workers int `yaml:"workers"`
	// QueueDepth bounds the in-process job queue; a full queue rejects
	// new jobs with a retryable error instead of growing unboundedly.
	QueueDepth        int           `yaml:"queueDepth"`
	MaxTokensPerChunk int           `yaml:"maxTokensPerChunk"`
	EmbedMaxAttempts  int           `yaml:"embedMaxAttempts"`
	EmbedBackoff      time.Duration `yaml:"embedBackoff"`
	EmbedMaxBackoff   time.Duration `yaml:"embedMaxBackoff"`
}

// IndexConfig controls the HNSW vector index.
type IndexConfig struct {
	DataDir   string `yaml:"dataDir"`
	Dimension int    `yaml:"dimension"`
	// M is the number of bidirectional links created per node and level.
	M int `yaml:"m"`
	// EfConstruction is the candidate-list width used while inserting.
	EfConstruction int `yaml:"efConstruction"`
	// EfSearch is the candidate-list width used while querying. This is
	// the recall/latency dial: larger values visit more of the graph and
	// improve recall at the cost of query time. Benchmark before changing
	// it in production.
	EfSearch int `yaml:"efSearch"`
}

// RetrievalConfig controls query-time behaviour.
type RetrievalConfig struct {
	TopK    int `yaml:"topK"`
	MaxTopK int `yaml:"maxTopK"`
	// SoftDeadline bounds embed+index+generation; past it the
	// orchestrator degrades to a templated answer built from whatever
	// passages were retrieved so far.
	SoftDeadline time.Duration `yaml:"softDeadline"`
	// RequestBudget is the hard wall-clock bound applied to the whole
	// request via HTTP middleware.
	RequestBudget time.Duration `yaml:"requestBudget"`
}

// CacheConfig controls the in-process query cache (L1) and whether results
// are mirrored to Redis (L2).
type CacheConfig struct {
	Capacity     int           `yaml:"capacity"`
	TTL          time.Duration `yaml:"ttl"`
	RedisEnabled bool          `yaml:"redisEnabled"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, and returns the resulting Config.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultConfig returns a Config with defaults suitable for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Gateway: GatewayConfig{
			Port:         8082,
			MaxTitleLen:  1024,
			MaxUploadLen: 10 << 20,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "kbretrieval",
			User:            "kbretrieval",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "kbretrieval-group",
			Topics: KafkaTopics{
				DocumentIngest: "document-ingest",
				IndexUpdate:    "index-update",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Providers: ProvidersConfig{
			EmbedURL:       "http://localhost:9601/v1/embed",
			GenerateURL:    "http://localhost:9602/v1/generate",
			ParsedTextURL:  "http://localhost:9603/v1/documents",
			RequestTimeout: 3 * time.Second,
			EmbedDimension: 384,
		},
		Ingest: IngestConfig{
			Workers:           4,
			QueueDepth:        64,
			MaxTokensPerChunk: 512,
			EmbedMaxAttempts:  5,
			EmbedBackoff:      200 * time.Millisecond,
			EmbedMaxBackoff:   5 * time.Second,
		},
		Index: IndexConfig{
			DataDir:        "data/index",
			Dimension:      384,
			M:              16,
			EfConstruction: 200,
			EfSearch:       64,
		},
		Retrieval: RetrievalConfig{
			TopK:          5,
			MaxTopK:       20,
			SoftDeadline:  4 * time.Second,
			RequestBudget: 5 * time.Second,
		},
		Cache: CacheConfig{
			Capacity:     1024,
			TTL:          60 * time.Second,
			RedisEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads KR_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KR_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KR_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
	if v := os.Getenv("KR_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("KR_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("KR_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("KR_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("KR_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("KR_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("KR_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("KR_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KR_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("KR_PROVIDERS_EMBED_URL"); v != "" {
		cfg.Providers.EmbedURL = v
	}
	if v := os.Getenv("KR_PROVIDERS_GENERATE_URL"); v != "" {
		cfg.Providers.GenerateURL = v
	}
	if v := os.Getenv("KR_PROVIDERS_PARSED_TEXT_URL"); v != "" {
		cfg.Providers.ParsedTextURL = v
	}
	if v := os.Getenv("KR_INDEX_DATA_DIR"); v != "" {
		cfg.Index.DataDir = v
	}
	if v := os.Getenv("KR_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KR_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// validate rejects configurations that cannot work at runtime.
func validate(cfg *Config) error {
	if cfg.Index.Dimension <= 0 {
		return fmt.Errorf("index.dimension must be positive, got %d", cfg.Index.Dimension)
	}
	if cfg.Index.Dimension != cfg.Providers.EmbedDimension {
		return fmt.Errorf("index.dimension (%d) must match providers.embedDimension (%d)",
			cfg.Index.Dimension, cfg.Providers.EmbedDimension)
	}
	if cfg.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", cfg.Ingest.Workers)
	}
	if cfg.Ingest.QueueDepth <= 0 {
		return fmt.Errorf("ingest.queueDepth must be positive, got %d", cfg.Ingest.QueueDepth)
	}
	if cfg.Retrieval.TopK <= 0 || cfg.Retrieval.TopK > cfg.Retrieval.MaxTopK {
		return fmt.Errorf("retrieval.topK must be in [1, %d], got %d", cfg.Retrieval.MaxTopK, cfg.Retrieval.TopK)
	}
	if cfg.Retrieval.SoftDeadline <= 0 || cfg.Retrieval.SoftDeadline > cfg.Retrieval.RequestBudget {
		return fmt.Errorf("retrieval.softDeadline must be positive and at most requestBudget")
	}
	return nil
}
