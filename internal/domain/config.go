package domain

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete Heron configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Source     SourceConfig     `json:"source"`

	// Engine settings
	Shards        int           `json:"shards"`
	SweepInterval time.Duration `json:"sweepInterval"`

	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// SourceConfig selects the live transaction feed consumed by the worker.
type SourceConfig struct {
	// Type is "none", "simulator", "kafka" or "bus"
	Type string `json:"type"`

	// Simulator settings
	Seed        int64         `json:"seed"`
	AnomalyRate float64       `json:"anomalyRate"`
	Interval    time.Duration `json:"interval"`

	// Kafka settings
	KafkaBrokers []string `json:"kafkaBrokers"`
	KafkaTopic   string   `json:"kafkaTopic"`
	KafkaGroupID string   `json:"kafkaGroupId"`
}

// DefaultConfig returns the single-node configuration: SQLite, in-memory
// cache, channel bus and no live feed.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Source: SourceConfig{
			Type:         "none",
			Seed:         42,
			AnomalyRate:  0.05,
			Interval:     time.Second,
			KafkaTopic:   "transactions",
			KafkaGroupID: "heron",
		},
		Shards:        64,
		SweepInterval: time.Minute,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ApplyEnv overrides cfg with any HERON_* variables present in the
// environment.
func (c *Config) ApplyEnv() {
	if os.Getenv("HERON_DEBUG") == "true" {
		c.Logging.Level = "debug"
	}
	if v := os.Getenv("HERON_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	// Repository
	if v := os.Getenv("HERON_DB_DRIVER"); v != "" {
		c.Repository.Driver = v
	}
	if v := os.Getenv("HERON_SQLITE_PATH"); v != "" {
		c.Repository.SQLitePath = v
	}
	if v := os.Getenv("HERON_POSTGRES_HOST"); v != "" {
		c.Repository.PostgresHost = v
	}
	if v := os.Getenv("HERON_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Repository.PostgresPort = port
		}
	}
	if v := os.Getenv("HERON_POSTGRES_USER"); v != "" {
		c.Repository.PostgresUser = v
	}
	if v := os.Getenv("HERON_POSTGRES_PASSWORD"); v != "" {
		c.Repository.PostgresPassword = v
	}
	if v := os.Getenv("HERON_POSTGRES_DB"); v != "" {
		c.Repository.PostgresDB = v
	}
	if v := os.Getenv("HERON_POSTGRES_SSLMODE"); v != "" {
		c.Repository.PostgresSSLMode = v
	}

	// Cache
	if v := os.Getenv("HERON_CACHE"); v != "" {
		c.Cache.Type = v
	}
	if v := os.Getenv("HERON_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
		c.Cache.EnableTwoPhase = true
	}

	// Event bus
	if v := os.Getenv("HERON_BUS"); v != "" {
		c.EventBus.Type = v
	}
	if v := os.Getenv("HERON_NATS_URL"); v != "" {
		c.EventBus.NATSUrl = v
	}

	// Source
	if v := os.Getenv("HERON_SOURCE"); v != "" {
		c.Source.Type = v
	}
	if v := os.Getenv("HERON_KAFKA_BROKERS"); v != "" {
		c.Source.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("HERON_KAFKA_TOPIC"); v != "" {
		c.Source.KafkaTopic = v
	}
	if v := os.Getenv("HERON_SIM_SEED"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Source.Seed = seed
		}
	}
	if v := os.Getenv("HERON_SIM_ANOMALY_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Source.AnomalyRate = rate
		}
	}
}
