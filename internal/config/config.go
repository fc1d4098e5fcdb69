package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"4"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL,required"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"factory-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
	MQTTQoS       int    `env:"MQTT_QOS" envDefault:"1"`

	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	InfluxURL    string `env:"INFLUX_URL" envDefault:"http://localhost:8086"`
	InfluxToken  string `env:"INFLUX_TOKEN"`
	InfluxOrg    string `env:"INFLUX_ORG" envDefault:"factoryops"`
	InfluxBucket string `env:"INFLUX_BUCKET" envDefault:"telemetry"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthSecret  string `env:"AUTH_SECRET"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`

	// Ingest coordinator. Workers=0 means GOMAXPROCS*2.
	IngestWorkers     int           `env:"INGEST_WORKERS" envDefault:"0"`
	IngestQueueDepth  int           `env:"INGEST_QUEUE_DEPTH" envDefault:"1024"`
	IngestRetryMax    int           `env:"INGEST_RETRY_MAX" envDefault:"5"`
	AutoCreateDevices bool          `env:"AUTO_CREATE_DEVICES" envDefault:"true"`
	LastSeenDebounce  time.Duration `env:"LAST_SEEN_DEBOUNCE" envDefault:"5s"`
	RuleDispatchWait  time.Duration `env:"RULE_DISPATCH_TIMEOUT" envDefault:"2s"`
	DeadLetterFile    string        `env:"DEAD_LETTER_FILE" envDefault:"./dead_letter.jsonl"`

	// Time-series writer.
	TSBatchSize     int           `env:"TS_BATCH_SIZE" envDefault:"500"`
	TSFlushInterval time.Duration `env:"TS_FLUSH_INTERVAL" envDefault:"1s"`
	TSMaxRetries    int           `env:"TS_MAX_RETRIES" envDefault:"5"`
	SpoolDir        string        `env:"SPOOL_DIR" envDefault:"./spool"`
	SpoolMaxBytes   int64         `env:"SPOOL_MAX_BYTES" envDefault:"268435456"`

	// Work queues.
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"60s"`
	QueueMaxRetries   int           `env:"QUEUE_MAX_RETRIES" envDefault:"5"`

	// Health / staleness.
	StalenessThreshold time.Duration `env:"STALENESS_THRESHOLD" envDefault:"60s"`

	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1, or 2 (got %d)", c.MQTTQoS)
	}
	if c.AuthEnabled && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when AUTH_ENABLED=true")
	}
	if c.TSBatchSize < 1 {
		return fmt.Errorf("TS_BATCH_SIZE must be positive (got %d)", c.TSBatchSize)
	}
	if c.IngestQueueDepth < 1 {
		return fmt.Errorf("INGEST_QUEUE_DEPTH must be positive (got %d)", c.IngestQueueDepth)
	}
	return nil
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DatabaseURL   string
	MQTTBrokerURL string
	RedisURL      string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.MQTTBrokerURL != "" {
		cfg.MQTTBrokerURL = overrides.MQTTBrokerURL
	}
	if overrides.RedisURL != "" {
		cfg.RedisURL = overrides.RedisURL
	}

	return cfg, nil
}
