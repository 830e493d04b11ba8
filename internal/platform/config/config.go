package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"payplan/pkg/platform/strings"
)

// PathEnv names an optional YAML file read before environment overrides.
const PathEnv = "PAYPLAN_CONFIG_PATH"

// Config is the full process configuration. Every field can be set from the environment.
type Config struct {
	Env       string          `yaml:"env" env:"PAYPLAN_ENV" env-default:"local"`
	Server    Server          `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Plan      PlanConfig      `yaml:"plan"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr" env:"PAYPLAN_ADDR" env-default:":8080"`
	AdminToken      string        `yaml:"admin_token" env:"PAYPLAN_ADMIN_TOKEN"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"PAYPLAN_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"PAYPLAN_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"PAYPLAN_LOG_FORMAT" env-default:"json"`
}

// PostgresConfig selects the PostgreSQL backend when DSN is set; otherwise the
// process runs on the in-memory store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" env:"PAYPLAN_POSTGRES_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"PAYPLAN_POSTGRES_MAX_OPEN_CONNS" env-default:"20"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"PAYPLAN_POSTGRES_MAX_IDLE_CONNS" env-default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"PAYPLAN_POSTGRES_CONN_MAX_LIFETIME" env-default:"30m"`
	Migrate         bool          `yaml:"migrate" env:"PAYPLAN_POSTGRES_MIGRATE" env-default:"true"`
}

type RedisConfig struct {
	URL          string        `yaml:"url" env:"PAYPLAN_REDIS_URL"`
	PoolSize     int           `yaml:"pool_size" env:"PAYPLAN_REDIS_POOL_SIZE" env-default:"10"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"PAYPLAN_REDIS_MIN_IDLE_CONNS" env-default:"2"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"PAYPLAN_REDIS_DIAL_TIMEOUT" env-default:"5s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"PAYPLAN_REDIS_READ_TIMEOUT" env-default:"3s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"PAYPLAN_REDIS_WRITE_TIMEOUT" env-default:"3s"`
	CacheTTL     time.Duration `yaml:"cache_ttl" env:"PAYPLAN_REDIS_CACHE_TTL" env-default:"5m"`
}

type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers" env:"PAYPLAN_KAFKA_BROKERS" env-separator:","`
	Topic             string        `yaml:"topic" env:"PAYPLAN_KAFKA_TOPIC" env-default:"compensation-events"`
	Partitions        int32         `yaml:"partitions" env:"PAYPLAN_KAFKA_PARTITIONS" env-default:"3"`
	ReplicationFactor int16         `yaml:"replication_factor" env:"PAYPLAN_KAFKA_REPLICATION_FACTOR" env-default:"1"`
	ProduceTimeout    time.Duration `yaml:"produce_timeout" env:"PAYPLAN_KAFKA_PRODUCE_TIMEOUT" env-default:"5s"`
}

// PlanConfig bounds the tree walks of the compensation plan.
type PlanConfig struct {
	BinaryDepth   int `yaml:"binary_depth" env:"PAYPLAN_BINARY_DEPTH" env-default:"10"`
	MaxDepth      int `yaml:"max_depth" env:"PAYPLAN_MAX_DEPTH" env-default:"1000"`
	MaxNodes      int `yaml:"max_nodes" env:"PAYPLAN_MAX_NODES" env-default:"100000"`
	RetryAttempts int `yaml:"retry_attempts" env:"PAYPLAN_RETRY_ATTEMPTS" env-default:"5"`
}

// ReconcileConfig schedules the ledger reconciliation job. An empty schedule disables it.
type ReconcileConfig struct {
	Schedule string        `yaml:"schedule" env:"PAYPLAN_RECONCILE_SCHEDULE" env-default:"@daily"`
	Timeout  time.Duration `yaml:"timeout" env:"PAYPLAN_RECONCILE_TIMEOUT" env-default:"30m"`
}

// Load reads the YAML file named by PAYPLAN_CONFIG_PATH when set, then applies the
// environment and defaults.
func Load() (*Config, error) {
	var cfg Config
	if path := os.Getenv(PathEnv); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config from environment: %w", err)
	}
	cfg.Kafka.Brokers = strings.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Plan.BinaryDepth < 1 {
		return fmt.Errorf("plan.binary_depth must be positive, got %d", c.Plan.BinaryDepth)
	}
	if c.Plan.MaxDepth < c.Plan.BinaryDepth {
		return fmt.Errorf("plan.max_depth %d is below plan.binary_depth %d", c.Plan.MaxDepth, c.Plan.BinaryDepth)
	}
	if c.Plan.MaxNodes < 1 {
		return fmt.Errorf("plan.max_nodes must be positive, got %d", c.Plan.MaxNodes)
	}
	if c.Plan.RetryAttempts < 1 {
		return fmt.Errorf("plan.retry_attempts must be positive, got %d", c.Plan.RetryAttempts)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
