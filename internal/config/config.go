package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Env        string           `yaml:"env" env:"ENV" env-default:"development"`
	Debug      bool             `yaml:"debug" env:"DEBUG" env-default:"false"`
	HTTP       HTTPConfig       `yaml:"http"`
	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Approval   ApprovalConfig   `yaml:"approval"`
	LoopGuard  LoopGuardConfig  `yaml:"loop_guard"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker"`
}

type HTTPConfig struct {
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"5s"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET" env-default:"nextrade-secret-key"`
	APIKey    string `yaml:"api_key" env:"API_KEY" env-default:"test-api-key"`
	APISecret string `yaml:"api_secret" env:"API_SECRET" env-default:"test-api-secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"DATABASE_PATH" env-default:"data/nextrade.db"`
}

type CheckpointConfig struct {
	Backend  string        `yaml:"backend" env:"CHECKPOINT_BACKEND" env-default:"sqlite"`
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" env:"CHECKPOINT_TTL" env-default:"0s"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"nextrade.trades"`
}

type ApprovalConfig struct {
	Timeout       time.Duration `yaml:"timeout" env:"APPROVAL_TIMEOUT" env-default:"24h"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"APPROVAL_SWEEP_INTERVAL" env-default:"5m"`
	RiskyTools    []string      `yaml:"risky_tools" env:"APPROVAL_RISKY_TOOLS" env-separator:","`
}

type LoopGuardConfig struct {
	MaxIterations  int `yaml:"max_iterations" env:"LOOP_MAX_ITERATIONS" env-default:"50"`
	PatternWindow  int `yaml:"pattern_window" env:"LOOP_PATTERN_WINDOW" env-default:"10"`
	SequenceLength int `yaml:"sequence_length" env:"LOOP_SEQUENCE_LENGTH" env-default:"3"`
	StuckThreshold int `yaml:"stuck_threshold" env:"LOOP_STUCK_THRESHOLD" env-default:"5"`
	HistoryLimit   int `yaml:"history_limit" env:"LOOP_HISTORY_LIMIT" env-default:"20"`
}

type WorkflowConfig struct {
	MaxSteps int `yaml:"max_steps" env:"WORKFLOW_MAX_STEPS" env-default:"25"`
}

type GuardrailsConfig struct {
	MaxInputLength int `yaml:"max_input_length" env:"GUARDRAILS_MAX_INPUT_LENGTH" env-default:"10000"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"3"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" env-default:"1s"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"60s"`
	Multiplier  float64       `yaml:"multiplier" env:"RETRY_MULTIPLIER" env-default:"2"`
	Jitter      bool          `yaml:"jitter" env:"RETRY_JITTER" env-default:"true"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"BREAKER_FAILURE_THRESHOLD" env-default:"5"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"BREAKER_RECOVERY_TIMEOUT" env-default:"60s"`
}

// Load reads .env if present, then the YAML file at path (or CONFIG_PATH),
// with environment variables overriding file values. Without a file the
// configuration comes from the environment and defaults alone.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from environment: %w", err)
	}

	if len(cfg.Approval.RiskyTools) == 0 {
		cfg.Approval.RiskyTools = []string{"place_order"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Checkpoint.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Checkpoint.RedisURL == "" {
			errs = append(errs, errors.New("checkpoint.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.LoopGuard.MaxIterations <= 0 || c.LoopGuard.PatternWindow <= 0 ||
		c.LoopGuard.SequenceLength <= 0 || c.LoopGuard.StuckThreshold <= 0 || c.LoopGuard.HistoryLimit <= 0 {
		errs = append(errs, errors.New("loop_guard values must be positive"))
	}
	if c.LoopGuard.HistoryLimit < c.LoopGuard.PatternWindow {
		errs = append(errs, errors.New("loop_guard.history_limit must be at least pattern_window"))
	}
	if c.Workflow.MaxSteps <= 0 {
		errs = append(errs, errors.New("workflow.max_steps must be positive"))
	}
	if c.Guardrails.MaxInputLength <= 0 {
		errs = append(errs, errors.New("guardrails.max_input_length must be positive"))
	}
	if c.Approval.Timeout < 0 {
		errs = append(errs, errors.New("approval.timeout must not be negative"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
