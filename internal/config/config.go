// Package config loads the worker configuration from a YAML file and
// environment overrides. The resulting Config is read-only once workers
// start.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// Config represents the complete configuration for the worker
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"  envPrefix:"BROKER_"`
	Queue   QueueConfig   `yaml:"queue"   envPrefix:"QUEUE_"`
	Job     JobConfig     `yaml:"job"     envPrefix:"JOB_"`
	Retry   RetryConfig   `yaml:"retry"   envPrefix:"RETRY_"`
	Worker  WorkerConfig  `yaml:"worker"  envPrefix:"WORKER_"`
	Sidecar SidecarConfig `yaml:"sidecar" envPrefix:"SIDECAR_"`
	Log     LogConfig     `yaml:"log"     envPrefix:"LOG_"`
}

// BrokerConfig contains broker connection settings
type BrokerConfig struct {
	URL           string        `yaml:"url"            env:"URL"`
	Password      string        `yaml:"password"       env:"PASSWORD"`
	KeyPrefix     string        `yaml:"key_prefix"     env:"KEY_PREFIX"`
	DialTimeout   time.Duration `yaml:"dial_timeout"   env:"DIAL_TIMEOUT"`
	MaxReconnects int           `yaml:"max_reconnects" env:"MAX_RECONNECTS"`
	// Redials allowed per second across one connection.
	ReconnectRate float64 `yaml:"reconnect_rate" env:"RECONNECT_RATE"`
}

// QueueConfig contains tube naming and reservation settings
type QueueConfig struct {
	TubeNamespace      string        `yaml:"tube_namespace"      env:"TUBE_NAMESPACE"`
	NamespaceSeparator string        `yaml:"namespace_separator" env:"NAMESPACE_SEPARATOR"`
	PrimaryQueue       string        `yaml:"primary_queue"       env:"PRIMARY_QUEUE"`
	DefaultQueues      []string      `yaml:"default_queues"      env:"DEFAULT_QUEUES" envSeparator:","`
	ReserveTimeout     time.Duration `yaml:"reserve_timeout"     env:"RESERVE_TIMEOUT"`
}

// JobConfig contains per-job defaults applied at enqueue time
type JobConfig struct {
	DefaultPriority uint32            `yaml:"default_priority" env:"DEFAULT_PRIORITY"`
	RespondTimeout  time.Duration     `yaml:"respond_timeout"  env:"RESPOND_TIMEOUT"`
	PriorityLabels  map[string]uint32 `yaml:"priority_labels"`
}

// RetryConfig contains retry policy settings
type RetryConfig struct {
	MaxJobRetries int           `yaml:"max_job_retries" env:"MAX_JOB_RETRIES"`
	RetryDelay    time.Duration `yaml:"retry_delay"     env:"RETRY_DELAY"`
	// Zero leaves the computed delay uncapped.
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

// WorkerConfig contains worker process settings
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"      env:"CONCURRENCY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SidecarConfig contains remote execution settings
type SidecarConfig struct {
	URL      string        `yaml:"url"      env:"URL"`
	Protocol string        `yaml:"protocol" env:"PROTOCOL"` // "http" or "grpc"
	Timeout  time.Duration `yaml:"timeout"  env:"TIMEOUT"`
	Classes  []string      `yaml:"classes"  env:"CLASSES" envSeparator:","`
}

// LogConfig selects the log level and handler
type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:           "redis://localhost:6379/0",
			KeyPrefix:     "backburner",
			DialTimeout:   5 * time.Second,
			MaxReconnects: 3,
			ReconnectRate: 2,
		},
		Queue: QueueConfig{
			TubeNamespace:      "backburner.worker.queue",
			NamespaceSeparator: ".",
			PrimaryQueue:       "backburner-jobs",
			ReserveTimeout:     time.Second,
		},
		Job: JobConfig{
			DefaultPriority: 65536,
			RespondTimeout:  120 * time.Second,
			PriorityLabels:  map[string]uint32{"high": 0, "medium": 100, "low": 200},
		},
		Retry: RetryConfig{
			RetryDelay: 5 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:     1,
			ShutdownTimeout: 30 * time.Second,
		},
		Sidecar: SidecarConfig{
			Protocol: "http",
			Timeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped when
// path is empty) and BACKBURNER_-prefixed environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// An empty file leaves the defaults in place.
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "BACKBURNER_"}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.URL == "" {
		errs = append(errs, errors.New("broker.url is required"))
	}
	if c.Broker.MaxReconnects < 0 {
		errs = append(errs, errors.New("broker.max_reconnects must be >= 0"))
	}
	if c.Queue.TubeNamespace == "" {
		errs = append(errs, errors.New("queue.tube_namespace is required"))
	}
	if c.Queue.NamespaceSeparator == "" {
		errs = append(errs, errors.New("queue.namespace_separator is required"))
	}
	if c.Queue.ReserveTimeout <= 0 {
		errs = append(errs, errors.New("queue.reserve_timeout must be > 0"))
	}
	if c.Job.RespondTimeout <= 0 {
		errs = append(errs, errors.New("job.respond_timeout must be > 0"))
	}
	if c.Retry.MaxJobRetries < 0 {
		errs = append(errs, errors.New("retry.max_job_retries must be >= 0"))
	}
	if c.Retry.RetryDelay < 0 {
		errs = append(errs, errors.New("retry.retry_delay must be >= 0"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be >= 1"))
	}
	switch c.Sidecar.Protocol {
	case "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("sidecar.protocol %q is not http or grpc", c.Sidecar.Protocol))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
