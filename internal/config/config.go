// Package config loads the configuration of the jobqueued daemon from
// environment variables prefixed with JOBQUEUE_.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Prefix of all environment variables.
const Prefix = "JOBQUEUE_"

// Stores lists the supported store types.
var Stores = []string{"memory", "sqlite", "mysql", "postgres", "redis", "mongodb"}

// Config is the configuration of the daemon.
type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY"`

	Store      string `env:"STORE" envDefault:"memory"`
	DSN        string `env:"DSN"`
	StoreDebug bool   `env:"STORE_DEBUG"`

	Queues       []QueueSpec   `env:"QUEUES" envDefault:"research:2:2,writer:4:2,editor:2:2,formatter:1:2,publisher:1:1"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BackoffType  string        `env:"BACKOFF_TYPE" envDefault:"exponential"`
	BackoffDelay time.Duration `env:"BACKOFF_DELAY" envDefault:"2s"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"5m"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"100ms"`
	DrainTimeout time.Duration `env:"DRAIN_TIMEOUT" envDefault:"30s"`

	ShutdownTimeout time.Duration      `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	Costs           map[string]float64 `env:"COSTS"` // estimated cost per attempt by job type

	WebhookURL      string        `env:"WEBHOOK_URL"`
	WebhookInterval time.Duration `env:"WEBHOOK_INTERVAL" envDefault:"10s"`
	WebhookBurst    int           `env:"WEBHOOK_BURST" envDefault:"5"`
	WebhookRetries  uint64        `env:"WEBHOOK_RETRIES" envDefault:"3"`

	MaintenanceSchedule string `env:"MAINTENANCE_SCHEDULE" envDefault:"@every 30s"`
	RetentionDays       int    `env:"RETENTION_DAYS" envDefault:"30"`
	RetentionSchedule   string `env:"RETENTION_SCHEDULE" envDefault:"@daily"`

	// Simulated stage processors
	FailureRate float64       `env:"FAILURE_RATE" envDefault:"0.05"`
	MaxSleep    time.Duration `env:"MAX_SLEEP" envDefault:"2s"`
}

// QueueSpec configures a queue as "name:workers:concurrency".
type QueueSpec struct {
	Name        string
	Workers     int
	Concurrency int
}

// UnmarshalText parses "name[:workers[:concurrency]]".
func (q *QueueSpec) UnmarshalText(text []byte) error {
	parts := strings.Split(strings.TrimSpace(string(text)), ":")
	if len(parts) > 3 || parts[0] == "" {
		return errors.Errorf("config: invalid queue %q", text)
	}
	q.Name = parts[0]
	q.Workers, q.Concurrency = 1, 1
	var err error
	if len(parts) > 1 {
		if q.Workers, err = strconv.Atoi(parts[1]); err != nil || q.Workers < 0 {
			return errors.Errorf("config: invalid number of workers in queue %q", text)
		}
	}
	if len(parts) > 2 {
		if q.Concurrency, err = strconv.Atoi(parts[2]); err != nil || q.Concurrency < 1 {
			return errors.Errorf("config: invalid concurrency in queue %q", text)
		}
	}
	return nil
}

func (q QueueSpec) String() string {
	return fmt.Sprintf("%s:%d:%d", q.Name, q.Workers, q.Concurrency)
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom reads the configuration from the given variables instead of
// the environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if !contains(Stores, c.Store) {
		return errors.Errorf("config: unknown store %q, want one of %s", c.Store, strings.Join(Stores, ", "))
	}
	if c.Store != "memory" && c.DSN == "" {
		return errors.Errorf("config: store %q needs %sDSN", c.Store, Prefix)
	}
	if len(c.Queues) == 0 {
		return errors.New("config: no queues configured")
	}
	seen := make(map[string]bool)
	for _, q := range c.Queues {
		if seen[q.Name] {
			return errors.Errorf("config: queue %q configured twice", q.Name)
		}
		seen[q.Name] = true
	}
	switch c.BackoffType {
	case "fixed", "exponential":
	default:
		return errors.Errorf("config: unknown backoff type %q", c.BackoffType)
	}
	if c.MaxAttempts < 1 {
		return errors.Errorf("config: max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetentionDays < 0 {
		return errors.Errorf("config: invalid retention of %d days", c.RetentionDays)
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return errors.Errorf("config: failure rate must be between 0 and 1, got %v", c.FailureRate)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
