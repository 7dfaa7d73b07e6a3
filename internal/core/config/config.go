package config

import (
	"time"

	"github.com/vietddude/ingestkit/internal/etl/inbox"
	"github.com/vietddude/ingestkit/internal/infra/httpclient"
	redisclient "github.com/vietddude/ingestkit/internal/infra/redis"
	"github.com/vietddude/ingestkit/internal/infra/storage/postgres"
)

// Load log store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Owner    string             `yaml:"owner"`
	Store    string             `yaml:"store"    validate:"oneof=postgres redis memory"`
	Guard    GuardConfig        `yaml:"guard"`
	Logging  LoggingConfig      `yaml:"logging"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	HTTP     HTTPConfig         `yaml:"http"`
	Inbox    inbox.Config       `yaml:"inbox"    validate:"-"`
	Jobs     []JobConfig        `yaml:"jobs"     validate:"dive"`
}

// GuardConfig holds process-once settings.
type GuardConfig struct {
	// StaleAfter is how long a row may stay pending before it is reported.
	StaleAfter time.Duration `yaml:"stale_after" validate:"gte=0"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// MetricsConfig holds the metrics server settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"    validate:"gte=0,lte=65535"`
}

// HTTPConfig holds outbound client settings. Integrations override Defaults per name.
type HTTPConfig struct {
	Defaults     httpclient.Config            `yaml:"defaults"`
	Integrations map[string]httpclient.Config `yaml:"integrations" validate:"dive" ignored:"true"`
}

// JobConfig describes a named fetch job runnable with `ingest fetch <name>`.
type JobConfig struct {
	Name        string            `yaml:"name"         validate:"required"`
	Source      string            `yaml:"source"       validate:"required"`
	Integration string            `yaml:"integration"`
	URL         string            `yaml:"url"          validate:"required,url"`
	Params      map[string]string `yaml:"params"`
	Dest        string            `yaml:"dest"`
	NoProbe     bool              `yaml:"no_probe"`
	OnDuplicate string            `yaml:"on_duplicate" validate:"omitempty,oneof=skip update_meta"`
	Extra       map[string]string `yaml:"extra"`
}

// Job returns the job named name.
func (c *AppConfig) Job(name string) (JobConfig, bool) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, true
		}
	}
	return JobConfig{}, false
}
