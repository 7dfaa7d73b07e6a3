package httpclient

import (
	"time"

	"github.com/vietddude/ingestkit/internal/infra/httpclient/retry"
)

// Config holds the transport and retry settings of one integration.
// Zero values mean "inherit" when merged over another Config.
type Config struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout"       validate:"gte=0"`
	ReadTimeout          time.Duration `yaml:"read_timeout"          validate:"gte=0"`
	TotalTimeout         time.Duration `yaml:"total_timeout"         validate:"gte=0"`
	MaxConnections       int           `yaml:"max_connections"       validate:"gte=0"`
	KeepaliveConnections int           `yaml:"keepalive_connections" validate:"gte=0"`
	MaxAttempts          int           `yaml:"max_attempts"          validate:"gte=0"`
	BackoffBase          time.Duration `yaml:"backoff_base"          validate:"gte=0"`
	BackoffCap           time.Duration `yaml:"backoff_cap"           validate:"gte=0"`
	Jitter               time.Duration `yaml:"jitter"                validate:"gte=0"`
	RetryableStatuses    []int         `yaml:"retryable_statuses"    validate:"dive,gte=100,lte=599"`
	PoolAcquireTimeout   time.Duration `yaml:"pool_acquire_timeout"  validate:"gte=0"`
	ChunkSize            int           `yaml:"chunk_size"            validate:"gte=0"`
	UserAgent            string        `yaml:"user_agent"`
}

// DefaultConfig provides sensible defaults for marketplace APIs.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       10 * time.Second,
		ReadTimeout:          30 * time.Second,
		TotalTimeout:         2 * time.Minute,
		MaxConnections:       20,
		KeepaliveConnections: 10,
		MaxAttempts:          4,
		BackoffBase:          500 * time.Millisecond,
		BackoffCap:           30 * time.Second,
		RetryableStatuses:    retry.DefaultRetryableStatuses().Codes(),
		PoolAcquireTimeout:   10 * time.Second,
		ChunkSize:            64 * 1024,
		UserAgent:            "ingestkit/1.0",
	}
}

// Merge returns c with every non-zero field of override applied.
func (c Config) Merge(override Config) Config {
	out := c
	if override.ConnectTimeout > 0 {
		out.ConnectTimeout = override.ConnectTimeout
	}
	if override.ReadTimeout > 0 {
		out.ReadTimeout = override.ReadTimeout
	}
	if override.TotalTimeout > 0 {
		out.TotalTimeout = override.TotalTimeout
	}
	if override.MaxConnections > 0 {
		out.MaxConnections = override.MaxConnections
	}
	if override.KeepaliveConnections > 0 {
		out.KeepaliveConnections = override.KeepaliveConnections
	}
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.BackoffBase > 0 {
		out.BackoffBase = override.BackoffBase
	}
	if override.BackoffCap > 0 {
		out.BackoffCap = override.BackoffCap
	}
	if override.Jitter > 0 {
		out.Jitter = override.Jitter
	}
	if len(override.RetryableStatuses) > 0 {
		out.RetryableStatuses = append([]int(nil), override.RetryableStatuses...)
	}
	if override.PoolAcquireTimeout > 0 {
		out.PoolAcquireTimeout = override.PoolAcquireTimeout
	}
	if override.ChunkSize > 0 {
		out.ChunkSize = override.ChunkSize
	}
	if override.UserAgent != "" {
		out.UserAgent = override.UserAgent
	}
	return out
}

func (c Config) policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.MaxAttempts,
		TotalTimeout: c.TotalTimeout,
		BackoffBase:  c.BackoffBase,
		BackoffCap:   c.BackoffCap,
		Jitter:       c.Jitter,
	}
}
