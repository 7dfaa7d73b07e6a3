package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/ingestkit/internal/core/guard"
)

// EnvPrefix prefixes environment overrides, e.g. INGEST_DATABASE_URL.
const EnvPrefix = "INGEST"

// Load reads configuration from a YAML file, applies environment overrides
// and defaults, and validates the result. An empty path skips the file.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Owner == "" {
		cfg.Owner = guard.DefaultOwner()
	}
	if cfg.Store == "" {
		switch {
		case cfg.Database.URL != "":
			cfg.Store = StorePostgres
		case cfg.Redis.URL != "":
			cfg.Store = StoreRedis
		default:
			cfg.Store = StoreMemory
		}
	}
	if cfg.Guard.StaleAfter == 0 {
		cfg.Guard.StaleAfter = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	for i := range cfg.Jobs {
		if cfg.Jobs[i].Integration == "" {
			cfg.Jobs[i].Integration = cfg.Jobs[i].Source
		}
	}
}

// Validate checks struct tags and cross-field requirements.
func Validate(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if cfg.Store == StorePostgres && cfg.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for the postgres store"))
	}
	if cfg.Store == StoreRedis && cfg.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required for the redis store"))
	}
	seen := make(map[string]bool, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		if seen[j.Name] {
			errs = append(errs, fmt.Errorf("duplicate job name %q", j.Name))
		}
		seen[j.Name] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
