package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sage-bionetworks/synapse-go/internal/progress"
)

// Config defines configuration for the synapse CLI.
type Config struct {
	Endpoint        string      `yaml:"endpoint"`
	AuthToken       string      `yaml:"auth_token"`
	Workers         int         `yaml:"workers"`
	PartSize        int64       `yaml:"part_size"`
	URLBatchSize    int         `yaml:"url_batch_size"`
	SessionRetries  int         `yaml:"session_retries"`
	Sequential      bool        `yaml:"sequential"`
	Progress        bool        `yaml:"progress"`
	Force           bool        `yaml:"force"`
	StorageLocation int64       `yaml:"storage_location"`
	Retry           RetryConfig `yaml:"retry"`
}

// RetryConfig defines per-request retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Endpoint:       "https://repo-prod.prod.sagebase.org/file/v1",
		Workers:        8,
		PartSize:       0, // derived from file size
		URLBatchSize:   6,
		SessionRetries: 7,
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string part size.
type yamlConfig struct {
	Endpoint        string          `yaml:"endpoint"`
	AuthToken       string          `yaml:"auth_token"`
	Workers         int             `yaml:"workers"`
	PartSize        string          `yaml:"part_size"`
	URLBatchSize    int             `yaml:"url_batch_size"`
	SessionRetries  int             `yaml:"session_retries"`
	Sequential      bool            `yaml:"sequential"`
	Progress        bool            `yaml:"progress"`
	Force           bool            `yaml:"force"`
	StorageLocation int64           `yaml:"storage_location"`
	Retry           yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Endpoint != "" {
		cfg.Endpoint = yc.Endpoint
	}
	if yc.AuthToken != "" {
		cfg.AuthToken = yc.AuthToken
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.PartSize != "" {
		size, err := progress.ParseBytes(yc.PartSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse part_size: %w", err)
		}
		cfg.PartSize = size
	}
	if yc.URLBatchSize != 0 {
		cfg.URLBatchSize = yc.URLBatchSize
	}
	if yc.SessionRetries != 0 {
		cfg.SessionRetries = yc.SessionRetries
	}
	cfg.Sequential = yc.Sequential
	cfg.Progress = yc.Progress
	cfg.Force = yc.Force
	if yc.StorageLocation != 0 {
		cfg.StorageLocation = yc.StorageLocation
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SYNAPSE_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SYNAPSE_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("SYNAPSE_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("SYNAPSE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("SYNAPSE_PART_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_PART_SIZE: %w", err)
		}
		c.PartSize = size
	}
	if v := os.Getenv("SYNAPSE_URL_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_URL_BATCH_SIZE: %w", err)
		}
		c.URLBatchSize = n
	}
	if v := os.Getenv("SYNAPSE_SESSION_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_SESSION_RETRIES: %w", err)
		}
		c.SessionRetries = n
	}
	if v := os.Getenv("SYNAPSE_SEQUENTIAL"); v != "" {
		c.Sequential = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNAPSE_PROGRESS"); v != "" {
		c.Progress = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNAPSE_FORCE"); v != "" {
		c.Force = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNAPSE_STORAGE_LOCATION"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_STORAGE_LOCATION: %w", err)
		}
		c.StorageLocation = n
	}
	if v := os.Getenv("SYNAPSE_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("SYNAPSE_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("SYNAPSE_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SYNAPSE_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("config: endpoint is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.PartSize < 0 {
		return errors.New("config: part_size must not be negative")
	}
	if c.URLBatchSize <= 0 {
		return errors.New("config: url_batch_size must be positive")
	}
	if c.SessionRetries <= 0 {
		return errors.New("config: session_retries must be positive")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Endpoint != "" {
		c.Endpoint = override.Endpoint
	}
	if override.AuthToken != "" {
		c.AuthToken = override.AuthToken
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.PartSize != 0 {
		c.PartSize = override.PartSize
	}
	if override.URLBatchSize != 0 {
		c.URLBatchSize = override.URLBatchSize
	}
	if override.SessionRetries != 0 {
		c.SessionRetries = override.SessionRetries
	}
	if override.Sequential {
		c.Sequential = override.Sequential
	}
	if override.Progress {
		c.Progress = override.Progress
	}
	if override.Force {
		c.Force = override.Force
	}
	if override.StorageLocation != 0 {
		c.StorageLocation = override.StorageLocation
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}
