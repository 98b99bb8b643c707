// Package config loads the kevlar configuration file.
//
// The file is YAML. A missing file is not an error; defaults apply.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Config is the content of kevlar.yaml.
type Config struct {
	// DataDir is the database root directory.
	DataDir string `yaml:"data_dir" json:"data_dir" jsonschema:"description=Database root directory"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`

	// Storage tunes the storage engine.
	Storage Storage `yaml:"storage" json:"storage"`
}

// Storage tunes write coalescing and durability.
type Storage struct {
	// CommitDelay is how long mutations are buffered before being flushed.
	CommitDelay Duration `yaml:"commit_delay" json:"commit_delay" jsonschema:"description=Debounce delay before flushing buffered mutations (Go duration)"`

	// MaxRetryDelay caps the backoff between retries of a failed flush.
	MaxRetryDelay Duration `yaml:"max_retry_delay" json:"max_retry_delay" jsonschema:"description=Maximum delay between retries of a failed flush (Go duration)"`

	// Sync calls fsync on every flushed file.
	Sync bool `yaml:"sync" json:"sync" jsonschema:"description=fsync every flushed file"`
}

// Duration is a time.Duration written as a Go duration string, e.g. "1s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:    "string",
		Pattern: `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
	}
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
		Storage: Storage{
			CommitDelay:   Duration(time.Second),
			MaxRetryDelay: Duration(time.Minute),
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level: %q", c.LogLevel)
	}
	if c.Storage.CommitDelay <= 0 {
		return errors.New("storage.commit_delay must be positive")
	}
	if c.Storage.MaxRetryDelay < c.Storage.CommitDelay {
		return errors.New("storage.max_retry_delay must be at least storage.commit_delay")
	}
	return nil
}

// Load reads the configuration at path on top of the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the command line
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

// Schema returns the JSON schema of the configuration file, for editor
// integration.
func Schema() ([]byte, error) {
	r := jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	s := r.Reflect(&Config{})
	s.Title = "kevlar configuration"
	return json.MarshalIndent(s, "", "  ")
}
