// Package config loads the strand CLI configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the default name of the configuration file.
	ConfigFileName = "strand.yml"

	// DefaultAdminAddr is the default admin listener address.
	DefaultAdminAddr = ":9090"
)

// Duration wraps time.Duration so YAML values like "30s" (or raw
// nanoseconds) decode.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var i int64
	if err := value.Decode(&i); err == nil {
		*d = Duration(time.Duration(i))
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the strand.yml configuration for the serve command.
// Values are layered: defaults, then file, then command-line flags.
type Config struct {
	// Ports are the HTTP listen ports, one listen endpoint each.
	Ports []int `yaml:"ports,omitempty"`

	// Workers is the number of worker loops. Zero handles requests on the
	// listening loops.
	Workers int `yaml:"workers,omitempty"`

	// Policy is the worker selection policy: "round-robin" or "ip-hash".
	Policy string `yaml:"policy,omitempty"`

	// AdminAddr is the address of the admin listener (health, metrics,
	// pprof). Empty disables it.
	AdminAddr string `yaml:"admin_addr,omitempty"`

	// ReadTimeout is the per-connection read deadline.
	ReadTimeout Duration `yaml:"read_timeout,omitempty"`

	// WriteTimeout is the per-response write deadline.
	WriteTimeout Duration `yaml:"write_timeout,omitempty"`

	// MaxBodySize is the maximum request body size in bytes.
	MaxBodySize int64 `yaml:"max_body_size,omitempty"`

	// LogLevel is the slog level: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ports:     []int{8080},
		Workers:   0,
		Policy:    "round-robin",
		AdminAddr: DefaultAdminAddr,
		LogLevel:  "info",
	}
}

// Load reads path and layers it over the defaults. A missing file at the
// default path is not an error; a missing file at an explicitly given path
// is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = ConfigFileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if len(c.Ports) == 0 {
		return fmt.Errorf("config: at least one port is required")
	}
	for _, p := range c.Ports {
		if p < 0 || p > 65535 {
			return fmt.Errorf("config: invalid port %d", p)
		}
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative")
	}
	switch c.Policy {
	case "", "round-robin", "ip-hash":
	default:
		return fmt.Errorf("config: unknown policy %q", c.Policy)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}
