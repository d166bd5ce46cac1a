// Package config loads the polychat YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/snowmerak/polychat/lib/broker"
	"github.com/snowmerak/polychat/lib/logging"
	"github.com/snowmerak/polychat/lib/process"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the whole polychat configuration.
type Config struct {
	Broker  broker.Config  `yaml:"broker"`
	Plugins Plugins        `yaml:"plugins"`
	Log     logging.Config `yaml:"log"`
	Metrics Metrics        `yaml:"metrics"`
}

// Plugins says where plugin executables live and how they are started.
type Plugins struct {
	// Directory holds one subdirectory per plugin. It must be absolute.
	Directory string            `yaml:"directory"`
	Args      []string          `yaml:"args,omitempty"`
	Transport process.Transport `yaml:"transport"`
	SocketDir string            `yaml:"socket_dir"`
}

// Metrics configures the Prometheus endpoint. An empty address disables
// it.
type Metrics struct {
	Address string `yaml:"address"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Broker: broker.DefaultConfig(),
		Plugins: Plugins{
			Transport: process.TransportStdio,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result. Unknown
// keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("%w: broker: %w", ErrInvalidConfig, err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: log: %w", ErrInvalidConfig, err)
	}
	if c.Plugins.Directory != "" && !filepath.IsAbs(c.Plugins.Directory) {
		return fmt.Errorf("%w: plugins.directory %q must be absolute", ErrInvalidConfig, c.Plugins.Directory)
	}
	if !c.Plugins.Transport.Valid() {
		return fmt.Errorf("%w: plugins.transport %q must be %s or %s", ErrInvalidConfig, c.Plugins.Transport, process.TransportStdio, process.TransportUnix)
	}
	return nil
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
