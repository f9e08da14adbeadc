// Package config loads the YAML configuration of the streamrpc command.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	MetricsAddr string        `yaml:"metricsAddr"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	Buffer      int           `yaml:"buffer"`
	// UserFormat is the serialization of example.UserService.
	UserFormat string `yaml:"userFormat"`
}

type ClientConfig struct {
	Target      string        `yaml:"target"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	Format      string        `yaml:"format"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Encoding   string `yaml:"encoding"` // console or json
	File       string `yaml:"file"`     // empty logs to stderr
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       "127.0.0.1:50051",
			Buffer:     128,
			UserFormat: "binary",
		},
		Client: ClientConfig{
			Target:      "tri://127.0.0.1:50051",
			CallTimeout: 5 * time.Second,
			Format:      "binary",
		},
		Log: LogConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr: %w", err))
	}
	if c.Server.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.Server.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.metricsAddr: %w", err))
		}
	}
	if c.Server.IdleTimeout < 0 {
		errs = append(errs, errors.New("server.idleTimeout: must not be negative"))
	}
	if c.Server.Buffer < 0 {
		errs = append(errs, errors.New("server.buffer: must not be negative"))
	}
	if c.Client.CallTimeout < 0 {
		errs = append(errs, errors.New("client.callTimeout: must not be negative"))
	}
	switch c.Log.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.encoding: unknown encoding %q", c.Log.Encoding))
	}
	return multierr.Combine(errs...)
}
