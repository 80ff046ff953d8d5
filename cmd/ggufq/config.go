package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// configEnv names a config file that replaces the default location.
const configEnv = "GGUFQ_CONFIG"

// Config is the optional file at ~/.config/ggufq/config.yaml. Values only
// apply to flags that were not set on the command line.
type Config struct {
	Quantization string `yaml:"quantization"`
	Mode         string `yaml:"mode"`
	Workers      *int   `yaml:"workers"`
	MetricsFile  string `yaml:"metrics_file"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ggufq", "config.yaml")
}

// LoadConfig reads the config file. A missing file yields a zero Config; a file
// that exists but does not parse is an error.
func LoadConfig() (Config, error) {
	path := configPath()
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyQuantizeConfig fills quantize flags from cfg when they were not set.
func applyQuantizeConfig(c *cli.Command, cfg Config, quantization, mode *string, workers *int, metricsFile *string) {
	if cfg.Quantization != "" && !c.IsSet("quantization") {
		*quantization = cfg.Quantization
	}
	if cfg.Mode != "" && !c.IsSet("mode") {
		*mode = cfg.Mode
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		*workers = *cfg.Workers
	}
	if cfg.MetricsFile != "" && !c.IsSet("metrics-file") {
		*metricsFile = cfg.MetricsFile
	}
}

type configKey struct{}

func withConfig(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) Config {
	cfg, _ := ctx.Value(configKey{}).(Config)
	return cfg
}
