// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads engine configuration from YAML with environment
// overrides.
//
// Precedence, lowest to highest: built-in defaults, the YAML file,
// TILLER_* environment variables. The merged result is validated as one
// unit before use.
//
// Thread Safety:
//
//	Load returns a value; the Config struct itself is immutable after
//	loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize is the maximum allowed configuration file size (1MB).
const MaxYAMLFileSize = 1024 * 1024

// Config is the engine's runtime configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// Storage configures the embedded database.
	Storage StorageConfig `yaml:"storage"`

	// Engine configures plan execution.
	Engine EngineConfig `yaml:"engine"`

	// Tools configures the tool layer.
	Tools ToolsConfig `yaml:"tools"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host" validate:"required"`

	// Port is the listen port.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig configures the embedded database.
type StorageConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string `yaml:"path" validate:"required_unless=InMemory true"`

	// InMemory disables persistence. For testing.
	InMemory bool `yaml:"in_memory"`
}

// EngineConfig configures plan execution.
type EngineConfig struct {
	// MaxParallel bounds simultaneously dispatched steps.
	MaxParallel int `yaml:"max_parallel" validate:"gte=1,lte=64"`

	// AutoConfirm executes confirmation-gated tools during plan runs
	// without parking them at the gate.
	AutoConfirm bool `yaml:"auto_confirm"`

	// RiskDurationThreshold is the total-duration bar above which a
	// deadline goal is flagged as a risk factor.
	RiskDurationThreshold time.Duration `yaml:"risk_duration_threshold" validate:"gt=0"`

	// StateRoots are the directories the drift sampler fingerprints.
	StateRoots []string `yaml:"state_roots"`
}

// ToolsConfig configures the tool layer.
type ToolsConfig struct {
	// FileRoot confines file tools to a directory tree.
	FileRoot string `yaml:"file_root" validate:"required"`

	// DefaultTimeout bounds attempts for tools without a declared
	// timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" validate:"gt=0"`

	// RatePerSecond caps invocations per second across all tools.
	// Zero disables global rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`

	// RateBurst is the limiter burst size.
	RateBurst int `yaml:"rate_burst" validate:"gte=0"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Dir receives log files. Empty disables file logging.
	Dir string `yaml:"dir"`

	// JSON forces JSON output even on a terminal.
	JSON bool `yaml:"json"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8480,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Path: "data/tiller",
		},
		Engine: EngineConfig{
			MaxParallel:           4,
			AutoConfirm:           true,
			RiskDurationThreshold: 30 * time.Minute,
			StateRoots:            []string{"."},
		},
		Tools: ToolsConfig{
			FileRoot:       "workspace",
			DefaultTimeout: 30 * time.Second,
			RatePerSecond:  0,
			RateBurst:      1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// TILLER_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
		if info.Size() > MaxYAMLFileSize {
			return Config{}, fmt.Errorf("config %s exceeds %d bytes", path, MaxYAMLFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a configuration as one unit.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv overrides fields from TILLER_* environment variables.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("TILLER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TILLER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TILLER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("TILLER_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TILLER_MAX_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TILLER_MAX_PARALLEL: %w", err)
		}
		cfg.Engine.MaxParallel = n
	}
	if v := os.Getenv("TILLER_AUTO_CONFIRM"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TILLER_AUTO_CONFIRM: %w", err)
		}
		cfg.Engine.AutoConfirm = b
	}
	if v := os.Getenv("TILLER_FILE_ROOT"); v != "" {
		cfg.Tools.FileRoot = v
	}
	if v := os.Getenv("TILLER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TILLER_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	return nil
}
