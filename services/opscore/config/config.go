// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the opscore service configuration from YAML,
// applies environment overrides, validates it, and watches the file
// for alert-threshold changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// STRUCTS
// =============================================================================

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// RedisConfig selects the production KV backend. An empty Addr keeps
// the in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// QueueConfig selects the job store backend. An empty DataDir keeps
// Badger in memory.
type QueueConfig struct {
	DataDir string `yaml:"dataDir"`
}

// ThresholdsConfig parameterizes the standard alert rules.
type ThresholdsConfig struct {
	CPUPercent          float64 `yaml:"cpuPercent" validate:"gte=0,lte=100"`
	MemoryPercent       float64 `yaml:"memoryPercent" validate:"gte=0,lte=100"`
	ErrorRatePercent    float64 `yaml:"errorRatePercent" validate:"gte=0,lte=100"`
	CacheHitRatePercent float64 `yaml:"cacheHitRatePercent" validate:"gte=0,lte=100"`
	QueueBacklog        float64 `yaml:"queueBacklog" validate:"gte=0"`
}

// MonitoringConfig tunes the façade.
type MonitoringConfig struct {
	CollectIntervalSeconds int              `yaml:"collectIntervalSeconds" validate:"gte=0"`
	HealthIntervalSeconds  int              `yaml:"healthIntervalSeconds" validate:"gte=0"`
	RuleIntervalSeconds    int              `yaml:"ruleIntervalSeconds" validate:"gte=0"`
	EnableOptimization     bool             `yaml:"enableOptimization"`
	Thresholds             ThresholdsConfig `yaml:"thresholds"`
}

// Config is the full opscore configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Port: 12220},
		Monitoring: MonitoringConfig{
			EnableOptimization: true,
		},
	}
}

// CollectInterval converts the configured seconds, zero meaning the
// façade default.
func (m MonitoringConfig) CollectInterval() time.Duration {
	return time.Duration(m.CollectIntervalSeconds) * time.Second
}

// HealthInterval converts the configured seconds.
func (m MonitoringConfig) HealthInterval() time.Duration {
	return time.Duration(m.HealthIntervalSeconds) * time.Second
}

// RuleInterval converts the configured seconds.
func (m MonitoringConfig) RuleInterval() time.Duration {
	return time.Duration(m.RuleIntervalSeconds) * time.Second
}

// =============================================================================
// LOADING
// =============================================================================

var validate = validator.New()

// Load reads path (optional), applies OPSCORE_* environment overrides,
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments override the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OPSCORE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("OPSCORE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("OPSCORE_QUEUE_DATA_DIR"); v != "" {
		cfg.Queue.DataDir = v
	}
	if v := os.Getenv("OPSCORE_ENABLE_OPTIMIZATION"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Monitoring.EnableOptimization = enabled
		}
	}
}

// =============================================================================
// WATCH
// =============================================================================

// Watch re-reads path whenever it changes and calls onChange with the
// new thresholds. Invalid intermediate states (editors often truncate
// before writing) are skipped. The returned stop function releases the
// watcher.
func Watch(path string, logger *slog.Logger, onChange func(ThresholdsConfig)) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload skipped", "path", path, "error", err)
					continue
				}
				logger.Info("config reloaded, applying alert thresholds", "path", path)
				onChange(cfg.Monitoring.Thresholds)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "path", path, "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
