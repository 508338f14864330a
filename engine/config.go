// Copyright (C) 2025 Atlasforge Labs (oss@atlasforge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atlasforge/taskengine/cache"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// CacheConfig tunes the in-memory index layer.
type CacheConfig struct {
	MaxBytes          int64    `yaml:"maxBytes"`
	TTL               Duration `yaml:"ttl"`
	MonitorInterval   Duration `yaml:"monitorInterval"`
	PressureThreshold float64  `yaml:"pressureThreshold"`
	ClearCooldown     Duration `yaml:"clearCooldown"`
}

// Config holds engine settings. All fields have working defaults from
// DefaultConfig; a YAML file only needs to override what it changes.
type Config struct {
	// StorePath is the on-disk location for the task store. Ignored when
	// InMemory is true.
	StorePath string `yaml:"storePath"`
	InMemory  bool   `yaml:"inMemory"`

	Cache CacheConfig `yaml:"cache"`

	LogLevel string `yaml:"logLevel"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	opts := cache.DefaultOptions()
	return Config{
		StorePath: "data/tasks",
		Cache: CacheConfig{
			MaxBytes:          opts.MaxBytes,
			TTL:               Duration(opts.TTL),
			MonitorInterval:   Duration(opts.MonitorInterval),
			PressureThreshold: opts.PressureThreshold,
			ClearCooldown:     Duration(opts.ClearCooldown),
		},
		LogLevel: "info",
	}
}

// LoadConfig reads a YAML config file layered over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// CacheOptions converts the cache section to cache.Options.
func (c Config) CacheOptions() cache.Options {
	return cache.Options{
		MaxBytes:          c.Cache.MaxBytes,
		TTL:               time.Duration(c.Cache.TTL),
		MonitorInterval:   time.Duration(c.Cache.MonitorInterval),
		PressureThreshold: c.Cache.PressureThreshold,
		ClearCooldown:     time.Duration(c.Cache.ClearCooldown),
	}
}
