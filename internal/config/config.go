//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"go.bug.st/fetcher"
)

// Config defines configuration for the fetch-artifact CLI.
type Config struct {
	DataDir           string
	LogLevel          slog.Level
	ShutdownGrace     time.Duration
	InactivityTimeout time.Duration
	ChunkSize         int
	Headers           map[string]string
	Artifacts         []Artifact
}

// Artifact describes a single file to keep available in DataDir.
type Artifact struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	Decompress bool   `yaml:"decompress"`
}

// Default returns a Config with sensible defaults. It carries the GeoLite2
// country database as its only artifact.
func Default() Config {
	return Config{
		DataDir:       "data",
		LogLevel:      slog.LevelInfo,
		ShutdownGrace: time.Second,
		ChunkSize:     fetcher.DefaultChunkSize,
		Artifacts: []Artifact{
			{
				Name:       "geolite2.mmdb",
				URL:        "http://geolite.maxmind.com/download/geoip/database/GeoLite2-Country.mmdb.gz",
				Decompress: true,
			},
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	DataDir           string            `yaml:"data_dir"`
	LogLevel          string            `yaml:"log_level"`
	ShutdownGrace     string            `yaml:"shutdown_grace"`
	InactivityTimeout string            `yaml:"inactivity_timeout"`
	ChunkSize         int               `yaml:"chunk_size"`
	Headers           map[string]string `yaml:"headers"`
	Artifacts         []Artifact        `yaml:"artifacts"`
}

// LoadFromFile loads configuration from a YAML file. Settings missing from
// the file keep their default value; a non-empty artifacts list replaces the
// default one.
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

	if yc.DataDir != "" {
		cfg.DataDir = yc.DataDir
	}
	if yc.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(yc.LogLevel)); err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
	}
	if yc.ShutdownGrace != "" {
		d, err := time.ParseDuration(yc.ShutdownGrace)
		if err != nil {
			return Config{}, fmt.Errorf("parse shutdown_grace: %w", err)
		}
		cfg.ShutdownGrace = d
	}
	if yc.InactivityTimeout != "" {
		d, err := time.ParseDuration(yc.InactivityTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse inactivity_timeout: %w", err)
		}
		cfg.InactivityTimeout = d
	}
	if yc.ChunkSize != 0 {
		cfg.ChunkSize = yc.ChunkSize
	}
	if len(yc.Headers) > 0 {
		cfg.Headers = yc.Headers
	}
	if len(yc.Artifacts) > 0 {
		cfg.Artifacts = yc.Artifacts
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the FETCHER_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("FETCHER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FETCHER_LOG_LEVEL"); v != "" {
		if err := c.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("parse FETCHER_LOG_LEVEL: %w", err)
		}
	}
	if v := os.Getenv("FETCHER_SHUTDOWN_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse FETCHER_SHUTDOWN_GRACE: %w", err)
		}
		c.ShutdownGrace = d
	}
	if v := os.Getenv("FETCHER_INACTIVITY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse FETCHER_INACTIVITY_TIMEOUT: %w", err)
		}
		c.InactivityTimeout = d
	}
	if v := os.Getenv("FETCHER_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse FETCHER_CHUNK_SIZE: %w", err)
		}
		c.ChunkSize = n
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.ChunkSize <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.ShutdownGrace < 0 {
		return errors.New("config: shutdown_grace must not be negative")
	}
	if len(c.Artifacts) == 0 {
		return errors.New("config: at least one artifact is required")
	}
	seen := map[string]bool{}
	for i, a := range c.Artifacts {
		if a.Name == "" {
			return fmt.Errorf("config: artifacts[%d]: name is required", i)
		}
		if a.URL == "" {
			return fmt.Errorf("config: artifacts[%d]: url is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("config: artifacts[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// FetcherConfig returns the fetch task configuration described by c,
// starting from the process-wide default.
func (c *Config) FetcherConfig() fetcher.Config {
	fc := fetcher.GetDefaultConfig()
	fc.ChunkSize = c.ChunkSize
	fc.InactivityTimeout = c.InactivityTimeout
	if len(c.Headers) > 0 {
		if fc.ExtraHeaders == nil {
			fc.ExtraHeaders = map[string]string{}
		}
		for k, v := range c.Headers {
			fc.ExtraHeaders[k] = v
		}
	}
	return fc
}
