// Copyright 2026 El Molino SRL
// SPDX-License-Identifier: Apache-2.0

// Package config loads the operator configuration for the quotesync binary
// from a YAML file and QUOTESYNC_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is everything the CLI needs to wire the engine.
type Config struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	SpreadsheetID   string        `mapstructure:"spreadsheet_id"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	HeadersSheet    string        `mapstructure:"headers_sheet"`
	DetailsSheet    string        `mapstructure:"details_sheet"`
	ConfigSheet     string        `mapstructure:"config_sheet"`
	Timezone        string        `mapstructure:"timezone"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout"`
	LogFile         string        `mapstructure:"log_file"`
	LogLevel        string        `mapstructure:"log_level"`
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("timezone", "America/Argentina/Buenos_Aires")
	v.SetDefault("remote_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("QUOTESYNC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required (QUOTESYNC_DATABASE_URL)")
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet_id is required (QUOTESYNC_SPREADSHEET_ID)")
	}
	return &cfg, nil
}
