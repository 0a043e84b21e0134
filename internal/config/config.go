// SPDX-License-Identifier: Apache-2.0

// Package config loads pgsync's YAML configuration (connections, backup
// policy, default batch size) via viper, with PGSYNC_* environment
// variables taking precedence over file values. Command-line flags are
// bound to a separate viper instance (cmd/flags) and are not merged into
// Config; the pull and clone commands take their batch size from the
// --batch-size flag only, so the file's batch_size is not applied to them.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Tunnel describes an SSH bastion to reach a source database through.
type Tunnel struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

// Endpoint describes one side of a connection (source or target).
type Endpoint struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Connection is one named entry under connections.<name> in the config file.
type Connection struct {
	Tunnel         *Tunnel  `mapstructure:"tunnel"`
	Source         Endpoint `mapstructure:"source"`
	Target         Endpoint `mapstructure:"target"`
	ExcludedTables []string `mapstructure:"excluded_tables"`
}

// Backup is the backup.* config block.
type Backup struct {
	Path     string `mapstructure:"path"`
	KeepLast int    `mapstructure:"keep_last"`
}

// Config is the fully loaded configuration file.
type Config struct {
	Default     string                `mapstructure:"default"`
	BatchSize   int                   `mapstructure:"batch_size"`
	Backup      Backup                `mapstructure:"backup"`
	Connections map[string]Connection `mapstructure:"connections"`
}

// Load reads pgsync's config from the usual locations (current directory,
// $HOME/.pgsync, /etc/pgsync), applying PGSYNC_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("pgsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.pgsync")
	v.AddConfigPath("/etc/pgsync")

	v.SetEnvPrefix("PGSYNC")
	v.AutomaticEnv()

	v.SetDefault("batch_size", 10000)
	v.SetDefault("backup.keep_last", 5)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Resolve returns the named connection, or the config's default
// connection when name is empty.
func (c *Config) Resolve(name string) (Connection, string, error) {
	if name == "" {
		name = c.Default
	}
	if name == "" {
		return Connection{}, "", fmt.Errorf("no connection name given and no default connection configured")
	}
	conn, ok := c.Connections[name]
	if !ok {
		return Connection{}, "", fmt.Errorf("unknown connection %q", name)
	}
	return conn, name, nil
}

// EffectiveBatchSize returns cfg's configured batch size, or def if cfg is
// nil or unset.
func (c *Config) EffectiveBatchSize(def int) int {
	if c == nil || c.BatchSize == 0 {
		return def
	}
	return c.BatchSize
}
