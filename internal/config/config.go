// Package config loads daemon and CLI settings from rosterd.yaml, with
// ROSTERD_* environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// DataDir holds the database file, snapshots and logs.
	DataDir string `mapstructure:"data_dir"`

	// DeviceID identifies this installation to the remote. Generated on
	// first run if empty.
	DeviceID string `mapstructure:"device_id"`

	Remote RemoteConfig `mapstructure:"remote"`
	Backup BackupConfig `mapstructure:"backup"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Log    LogConfig    `mapstructure:"log"`

	// InboxDir receives external JSON payloads for unattended import.
	InboxDir string `mapstructure:"inbox_dir"`
}

// RemoteConfig points at the sync server.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Secret         string `mapstructure:"secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// BackupConfig tunes snapshot retention.
type BackupConfig struct {
	MaxCount   int `mapstructure:"max_count"`
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// SyncConfig tunes the background sync loop.
type SyncConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Interval returns the sync interval as a duration.
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// LogConfig tunes the rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"` // empty means stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads rosterd.yaml from dir (or the current directory when dir is
// empty), applies environment overrides, and fills defaults. A missing file
// is not an error; defaults plus environment apply.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("rosterd")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("ROSTERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", ".rosterd")
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("backup.max_count", 20)
	v.SetDefault("backup.max_age_days", 90)
	v.SetDefault("sync.interval_seconds", 300)
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
