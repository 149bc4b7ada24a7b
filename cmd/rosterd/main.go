// Command rosterd manages the local personnel database: versioned storage,
// imports, snapshots, and synchronization with a remote envelope store.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/backup"
	"github.com/rosterd/rosterd/internal/config"
	"github.com/rosterd/rosterd/internal/engine"
	"github.com/rosterd/rosterd/internal/importer"
	"github.com/rosterd/rosterd/internal/logging"
	"github.com/rosterd/rosterd/internal/resolve"
	"github.com/rosterd/rosterd/internal/store"
	"github.com/rosterd/rosterd/internal/synchttp"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "rosterd",
	Short: "Local-first personnel data manager",
	Long: `rosterd keeps the personnel database in a local versioned store,
reconciles external imports against it, snapshots it for recovery, and
synchronizes it with a remote envelope store when one is configured.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory containing rosterd.yaml")

	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	logger *log.Logger
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

// openApp loads config, opens the store, and wires the engine.
func openApp() (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := logging.New(cfg.Log, "[rosterd] ")

	st, err := store.Open(filepath.Join(cfg.DataDir, "rosterd.db"), logger)
	if err != nil {
		return nil, err
	}

	retention := backup.Retention{
		MaxCount: cfg.Backup.MaxCount,
		MaxAge:   time.Duration(cfg.Backup.MaxAgeDays) * 24 * time.Hour,
	}
	backups := backup.New(st, retention, logger)

	var client *synchttp.Client
	if cfg.Remote.BaseURL != "" {
		deviceID, err := loadDeviceID(cfg)
		if err != nil {
			st.Close()
			return nil, err
		}
		client = synchttp.New(cfg.Remote.BaseURL, deviceID, cfg.Remote.Secret, cfg.Remote.Timeout(), logger)
	}

	normalizer := importer.New(resolve.New(logger), logger)
	eng := engine.New(st, backups, client, normalizer, logger)

	return &app{cfg: cfg, store: st, engine: eng, logger: logger}, nil
}

// loadDeviceID returns the configured device id, or generates one on first
// run and persists it in the data directory.
func loadDeviceID(cfg *config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	path := filepath.Join(cfg.DataDir, "device_id")
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return string(data), nil
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
