package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/config"
	"github.com/rosterd/rosterd/internal/logging"
	"github.com/rosterd/rosterd/internal/remote"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remote sync server",
	Long: `Run the envelope store other devices sync against. Envelopes are
persisted one file per device under the data directory. Connect a browser
to /ws to observe sync activity live.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configDir)
		if err != nil {
			fatalf("%v", err)
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			fatalf("failed to create data directory: %v", err)
		}

		store, err := remote.NewFileStore(filepath.Join(cfg.DataDir, "envelopes"))
		if err != nil {
			fatalf("%v", err)
		}

		srv := remote.NewServer(&remote.Config{
			Port:   servePort,
			Secret: cfg.Remote.Secret,
			Store:  store,
			Logger: logging.New(cfg.Log, "[remote] "),
		})
		if err := srv.Start(); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Sync server listening on %s\n", srv.Addr())

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		if err := srv.Stop(); err != nil {
			fatalf("shutdown failed: %v", err)
		}
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8787, "port to listen on")
}
