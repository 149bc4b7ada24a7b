package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/autosync"
	"github.com/rosterd/rosterd/internal/synchttp"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Remote synchronization",
}

var syncUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Upload the local database unconditionally",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		res, err := a.engine.SyncUp(context.Background())
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		fmt.Printf("Uploaded %d bytes (ts=%s)\n", len(res.Payload), res.Timestamp.Format(time.RFC3339))
	},
}

var syncDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Download the remote database and replace the local one",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		res, err := a.engine.SyncDown(context.Background())
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		if res.Status == synchttp.StatusConflictDetected {
			fmt.Printf("Remote envelope is older than local data (local ts=%s, remote ts=%s); nothing changed\n",
				res.Timestamp.Format(time.RFC3339), res.RemoteTimestamp.Format(time.RFC3339))
			fmt.Println("Use 'sync smart --keep local' to push local data, or --keep remote to take the remote side")
			return
		}
		if len(res.Payload) == 0 {
			fmt.Println("No remote data yet")
			return
		}
		fmt.Printf("Downloaded %d bytes (ts=%s)\n", len(res.Payload), res.Timestamp.Format(time.RFC3339))
	},
}

var syncSmartKeep string

var syncSmartCmd = &cobra.Command{
	Use:   "smart",
	Short: "Timestamp-arbitrated sync",
	Long: `Propose the local database to the remote. The write is accepted when
the local logical timestamp is at least as new as the remote's; otherwise a
conflict is reported with both timestamps and nothing is changed.

Use --keep local|remote to settle a reported conflict.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		ctx := context.Background()
		res, err := a.engine.SmartSync(ctx)
		if err != nil {
			fatalf("sync failed: %v", err)
		}
		if res.Status != synchttp.StatusConflictDetected {
			fmt.Printf("Synced (ts=%s)\n", res.Timestamp.Format(time.RFC3339))
			return
		}

		fmt.Printf("Conflict: local ts=%s, remote ts=%s\n",
			res.Timestamp.Format(time.RFC3339), res.RemoteTimestamp.Format(time.RFC3339))
		switch syncSmartKeep {
		case "":
			fmt.Println("Re-run with --keep local or --keep remote to resolve")
		case "local", "remote":
			if err := a.engine.ResolveConflict(ctx, res, syncSmartKeep == "local"); err != nil {
				fatalf("resolve failed: %v", err)
			}
			fmt.Printf("Conflict resolved: kept %s\n", syncSmartKeep)
		default:
			fatalf("--keep must be local or remote")
		}
	},
}

var syncAutoCmd = &cobra.Command{
	Use:   "auto",
	Short: "Run the background sync and import daemon",
	Long: `Run until interrupted: pull from the remote on a fixed interval and
import JSON payloads dropped into the inbox directory. The daemon never
uploads on its own.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		cfg := autosync.DefaultConfig()
		cfg.SyncInterval = a.cfg.Sync.Interval()
		cfg.InboxDir = a.cfg.InboxDir
		cfg.Logger = a.logger

		daemon, err := autosync.New(a.engine, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		if err := daemon.Start(cmd.Context()); err != nil {
			fatalf("daemon failed: %v", err)
		}
	},
}

func init() {
	syncSmartCmd.Flags().StringVar(&syncSmartKeep, "keep", "", "resolve a conflict by keeping 'local' or 'remote'")

	syncCmd.AddCommand(syncUpCmd)
	syncCmd.AddCommand(syncDownCmd)
	syncCmd.AddCommand(syncSmartCmd)
	syncCmd.AddCommand(syncAutoCmd)
}
