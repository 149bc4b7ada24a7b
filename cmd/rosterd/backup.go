package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/schema"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot management",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Take a snapshot of the database",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		snap, err := a.engine.CreateBackup(context.Background(), schema.SnapshotManual)
		if err != nil {
			fatalf("backup failed: %v", err)
		}
		if snap == nil {
			fmt.Println("Snapshot skipped: no data change since last snapshot")
			return
		}
		fmt.Printf("Snapshot %s created (%d bytes", snap.ID, snap.Size)
		if snap.Note != "" {
			fmt.Printf(", %s", snap.Note)
		}
		fmt.Println(")")
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		snaps, err := a.engine.ListBackups(context.Background())
		if err != nil {
			fatalf("%v", err)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots")
			return
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  %-9s  %8d bytes  %s\n",
				s.ID, s.CreatedAt.Format(time.RFC3339), s.Kind, s.Size, s.Name)
		}
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore the database from a snapshot",
	Long: `Replace the live database with a snapshot's contents.

The snapshot's checksum is verified before anything is written; a corrupt
snapshot aborts the restore and leaves the live database untouched.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.engine.RestoreBackup(context.Background(), args[0]); err != nil {
			fatalf("restore failed: %v", err)
		}
		fmt.Printf("Restored snapshot %s\n", args[0])
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <snapshot-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		if err := a.engine.DeleteBackup(context.Background(), args[0]); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Deleted snapshot %s\n", args[0])
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupRestoreCmd)
	backupCmd.AddCommand(backupDeleteCmd)
}
