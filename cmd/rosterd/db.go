package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/schema"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or upgrade the local database",
	Long: `Open the local database, creating it if missing and applying any
pending schema upgrades. Safe to run repeatedly.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		version, err := a.store.SchemaVersion(context.Background())
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Database ready at %s (schema version %d)\n", a.store.Path(), version)
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		ctx := context.Background()
		version, err := a.store.SchemaVersion(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		collections, err := a.store.Collections(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		info, _ := os.Stat(a.store.Path())
		fmt.Printf("Database: %s\n", a.store.Path())
		if info != nil {
			fmt.Printf("Size:     %d bytes\n", info.Size())
		}
		fmt.Printf("Schema:   version %d\n", version)
		fmt.Println("Collections:")
		for _, c := range collections {
			fmt.Printf("  %-12s %5d records (since v%d)\n", c.Name, c.Count, c.Version)
		}
	},
}

var dbAddCmd = &cobra.Command{
	Use:   "add <personnel.json>",
	Short: "Add a personnel record from a JSON file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		p, err := schema.ReadPersonnelFile(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		ctx := context.Background()
		db, err := a.engine.Load(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		if _, exists := db.Personnel[p.ID]; exists {
			fatalf("personnel %s already exists", p.ID)
		}
		db.Personnel[p.ID] = p
		if err := a.engine.Save(ctx, db); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Added %s (%s)\n", p.Name, p.ID)
	},
}

func init() {
	dbCmd.AddCommand(dbInitCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbAddCmd)
}
