package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rosterd/rosterd/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an external data file",
	Long: `Import a JSON payload or Excel workbook into the local database.

Personnel records are reconciled against the existing entities: confident
matches merge onto their target, unmatched records create new entities, and
ambiguous records are held back for manual review. An automatic snapshot is
taken before anything is written.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := openApp()
		if err != nil {
			fatalf("%v", err)
		}
		defer a.Close()

		path := args[0]
		ctx := context.Background()

		var result *importer.Result
		if strings.HasSuffix(strings.ToLower(path), ".xlsx") {
			f, err := os.Open(path)
			if err != nil {
				fatalf("%v", err)
			}
			defer f.Close()
			result, err = a.engine.ImportWorkbook(ctx, f)
			if err != nil {
				fatalf("import failed: %v", err)
			}
		} else {
			data, err := os.ReadFile(path)
			if err != nil {
				fatalf("%v", err)
			}
			result, err = a.engine.Import(ctx, data)
			if err != nil {
				fatalf("import failed: %v", err)
			}
		}

		fmt.Printf("Import complete\n")
		for name, count := range result.Imported {
			fmt.Printf("  %-12s %d records\n", name, count)
		}
		fmt.Printf("Personnel: %d created, %d merged, %d need review\n",
			result.Created, result.Merged, result.NeedsReview)
		if len(result.Orphans) > 0 {
			fmt.Printf("Orphaned entities (no external counterpart): %d\n", len(result.Orphans))
		}
		if len(result.Skipped) > 0 {
			fmt.Printf("Skipped unrecognized sections: %s\n", strings.Join(result.Skipped, ", "))
		}
	},
}
