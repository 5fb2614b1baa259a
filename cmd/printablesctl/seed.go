package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/briangreenhill/printables/internal/catalog"
	"github.com/briangreenhill/printables/internal/catalog/sqlitestore"
)

// seedEntry mirrors catalog.Entry with the asset key exposed
type seedEntry struct {
	catalog.Entry
	AssetKey string `json:"assetKey"`
}

func newSeedCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "seed <entries.json>",
		Short: "Load catalog entries into a local SQLite catalog",
		Long: `Upsert catalog entries from a JSON array into the SQLite catalog the API
server reads when DATABASE_URL is unset. Run revalidate afterwards if the
server is already caching pages.`,
		Example: "  printablesctl seed --db printables.db testdata/catalog.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var entries []seedEntry
			if err := json.Unmarshal(b, &entries); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}

			store, err := sqlitestore.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, se := range entries {
				e := se.Entry
				e.AssetKey = se.AssetKey
				if err := store.Insert(cmd.Context(), e); err != nil {
					return fmt.Errorf("entry %q: %w", e.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d entries into %s\n", len(entries), dbPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", envOr("CATALOG_SQLITE_PATH", "printables.db"), "SQLite catalog path (env CATALOG_SQLITE_PATH)")
	return cmd
}
