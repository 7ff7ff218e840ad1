package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/lengolf/possync_backend/config"
	"github.com/lengolf/possync_backend/models"
	"github.com/lengolf/possync_backend/salesync"
)

// One-shot loader for the frozen legacy extract. Run once per extract
// file before the first sync cycle; re-running on the same file is a
// no-op because rows are keyed by receipt and line number.
func main() {
	src := flag.String("src", "", "Path to the legacy extract (.xlsx), local file or gs:// object")
	flag.Parse()

	if *src == "" {
		fmt.Fprintln(os.Stderr, "usage: legacy-import -src <extract.xlsx|gs://bucket/object>")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	models.MigrateTable()

	imported, err := salesync.ImportLegacyExtract(ctx, db, *src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		os.Exit(1)
	}

	maxId, err := models.MaxLegacyLineId(ctx, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read extract size: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Imported %d extract rows (highest row id %d)\n", imported, maxId)
}
