// Command signalwatchctl is an operator CLI over the detection catalog
// and pack activation store: list shipped packs, enable/disable a pack
// for a tenant, and adjust per-rule severity overrides.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"signalwatch/config"
	"signalwatch/detect"
	"signalwatch/storage"
)

// CLI output formatters, grounded on the teacher's cmd/feeds.go set.
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Persistent flags shared by every subcommand.
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

const defaultTimeout = 30 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "signalwatchctl",
		Short: "Operate signalwatch's detection packs",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file path (unused, env vars are authoritative; kept for parity with operator tooling)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-essential output")

	root.AddCommand(newPacksCmd())

	if err := root.Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// deps bundles the catalog and activation store every packs subcommand
// needs; initDeps returns it together with a cleanup function that
// closes the database connection.
type deps struct {
	catalog         *detect.Catalog
	activationStore *storage.ActivationStore
}

// initDeps opens a direct connection to the already-migrated database
// (it does not run migrations itself — that's the running service's
// job) and loads the embedded catalog, mirroring the teacher's
// initFeedManager construct-then-cleanup shape.
func initDeps(ctx context.Context) (*deps, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DBURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	catalog, err := detect.LoadCatalog()
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load detection catalog: %w", err)
	}

	sugar := zap.NewNop().Sugar()
	d := &deps{
		catalog:         catalog,
		activationStore: storage.NewActivationStore(db, sugar),
	}
	cleanup := func() { db.Close() }
	return d, cleanup, nil
}

// outputAsJSON writes data to stdout as indented JSON, matching the
// teacher's --json convention across every subcommand.
func outputAsJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
