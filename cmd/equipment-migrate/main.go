// Command equipment-migrate rewrites legacy offer equipment JSON into the tagged schema.
//
// It is run once per database. Rows it cannot interpret are left untouched and listed,
// and the command exits non-zero so they get fixed by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leazr/cmd/internal/app"
	"leazr/cmd/internal/equipment"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "equipment-migrate:", err)
		os.Exit(1)
	}
}

func run() error {
	if err := app.LoadDotEnv(); err != nil {
		return err
	}

	def := equipment.DefaultMigrateConfig()
	var (
		dbURL   = flag.String("db", app.EnvString("LIVECHAT_DATABASE_URL", ""), "Postgres URL (default $LIVECHAT_DATABASE_URL)")
		table   = flag.String("table", def.Table, "table holding offers, optionally schema-qualified")
		idCol   = flag.String("id-column", def.IDColumn, "primary key column")
		column  = flag.String("column", def.Column, "jsonb column with the equipment list")
		batch   = flag.Int("batch", def.BatchSize, "rows per transaction")
		dryRun  = flag.Bool("dry-run", false, "roll back every batch")
		timeout = flag.Duration("timeout", 30*time.Minute, "overall deadline")
		level   = flag.String("log-level", app.EnvString("LIVECHAT_LOG_LEVEL", "info"), "log level")
	)
	flag.Parse()

	if *dbURL == "" {
		return errors.New("missing -db (or LIVECHAT_DATABASE_URL)")
	}

	log := app.NewLogger(*level, app.EnvString("LIVECHAT_LOG_FORMAT", "pretty"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	pool, err := app.NewDBPool(ctx, app.Config{DatabaseURL: *dbURL, DBMaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	stats, err := equipment.MigrateTable(ctx, pool, equipment.MigrateConfig{
		Table:     *table,
		IDColumn:  *idCol,
		Column:    *column,
		BatchSize: *batch,
		DryRun:    *dryRun,
	}, log)
	if err != nil {
		return err
	}

	log.Info("equipment.migrate.done",
		"scanned", stats.Scanned,
		"rewritten", stats.Rewritten,
		"unchanged", stats.Unchanged,
		"failed", stats.Failed,
		"dry_run", *dryRun,
		"shapes", stats.Shapes,
	)

	if stats.Failed > 0 {
		return fmt.Errorf("%d rows could not be migrated: %v", stats.Failed, stats.FailedIDs)
	}
	return nil
}
