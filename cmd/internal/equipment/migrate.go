package equipment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrateConfig selects the rows MigrateTable rewrites.
type MigrateConfig struct {
	// Table may be schema-qualified ("public.offers").
	Table    string
	IDColumn string
	// Column holds the equipment JSON and must be jsonb.
	Column    string
	BatchSize int
	// DryRun reports what would change and rolls every batch back.
	DryRun bool
}

// DefaultMigrateConfig targets offers.equipment keyed by offers.id.
func DefaultMigrateConfig() MigrateConfig {
	return MigrateConfig{Table: "offers", IDColumn: "id", Column: "equipment", BatchSize: 200}
}

// MigrateStats summarizes one MigrateTable run.
type MigrateStats struct {
	Scanned   int
	Rewritten int
	Unchanged int
	Failed    int
	Shapes    map[Shape]int
	FailedIDs []string
}

var identRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// MigrateTable rewrites every row of cfg.Table whose equipment is not already a valid tagged
// document. Each batch runs in its own transaction with the rows locked. Rows that cannot be
// migrated are left untouched, logged and listed in the stats.
func MigrateTable(ctx context.Context, pool *pgxpool.Pool, cfg MigrateConfig, log *slog.Logger) (MigrateStats, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultMigrateConfig().BatchSize
	}
	table, err := qualifiedIdent(cfg.Table)
	if err != nil {
		return MigrateStats{}, err
	}
	idCol, err := qualifiedIdent(cfg.IDColumn)
	if err != nil {
		return MigrateStats{}, err
	}
	col, err := qualifiedIdent(cfg.Column)
	if err != nil {
		return MigrateStats{}, err
	}

	selectSQL := fmt.Sprintf(
		`SELECT %[2]s::text, %[3]s::text FROM %[1]s WHERE %[2]s::text > $1 ORDER BY %[2]s::text LIMIT $2 FOR UPDATE`,
		table, idCol, col,
	)
	updateSQL := fmt.Sprintf(`UPDATE %[1]s SET %[3]s = $1::jsonb WHERE %[2]s::text = $2`, table, idCol, col)

	stats := MigrateStats{Shapes: make(map[Shape]int)}
	after := ""

	for {
		n, last, err := migrateBatch(ctx, pool, cfg, log, selectSQL, updateSQL, after, &stats)
		if err != nil {
			return stats, err
		}
		log.Info("equipment.migrate.batch",
			"rows", n,
			"after", after,
			"rewritten", stats.Rewritten,
			"failed", stats.Failed,
			"dry_run", cfg.DryRun,
		)
		if n < cfg.BatchSize {
			return stats, nil
		}
		after = last
	}
}

type rowUpdate struct {
	id  string
	doc []byte
}

func migrateBatch(
	ctx context.Context,
	pool *pgxpool.Pool,
	cfg MigrateConfig,
	log *slog.Logger,
	selectSQL, updateSQL, after string,
	stats *MigrateStats,
) (int, string, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, selectSQL, after, cfg.BatchSize)
	if err != nil {
		return 0, "", err
	}

	var (
		n       int
		last    string
		updates []rowUpdate
	)
	for rows.Next() {
		var (
			id  string
			raw *string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return 0, "", err
		}
		n++
		last = id
		stats.Scanned++

		var in []byte
		if raw != nil {
			in = []byte(*raw)
		}

		doc, shape, err := MigrateLegacy(in)
		if err != nil {
			stats.Failed++
			stats.FailedIDs = append(stats.FailedIDs, id)
			log.Warn("equipment.migrate.row.fail", "id", id, "shape", string(shape), "err", err)
			continue
		}
		stats.Shapes[shape]++

		// A row that already decodes strictly is left as stored.
		if shape == ShapeTagged {
			stats.Unchanged++
			continue
		}
		out, err := Encode(doc)
		if err != nil {
			rows.Close()
			return 0, "", err
		}
		updates = append(updates, rowUpdate{id: id, doc: out})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, "", err
	}

	if len(updates) > 0 {
		b := &pgx.Batch{}
		for _, u := range updates {
			b.Queue(updateSQL, string(u.doc), u.id)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return 0, "", fmt.Errorf("update batch: %w", err)
		}
	}
	stats.Rewritten += len(updates)

	if cfg.DryRun {
		return n, last, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, "", err
	}
	return n, last, nil
}

// qualifiedIdent validates and quotes "name" or "schema.name".
func qualifiedIdent(s string) (string, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) > 2 {
		return "", errors.New("equipment: identifier has too many parts: " + s)
	}
	for _, p := range parts {
		if !identRE.MatchString(p) {
			return "", errors.New("equipment: invalid identifier: " + s)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}
