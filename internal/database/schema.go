package database

import (
	"context"
	"fmt"
	"strings"
)

// coreTables are the relations the hot path cannot run without. The
// bootstrap decision keys on all of them, not a single proxy table, so a
// half-applied schema is caught at startup instead of as mid-ingest
// "relation does not exist" errors.
var coreTables = []string{
	"factories",
	"devices",
	"device_parameters",
	"rules",
	"rule_devices",
	"alerts",
	"rule_cooldowns",
}

// InitSchema bootstraps a fresh database. If none of the core tables
// exist, the embedded schema SQL is applied. If all exist, it's a no-op.
// A partial set means the database is in a state this code did not
// produce (an interrupted bootstrap, or a foreign schema in the same
// database); refusing to run beats guessing.
func (db *DB) InitSchema(ctx context.Context, schemaSQL []byte) error {
	present, missing, err := db.surveyTables(ctx)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	switch {
	case len(missing) == 0:
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	case len(present) == 0:
		db.log.Info().Msg("fresh database detected — applying schema")
		if _, err := db.Pool.Exec(ctx, string(schemaSQL)); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		db.log.Info().Int("tables", len(coreTables)).Msg("schema applied")
		return nil
	default:
		return fmt.Errorf("database has a partial schema (present: %s; missing: %s) — restore or drop it before starting",
			strings.Join(present, ", "), strings.Join(missing, ", "))
	}
}

// surveyTables splits the core tables into present and missing.
func (db *DB) surveyTables(ctx context.Context) (present, missing []string, err error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename = ANY($1)`,
		coreTables)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	found := make(map[string]bool, len(coreTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, nil, err
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, t := range coreTables {
		if found[t] {
			present = append(present, t)
		} else {
			missing = append(missing, t)
		}
	}
	return present, missing, nil
}
