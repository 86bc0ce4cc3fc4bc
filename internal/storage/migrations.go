package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

const schemaVersionMetaKey = "schema_version"

// Migration is a physical schema step of the SQLite primitive. Data
// migrations over stored values live in internal/migration.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

var schemaSteps = []Migration{
	{
		Version:     1,
		Description: "create kv entries",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS kv_entries (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`)
			if err != nil {
				return fmt.Errorf("create kv_entries: %w", err)
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "index kv entries by update time",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_entries_updated_at ON kv_entries(updated_at)`); err != nil {
				return fmt.Errorf("create kv updated_at index: %w", err)
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "create audit events",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS audit_events (
				id TEXT PRIMARY KEY,
				action TEXT NOT NULL,
				target_type TEXT NOT NULL DEFAULT '',
				target_id TEXT NOT NULL DEFAULT '',
				result TEXT NOT NULL,
				details_json TEXT NOT NULL DEFAULT '{}',
				prev_hash TEXT NOT NULL DEFAULT '',
				event_hash TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`)
			if err != nil {
				return fmt.Errorf("create audit_events: %w", err)
			}
			if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`); err != nil {
				return fmt.Errorf("create audit action index: %w", err)
			}
			return nil
		},
	},
}

func DefaultMigrations() []Migration {
	return append([]Migration(nil), schemaSteps...)
}

func CurrentSchemaVersion() int {
	return latestVersion(schemaSteps)
}

// RunMigrations applies every step newer than the recorded schema version,
// one transaction per step. A failing step leaves earlier steps committed
// and the version pointing at the last good one.
func RunMigrations(ctx context.Context, db *sql.DB, steps []Migration) error {
	if db == nil {
		return errors.New("run migrations: db is nil")
	}
	if err := bootstrapMeta(ctx, db); err != nil {
		return err
	}

	current, err := readSchemaVersion(db)
	if err != nil {
		return err
	}

	pending := append([]Migration(nil), steps...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })
	if latest := latestVersion(pending); current > latest {
		return fmt.Errorf("%w: db=%d code=%d", ErrSchemaTooNew, current, latest)
	}

	for _, step := range pending {
		if step.Version <= current {
			continue
		}
		if err := applyStep(ctx, db, step); err != nil {
			return err
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step Migration) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema v%d: begin: %w", step.Version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err := step.Up(tx); err != nil {
		return fmt.Errorf("schema v%d (%s): %w", step.Version, step.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
		step.Version, nowUTCString()); err != nil {
		return fmt.Errorf("schema v%d: record: %w", step.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE kv_meta SET value = ? WHERE key = ?`,
		strconv.Itoa(step.Version), schemaVersionMetaKey); err != nil {
		return fmt.Errorf("schema v%d: bump version: %w", step.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("schema v%d: commit: %w", step.Version, err)
	}
	return nil
}

// bootstrapMeta creates the tables the runner itself depends on.
func bootstrapMeta(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS kv_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`,
		`INSERT OR IGNORE INTO kv_meta(key, value) VALUES('` + schemaVersionMetaKey + `', '0')`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema metadata: %w", err)
		}
	}
	return nil
}

func readSchemaVersion(db *sql.DB) (int, error) {
	var raw string
	if err := db.QueryRow(`SELECT value FROM kv_meta WHERE key = ?`, schemaVersionMetaKey).Scan(&raw); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse schema version %q: %w", raw, err)
	}
	return version, nil
}

func latestVersion(steps []Migration) int {
	latest := 0
	for _, step := range steps {
		latest = max(latest, step.Version)
	}
	return latest
}

func nowUTCString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
