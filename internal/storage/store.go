package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode=WAL`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys=ON`
	pragmaBusyTimeout    = `PRAGMA busy_timeout=5000`
	pragmaSynchronous    = `PRAGMA synchronous=NORMAL`

	wrappedKeyBundleMetaKey = "wrapped_master_key"
)

// Store is the SQLite implementation of KV.
type Store struct {
	db   *sql.DB
	path string
}

var _ KV = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open storage: empty path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open storage: create parent dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := RunMigrations(context.Background(), db, DefaultMigrations()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureDBPermissions(path); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, path: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, nowUTCString())
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv_entries ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("list keys: scan row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: iterate rows: %w", err)
	}
	return keys, nil
}

func (s *Store) StoreWrappedKey(ctx context.Context, bundle WrappedKeyBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("store wrapped key: marshal: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO kv_meta(key, value) VALUES(?, ?)`, wrappedKeyBundleMetaKey, string(data)); err != nil {
		return fmt.Errorf("store wrapped key: %w", err)
	}
	return nil
}

// LoadWrappedKey returns ErrNotFound when the store was never initialised
// with a master key.
func (s *Store) LoadWrappedKey(ctx context.Context) (WrappedKeyBundle, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_meta WHERE key = ?`, wrappedKeyBundleMetaKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return WrappedKeyBundle{}, ErrNotFound
	}
	if err != nil {
		return WrappedKeyBundle{}, fmt.Errorf("load wrapped key: %w", err)
	}
	var bundle WrappedKeyBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		return WrappedKeyBundle{}, fmt.Errorf("load wrapped key: unmarshal: %w", err)
	}
	return bundle, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{pragmaJournalModeWAL, pragmaForeignKeysOn, pragmaBusyTimeout, pragmaSynchronous}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("configure sqlite %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureDBPermissions(path string) error {
	if err := os.Chmod(path, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set db file permissions: %w", err)
		}
	}

	walPath := path + "-wal"
	if err := os.Chmod(walPath, 0o600); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("set wal file permissions: %w", err)
		}
	}
	return nil
}
