package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRunMigrationsAppliesAllSequentially(t *testing.T) {
	t.Parallel()

	db := openRawTestDB(t)
	defer closeNoErr(t, db)

	err := RunMigrations(context.Background(), db, DefaultMigrations())
	require.NoError(t, err)

	require.Equal(t, CurrentSchemaVersion(), mustSchemaVersion(t, db))
	for _, table := range []string{"kv_meta", "kv_entries", "schema_migrations", "audit_events"} {
		require.Truef(t, tableExists(t, db, table), "expected table %s to exist", table)
	}
}

func TestRunMigrationsIsAtomic(t *testing.T) {
	t.Parallel()

	db := openRawTestDB(t)
	defer closeNoErr(t, db)

	migrations := []Migration{
		{
			Version:     1,
			Description: "create a",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE test_a (id TEXT PRIMARY KEY)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "create b then fail",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`CREATE TABLE test_b (id TEXT PRIMARY KEY)`); err != nil {
					return err
				}
				return errors.New("boom")
			},
		},
	}

	err := RunMigrations(context.Background(), db, migrations)
	require.Error(t, err)
	require.Equal(t, 1, mustSchemaVersion(t, db))
	require.True(t, tableExists(t, db, "test_a"))
	require.False(t, tableExists(t, db, "test_b"))
}

func TestOpenRefusesNewerSchemaVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "finsync.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(context.Background(), db, DefaultMigrations()))
	_, err = db.Exec(`UPDATE kv_meta SET value = ? WHERE key = 'schema_version'`, CurrentSchemaVersion()+1)
	require.NoError(t, err)
	closeNoErr(t, db)

	store, err := Open(path)
	if store != nil {
		t.Cleanup(func() { _ = store.Close() })
	}
	require.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestSQLiteStoreKVContract(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	exerciseKVContract(t, store)
}

func TestMemoryKVContract(t *testing.T) {
	t.Parallel()

	exerciseKVContract(t, NewMemory())
}

func TestSQLiteStoreOverwritesUnconditionally(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "one"))
	require.NoError(t, store.Set(ctx, "k", "two"))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", value)
}

func TestSQLiteStoreConcurrentWriters(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, store.Set(ctx, fmt.Sprintf("key-%02d", i), "v"))
		}(i)
	}
	wg.Wait()

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 20)
}

func TestWrappedKeyRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.LoadWrappedKey(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	bundle := WrappedKeyBundle{Ciphertext: "aa", Nonce: "bb", AAD: "cc", Argon2Salt: "dd", CommitmentTag: "ee", Memory: 65536, Iterations: 3, Parallelism: 1, KeyLen: 32}
	require.NoError(t, store.StoreWrappedKey(ctx, bundle))

	loaded, err := store.LoadWrappedKey(ctx)
	require.NoError(t, err)
	require.Equal(t, bundle, loaded)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys, "meta entries must not leak into the key space")
}

func TestAuditEventsAppendAndFilter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	tip, err := store.AuditChainTip(ctx)
	require.NoError(t, err)
	require.Empty(t, tip)

	first := &AuditEvent{Action: "backup.create", TargetID: "b1", Result: "success", EventHash: "h1"}
	require.NoError(t, store.AppendAuditEvent(ctx, first))
	require.NotEmpty(t, first.ID)
	second := &AuditEvent{Action: "backup.delete", TargetID: "b1", Result: "success", PrevHash: "h1", EventHash: "h2"}
	require.NoError(t, store.AppendAuditEvent(ctx, second))

	tip, err = store.AuditChainTip(ctx)
	require.NoError(t, err)
	require.Equal(t, "h2", tip)

	all, err := store.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "backup.create", all[0].Action)
	require.Equal(t, "{}", all[0].DetailsJSON)

	deletes, err := store.ListAuditEvents(ctx, AuditFilter{Action: "backup.delete"})
	require.NoError(t, err)
	require.Len(t, deletes, 1)
	require.Equal(t, "h1", deletes[0].PrevHash)

	require.Error(t, store.AppendAuditEvent(ctx, &AuditEvent{}))
}

func TestAuditAppendRejectsStalePrevHash(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditEvent(ctx, &AuditEvent{Action: "store.init", Result: "success", EventHash: "h1"}))
	err := store.AppendAuditEvent(ctx, &AuditEvent{Action: "data.clear", Result: "success", EventHash: "h2"})
	require.ErrorIs(t, err, ErrAuditTipMoved)

	all, err := store.ListAuditEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestErrorMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("read: %w", NewError(CodeChecksumMismatch, "transactions", errors.New("xxhash differs")))
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.NotErrorIs(t, err, ErrGetFailed)
	require.ErrorIs(t, err, &Error{Code: CodeChecksumMismatch, Key: "transactions"})
	require.NotErrorIs(t, err, &Error{Code: CodeChecksumMismatch, Key: "accounts"})
	require.Equal(t, CodeChecksumMismatch, CodeOf(err))
	require.Contains(t, err.Error(), `CHECKSUM_MISMATCH (key "transactions")`)
}

func exerciseKVContract(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Set(ctx, "b", "2"))
	require.NoError(t, kv.Set(ctx, "a", "1"))

	value, ok, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", value)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, kv.Remove(ctx, "a"))
	require.NoError(t, kv.Remove(ctx, "a"))
	_, ok, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "finsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func openRawTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "raw.db"))
	require.NoError(t, err)
	return db
}

func closeNoErr(t *testing.T, db *sql.DB) {
	t.Helper()
	require.NoError(t, db.Close())
}

func mustSchemaVersion(t *testing.T, db *sql.DB) int {
	t.Helper()

	version, err := readSchemaVersion(db)
	require.NoError(t, err)
	return version
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	require.NoError(t, err)
	return count == 1
}
