package backup

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	cryptopkg "github.com/EduardKakosyan/finsync/internal/crypto"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	"github.com/EduardKakosyan/finsync/internal/metrics"
	"github.com/EduardKakosyan/finsync/internal/migration"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
	"github.com/EduardKakosyan/finsync/internal/storage"
	"github.com/EduardKakosyan/finsync/internal/storage/storagetest"
)

var _ migration.Snapshotter = (*Engine)(nil)

type fixture struct {
	kv     *storagetest.Faulty
	orch   *orchestrator.Orchestrator
	clock  *storagetest.Clock
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	kv := storagetest.NewFaulty(storage.NewMemory())
	clock := storagetest.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := envelope.New(kv, envelope.Options{Now: clock.Now})
	require.NoError(t, err)
	orch := orchestrator.New(store, orchestrator.Options{BaseDelay: time.Millisecond, Now: clock.Now})
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}
	return &fixture{kv: kv, orch: orch, clock: clock, engine: New(orch, cfg)}
}

func (f *fixture) put(t *testing.T, key string, value any) {
	t.Helper()
	require.NoError(t, f.orch.Save(context.Background(), key, value, envelope.SetOptions{}))
}

func (f *fixture) ids(t *testing.T, key string) []string {
	t.Helper()
	var out []map[string]any
	ok, err := f.orch.Load(context.Background(), key, &out)
	require.NoError(t, err)
	require.True(t, ok, "expected key %s", key)
	ids := make([]string, 0, len(out))
	for _, rec := range out {
		ids = append(ids, rec["id"].(string))
	}
	return ids
}

func records(ids ...string) []map[string]any {
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"id": id, "createdAt": "2025-01-01T00:00:00Z", "amount": 10})
	}
	return out
}

func newKeyring(t *testing.T) *cryptopkg.Keyring {
	t.Helper()
	master, err := cryptopkg.GenerateMasterKey()
	require.NoError(t, err)
	kr := cryptopkg.NewKeyring(master, "store-test")
	t.Cleanup(kr.Destroy)
	return kr
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "transactions", records("a", "b", "c"))

	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{Name: "nightly"})
	require.NoError(t, err)
	require.Equal(t, "nightly", manifest.Name)
	require.Equal(t, map[string]int{"transactions": 3}, manifest.RecordCounts)
	require.NotEmpty(t, manifest.Integrity.Checksum)
	require.False(t, manifest.IsEncrypted)

	require.NoError(t, f.orch.Delete(ctx, "transactions"))

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.RecordsRestored)
	require.Equal(t, []string{"transactions"}, res.RestoredKeys)
	require.True(t, res.Integrity.Checked)
	require.True(t, res.Integrity.Valid)
	require.Equal(t, []string{"a", "b", "c"}, f.ids(t, "transactions"))
}

func TestBackupCoversCoreAndOptionalKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{IncludeReceipts: true})
	ctx := context.Background()
	f.put(t, "transactions", records("t1"))
	f.put(t, "settings", map[string]any{"theme": "dark"})
	f.put(t, "receipts", records("r1", "r2"))
	f.put(t, "investments", records("i1"))
	f.put(t, "scratch", records("s1"))

	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"transactions": 1, "settings": 1, "receipts": 2}, manifest.RecordCounts)
	require.True(t, strings.HasPrefix(manifest.Name, "backup-"))

	manifest, err = f.engine.CreateBackup(ctx, CreateOptions{IncludeInvestments: true})
	require.NoError(t, err)
	require.Contains(t, manifest.RecordCounts, "investments")
}

func TestRestoreSkipsExistingWithoutOverwrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "transactions", records("a", "b"))
	f.put(t, "accounts", records("acc"))

	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	f.put(t, "transactions", records("z"))
	require.NoError(t, f.orch.Delete(ctx, "accounts"))

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{Keys: []string{"accounts", "transactions", "goals"}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, []string{"accounts"}, res.RestoredKeys)
	require.Equal(t, []SkippedKey{
		{Key: "transactions", Reason: skipExisting},
		{Key: "goals", Reason: skipNotInBackup},
	}, res.SkippedKeys)
	require.Equal(t, 1, res.RecordsRestored)
	require.Equal(t, []string{"z"}, f.ids(t, "transactions"))
}

func TestRestoreValidationFailureWritesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "transactions", records("a", "b", "c"))

	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	list, err := f.engine.ListBackups(ctx)
	require.NoError(t, err)
	list[0].RecordCounts["transactions"] = 4
	require.NoError(t, f.orch.Save(ctx, domain.KeyBackupList, list, envelope.SetOptions{}))
	f.put(t, "transactions", records("x"))

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true})
	require.ErrorIs(t, err, storage.ErrRestoreValidationFailed)
	require.False(t, res.Success)
	require.False(t, res.Integrity.Valid)
	require.Empty(t, res.RestoredKeys)
	require.Equal(t, []string{"x"}, f.ids(t, "transactions"))

	res, err = f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true, SkipValidation: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Integrity.Checked)
	require.Equal(t, []string{"a", "b", "c"}, f.ids(t, "transactions"))
}

func TestRestoreRejectsRecordsWithoutIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "transactions", []map[string]any{{"id": "a", "createdAt": "2025-01-01T00:00:00Z"}, {"id": "b"}})

	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true})
	require.ErrorIs(t, err, storage.ErrRestoreValidationFailed)
	require.Contains(t, res.Integrity.Errors, "transactions[1]: missing id or createdAt")
}

func TestCompressedBackupRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Compress: true})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 200; i++ {
		ids = append(ids, "txn-"+strings.Repeat("0", 3)+string(rune('a'+i%26)))
	}
	f.put(t, "transactions", records(ids...))
	large, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	require.True(t, large.IsCompressed)

	require.NoError(t, f.orch.Delete(ctx, "transactions"))
	res, err := f.engine.RestoreFromBackup(ctx, large.ID, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	require.Equal(t, 200, res.RecordsRestored)
}

func TestEncryptedBackup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Encrypt: true, Keyring: newKeyring(t)})
	ctx := context.Background()
	f.put(t, "transactions", records("secret-txn"))

	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	require.True(t, manifest.IsEncrypted)

	raw, ok, err := f.orch.LoadRaw(ctx, domain.BackupKey(manifest.ID))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, string(raw), "secret-txn")

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	require.True(t, res.Success)

	other := New(f.orch, Config{Keyring: newKeyring(t)})
	_, err = other.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true})
	require.ErrorIs(t, err, storage.ErrDecodeFailed)

	keyless := New(f.orch, Config{})
	_, err = keyless.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true})
	require.ErrorIs(t, err, storage.ErrDecodeFailed)
}

func TestBackupTooLarge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	f := newFixture(t, Config{MaxBackupSize: 64, Metrics: m})
	ctx := context.Background()
	f.put(t, "transactions", records("a", "b", "c"))

	_, err = f.engine.CreateBackup(ctx, CreateOptions{})
	require.ErrorIs(t, err, storage.ErrBackupTooLarge)

	list, err := f.engine.ListBackups(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
	keys, err := f.orch.Keys(ctx)
	require.NoError(t, err)
	for _, key := range keys {
		require.False(t, domain.IsBackupKey(key), "unexpected backup key %s", key)
	}
	require.Equal(t, float64(1), testutil.ToFloat64(m.Backups.WithLabelValues("create", "failure")))
}

func TestBackupCreationFailsOnUnreadableKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.put(t, "transactions", records("a"))
	f.kv.OnGet = func(key string) error {
		if key == envelope.DefaultPrefix+"transactions" {
			return context.DeadlineExceeded
		}
		return nil
	}

	_, err := f.engine.CreateBackup(context.Background(), CreateOptions{})
	require.ErrorIs(t, err, storage.ErrBackupCreationFailed)
}

func TestListInfoDelete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "transactions", records("a"))

	first, err := f.engine.CreateBackup(ctx, CreateOptions{Name: "first"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.engine.CreateBackup(ctx, CreateOptions{Name: "second"})
	require.NoError(t, err)

	list, err := f.engine.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, second.ID, list[0].ID, "newest first")

	info, err := f.engine.GetBackupInfo(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "first", info.Name)
	require.True(t, strings.HasSuffix(info.Filename, ".json"))

	require.NoError(t, f.engine.DeleteBackup(ctx, first.ID))
	_, err = f.engine.GetBackupInfo(ctx, first.ID)
	require.ErrorIs(t, err, storage.ErrBackupNotFound)
	_, ok, err := f.orch.LoadRaw(ctx, domain.BackupKey(first.ID))
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, f.engine.DeleteBackup(ctx, first.ID), storage.ErrBackupNotFound)

	_, err = f.engine.RestoreFromBackup(ctx, first.ID, RestoreOptions{})
	require.ErrorIs(t, err, storage.ErrBackupNotFound)
}

func TestRetentionByCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AutoCleanup: true, MaxBackups: 2})
	ctx := context.Background()
	f.put(t, "transactions", records("a"))

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := f.engine.CreateBackup(ctx, CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, m.ID)
		f.clock.Advance(time.Hour)
	}

	list, err := f.engine.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, ids[2], list[0].ID)
	require.Equal(t, ids[1], list[1].ID)

	_, ok, err := f.orch.LoadRaw(ctx, domain.BackupKey(ids[0]))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRetentionByAge(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{AutoCleanup: true, RetentionDays: 1})
	ctx := context.Background()
	f.put(t, "transactions", records("a"))

	old, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)

	removed, err := f.engine.ApplyRetention(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{old.ID}, removed)

	list, err := f.engine.ListBackups(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRetentionDisabledWithoutAutoCleanup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxBackups: 1})
	ctx := context.Background()
	f.put(t, "transactions", records("a"))

	for i := 0; i < 3; i++ {
		_, err := f.engine.CreateBackup(ctx, CreateOptions{})
		require.NoError(t, err)
	}
	removed, err := f.engine.ApplyRetention(ctx)
	require.NoError(t, err)
	require.Empty(t, removed)

	list, err := f.engine.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
}

func TestRestoreTakesSafetyBackup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "transactions", records("a"))
	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.put(t, "transactions", records("newer"))

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true, CreateSafetyBackup: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.SafetyBackupID)
	require.Equal(t, []string{"a"}, f.ids(t, "transactions"))

	res, err = f.engine.RestoreFromBackup(ctx, res.SafetyBackupID, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	require.Equal(t, []string{"newer"}, f.ids(t, "transactions"))
}

func TestSnapshotFeedsMigration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	f.put(t, "accounts", records("acc"))

	eng := migration.New(f.orch, migration.Config{Snapshotter: f.engine})
	res, err := eng.Migrate(ctx, migration.Options{CreateBackup: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.BackupID)

	info, err := f.engine.GetBackupInfo(ctx, res.BackupID)
	require.NoError(t, err)
	require.Equal(t, "pre-migration-1.3.0", info.Name)
	require.Equal(t, migration.BaselineVersion, info.DataVersion)
}

func TestFullRestoreMovesDataVersionToBackup(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxBackupSize: DefaultMaxBackupSize})
	ctx := context.Background()
	f.put(t, domain.KeyDataVersion, map[string]any{"version": "1.0.0", "installDate": "2025-01-01T00:00:00Z"})
	f.put(t, "accounts", records("a1"))
	f.put(t, "transactions", records("t1"))
	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{Name: "old shape"})
	require.NoError(t, err)
	require.Equal(t, "1.0.0", manifest.DataVersion)

	f.put(t, domain.KeyDataVersion, map[string]any{"version": "1.3.0", "installDate": "2025-01-01T00:00:00Z"})

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{OverwriteExisting: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "1.0.0", res.DataVersion)
	require.Empty(t, res.Warnings)

	var info map[string]any
	_, err = f.orch.Load(ctx, domain.KeyDataVersion, &info)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", info["version"])
	require.Equal(t, "2025-01-01T00:00:00Z", info["installDate"])
}

func TestPartialRestoreKeepsDataVersionAndWarns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxBackupSize: DefaultMaxBackupSize})
	ctx := context.Background()
	f.put(t, domain.KeyDataVersion, map[string]any{"version": "1.0.0"})
	f.put(t, "accounts", records("a1"))
	f.put(t, "transactions", records("t1"))
	manifest, err := f.engine.CreateBackup(ctx, CreateOptions{})
	require.NoError(t, err)

	f.put(t, domain.KeyDataVersion, map[string]any{"version": "1.3.0"})

	res, err := f.engine.RestoreFromBackup(ctx, manifest.ID, RestoreOptions{Keys: []string{"accounts"}, OverwriteExisting: true})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Empty(t, res.DataVersion)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "1.0.0")

	var info map[string]any
	_, err = f.orch.Load(ctx, domain.KeyDataVersion, &info)
	require.NoError(t, err)
	require.Equal(t, "1.3.0", info["version"])
}
