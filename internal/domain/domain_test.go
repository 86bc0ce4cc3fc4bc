package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindKeysRoundTrip(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, k := range AllKinds() {
		key := k.Key()
		require.NotEmpty(t, key)
		require.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true

		parsed, err := ParseKind(key)
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}

	_, err := ParseKind("ghosts")
	require.ErrorIs(t, err, ErrUnknownKind)
	require.Equal(t, "kind(99)", Kind(99).String())
}

func TestCoreKinds(t *testing.T) {
	t.Parallel()

	var keys []string
	for _, k := range CoreKinds() {
		keys = append(keys, k.Key())
	}
	require.Equal(t, []string{"transactions", "categories", "accounts", "budgets", "goals", "settings"}, keys)
	require.False(t, KindSettings.IsCollection())
	require.True(t, KindReceipts.IsCollection())
}

func TestReservedKeys(t *testing.T) {
	t.Parallel()

	require.True(t, IsSystemKey(KeyBackupList))
	require.False(t, IsSystemKey("transactions"))
	require.True(t, IsBackupKey(BackupKey("abc")))
	require.True(t, IsQuarantineKey(QuarantineKey("transactions")))
	require.Equal(t, "quarantine:transactions", QuarantineKey("transactions"))
}

func TestRecordHelpers(t *testing.T) {
	t.Parallel()

	rec := Record{"id": "x", "createdAt": "2024-03-01T10:00:00Z"}
	id, ok := ID(rec)
	require.True(t, ok)
	require.Equal(t, "x", id)

	ts, ok := CreatedAt(rec)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts)
	require.True(t, HasIdentity(rec))

	ts, ok = CreatedAt(Record{"createdAt": float64(1700000000000)})
	require.True(t, ok)
	require.Equal(t, int64(1700000000000), ts.UnixMilli())

	require.False(t, HasIdentity(Record{"id": "x"}))
	require.False(t, HasIdentity(Record{"id": "", "createdAt": "2024-03-01T10:00:00Z"}))
	require.False(t, HasIdentity(Record{"id": "x", "createdAt": ""}))
}

func TestRecords(t *testing.T) {
	t.Parallel()

	recs, bad, ok := Records([]any{map[string]any{"id": "a"}, "junk", map[string]any{"id": "b"}})
	require.True(t, ok)
	require.Len(t, recs, 2)
	require.Equal(t, []int{1}, bad)

	_, _, ok = Records(map[string]any{})
	require.False(t, ok)
}
