package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EduardKakosyan/finsync/internal/compress"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	"github.com/EduardKakosyan/finsync/internal/storage"
	"github.com/EduardKakosyan/finsync/internal/storage/storagetest"
)

func TestCleanupStorage(t *testing.T) {
	t.Parallel()

	clock := storagetest.NewClock(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	store, err := envelope.New(storage.NewMemory(), envelope.Options{Now: clock.Now})
	require.NoError(t, err)
	orch := New(store, Options{Now: clock.Now})
	ctx := context.Background()

	set := func(key string, value any, opts envelope.SetOptions) {
		require.NoError(t, store.Set(ctx, key, value, opts))
	}
	set("rates", 1, envelope.SetOptions{TTL: time.Minute})
	set("exchange_cache", 2, envelope.SetOptions{})
	set("import_tmp", 3, envelope.SetOptions{})
	set("TempDraft", 4, envelope.SetOptions{})
	set(domain.BackupKey("cache-looking-id"), "blob", envelope.SetOptions{})

	padded := make([]any, 0, 40)
	for i := 0; i < 40; i++ {
		padded = append(padded, map[string]any{"id": strings.Repeat("0", 60), "createdAt": "2024-01-01T00:00:00Z", "memo": strings.Repeat(" ", 200)})
	}
	set("transactions", padded, envelope.SetOptions{})

	clock.Advance(2 * time.Minute)

	result, err := orch.CleanupStorage(ctx, AllCleanup())
	require.NoError(t, err)
	require.Equal(t, 1, result.ExpiredRemoved)
	require.Equal(t, 1, result.CacheRemoved)
	require.Equal(t, 2, result.TempRemoved)
	require.Equal(t, 1, result.Recompressed)
	require.Less(t, result.BytesAfter, result.BytesBefore)
	require.Empty(t, result.Errors)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{domain.BackupKey("cache-looking-id"), "transactions"}, keys)

	meta, _, err := store.Inspect(ctx, "transactions")
	require.NoError(t, err)
	require.Equal(t, envelope.CompressionRLE, meta.Compression)

	var got []map[string]any
	_, err = store.Get(ctx, "transactions", &got)
	require.NoError(t, err)
	require.Len(t, got, 40)
}

func TestCleanupOnlyRequestedSteps(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(t, "fx_cache", 1)
	f.put(t, "tmp_upload", 2)

	result, err := f.orch.CleanupStorage(context.Background(), CleanupOptions{ClearTemp: true})
	require.NoError(t, err)
	require.Zero(t, result.CacheRemoved)
	require.Equal(t, 1, result.TempRemoved)

	keys, err := f.store.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"fx_cache"}, keys)
}

func TestGetStorageStats(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.put(t, "accounts", []any{rec("a", "2024-01-01T00:00:00Z"), rec("b", "2024-01-01T00:00:00Z")})
	f.put(t, "settings", map[string]any{"currency": "USD"})
	f.put(t, domain.BackupKey("one"), "blob")
	require.NoError(t, f.store.Set(ctx, "goals", []any{map[string]any{"id": "g", "createdAt": "2024-01-01T00:00:00Z", "pad": strings.Repeat("-", 2000)}}, envelope.SetOptions{Compress: true}))

	stats, err := f.orch.GetStorageStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Keys)
	require.Equal(t, map[string]int{"accounts": 2, "goals": 1}, stats.RecordCounts)
	require.Equal(t, 1, stats.CompressedKeys)
	require.Equal(t, 1, stats.BackupKeys)
}

func TestCompressDataRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, input := range []string{"", "abc", strings.Repeat("z", 5000), compress.RLEMarker + "literal"} {
		res := f.orch.CompressData(input)
		out, err := f.orch.DecompressData(res.Data)
		require.NoError(t, err)
		require.Equal(t, input, out)
	}

	small := f.orch.CompressData("tiny")
	require.False(t, small.Compressed)
	require.InDelta(t, 1.0, small.Ratio, 0)

	_, err := f.orch.DecompressData(compress.RLEMarker + "%%%")
	require.ErrorIs(t, err, storage.ErrDecompressionFailed)
}
