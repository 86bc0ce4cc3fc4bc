package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EduardKakosyan/finsync/internal/envelope"
	"github.com/EduardKakosyan/finsync/internal/storage"
	"github.com/EduardKakosyan/finsync/internal/storage/storagetest"
)

type fixture struct {
	kv    *storagetest.Faulty
	store *envelope.Store
	orch  *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kv := storagetest.NewFaulty(storage.NewMemory())
	store, err := envelope.New(kv, envelope.Options{})
	require.NoError(t, err)
	return &fixture{
		kv:    kv,
		store: store,
		orch:  New(store, Options{BaseDelay: time.Millisecond}),
	}
}

func (f *fixture) put(t *testing.T, key string, value any) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), key, value, envelope.SetOptions{}))
}

func (f *fixture) load(t *testing.T, key string) []map[string]any {
	t.Helper()
	var out []map[string]any
	ok, err := f.store.Get(context.Background(), key, &out)
	require.NoError(t, err)
	require.True(t, ok, "expected key %s", key)
	return out
}

func rec(id, createdAt string, extra ...any) map[string]any {
	out := map[string]any{"id": id, "createdAt": createdAt}
	for i := 0; i+1 < len(extra); i += 2 {
		out[extra[i].(string)] = extra[i+1]
	}
	return out
}
