package migration

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrdersBySemver(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(
		Script{Version: "1.10.0", Up: identity, Down: identity},
		Script{Version: "1.2.0", Up: identity, Down: identity},
		Script{Version: "1.0.0", Up: identity, Down: identity},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, r.Versions())
	require.Equal(t, "1.10.0", r.Latest())
	require.Equal(t, []string{"1.10.0"}, versionsOf(r.After("1.2.0")))
	require.Len(t, r.After("0.1.0"), 3)

	between, err := r.Between("1.0.0", "1.10.0")
	require.NoError(t, err)
	require.Equal(t, []string{"1.10.0", "1.2.0"}, versionsOf(between))
}

func TestRegistryRejectsBadScripts(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(
		Script{Version: "1.0.0", Up: identity, Down: identity},
		Script{Version: "1.0.0", Up: identity, Down: identity},
	)
	require.ErrorIs(t, err, ErrDuplicateVersion)

	_, err = NewRegistry(Script{Version: "v1", Up: identity, Down: identity})
	require.ErrorIs(t, err, ErrInvalidVersion)

	_, err = NewRegistry(Script{Version: "1.0.0", Up: identity})
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	t.Parallel()

	require.Equal(t, -1, Compare("1.2.0", "1.3.0"))
	require.Equal(t, 1, Compare("1.10.0", "1.9.0"))
	require.Equal(t, 0, Compare("2.0.0", "2.0.0"))
	require.Equal(t, -1, Compare("junk", "1.0.0"))
}

func TestDefaultScriptsRoundTrip(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	bundle := Bundle{
		"accounts":     []any{map[string]any{"id": "a", "currency": "CAD"}},
		"transactions": []any{map[string]any{"id": "t", "amount": 0.1 + 0.2}},
	}
	for _, s := range r.After(BaselineVersion) {
		out, err := s.Up(bundle)
		require.NoError(t, err)
		bundle = out
	}
	tx := bundle["transactions"].([]any)[0].(map[string]any)
	require.Equal(t, json.Number("30"), tx["amountCents"])
	require.Equal(t, "CAD", bundle["accounts"].([]any)[0].(map[string]any)["currency"])

	down, err := r.Between(BaselineVersion, r.Latest())
	require.NoError(t, err)
	for _, s := range down {
		out, err := s.Down(bundle)
		require.NoError(t, err)
		bundle = out
	}
	require.Equal(t, json.Number("0.3"), tx["amount"])
	require.Equal(t, "CAD", bundle["accounts"].([]any)[0].(map[string]any)["currency"])
}
