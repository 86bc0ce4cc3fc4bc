package audit

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EduardKakosyan/finsync/internal/storage"
)

func TestHashChainAppendAndVerify(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	svc := mustNewService(t, store)
	ctx := context.Background()

	recordThreeEvents(t, ctx, svc)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 3, verify.EventCount)
	require.NotEmpty(t, verify.ChainTip)
}

func TestChainSurvivesReopen(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	recordThreeEvents(t, ctx, mustNewService(t, store))

	svc := mustNewService(t, store)
	require.NoError(t, svc.Record(ctx, Event{Action: ActionBackupPrune, TargetType: "backup"}))

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 4, verify.EventCount)
}

func TestHashChainTamperMiddleDetailsFails(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	svc := mustNewService(t, store)
	ctx := context.Background()

	recordThreeEvents(t, ctx, svc)

	events, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	_, err = store.DB().Exec(`UPDATE audit_events SET details_json = ? WHERE id = ?`, `{"reason":"tampered"}`, events[1].ID)
	require.NoError(t, err)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Contains(t, verify.Error, "hash mismatch")
	require.Equal(t, events[1].ID, verify.BrokenAt)
	require.Equal(t, events[0].EventHash, verify.ChainTip)
}

func TestHashChainTamperEventHashFails(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	svc := mustNewService(t, store)
	ctx := context.Background()

	recordThreeEvents(t, ctx, svc)
	events, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 3)

	_, err = store.DB().Exec(`UPDATE audit_events SET event_hash = ? WHERE id = ?`, "deadbeef", events[2].ID)
	require.NoError(t, err)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Contains(t, verify.Error, "hash mismatch")
	require.Equal(t, events[2].ID, verify.BrokenAt)
}

func TestHashChainDroppedRowFails(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	svc := mustNewService(t, store)
	ctx := context.Background()

	recordThreeEvents(t, ctx, svc)
	events, err := svc.List(ctx, Filter{})
	require.NoError(t, err)

	_, err = store.DB().Exec(`DELETE FROM audit_events WHERE id = ?`, events[2].ID)
	require.NoError(t, err)

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.False(t, verify.Valid)
	require.Equal(t, "hash mismatch at chain tip", verify.Error)
}

func TestHashChainEmptyVerifySucceeds(t *testing.T) {
	t.Parallel()

	svc := mustNewService(t, newAuditTestStore(t))
	verify, err := svc.Verify(context.Background())
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, 0, verify.EventCount)
	require.Empty(t, verify.ChainTip)
}

func TestRecordRequiresAction(t *testing.T) {
	t.Parallel()

	svc := mustNewService(t, newAuditTestStore(t))
	require.ErrorIs(t, svc.Record(context.Background(), Event{}), ErrActionRequired)
	require.ErrorIs(t, svc.Record(context.Background(), Event{Action: "  "}), ErrActionRequired)
}

func TestConcurrentRecordKeepsValidChain(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	svc := mustNewService(t, store)
	ctx := context.Background()

	const writes = 50
	var wg sync.WaitGroup
	errCh := make(chan error, writes)
	for i := 0; i < writes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := svc.Record(ctx, Event{
				Action:     ActionDataCleanup,
				TargetType: "store",
				Result:     ResultSuccess,
				Details:    detailPayload{Reason: "parallel"},
				Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Nanosecond),
			})
			if err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	verify, err := svc.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid)
	require.Equal(t, writes, verify.EventCount)

	events, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, events[len(events)-1].EventHash, verify.ChainTip)
}

func TestRecordRelinksAfterAnotherWriter(t *testing.T) {
	t.Parallel()

	store := newAuditTestStore(t)
	ctx := context.Background()
	first := mustNewService(t, store)
	second := mustNewService(t, store)

	require.NoError(t, first.Record(ctx, Event{Action: ActionBackupCreate, TargetID: "a"}))
	require.NoError(t, second.Record(ctx, Event{Action: ActionBackupDelete, TargetID: "a"}))
	require.NoError(t, first.Record(ctx, Event{Action: ActionBackupCreate, TargetID: "b"}))

	verify, err := first.Verify(ctx)
	require.NoError(t, err)
	require.True(t, verify.Valid, verify.Error)
	require.Equal(t, 3, verify.EventCount)
}

func TestEventRecordingSupportsAllActionTypes(t *testing.T) {
	t.Parallel()

	svc := mustNewService(t, newAuditTestStore(t))
	ctx := context.Background()

	for _, action := range AllActionTypes {
		require.NoError(t, svc.Record(ctx, Event{Action: action, TargetID: action}))
	}
	for _, action := range AllActionTypes {
		filtered, err := svc.List(ctx, Filter{Action: action})
		require.NoError(t, err)
		require.Len(t, filtered, 1, "action %s should be present exactly once", action)
		require.Equal(t, ResultSuccess, filtered[0].Result)
	}
}

func TestEventRecordingStripsSensitiveFieldsFromDetails(t *testing.T) {
	t.Parallel()

	svc := mustNewService(t, newAuditTestStore(t))
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, Event{
		Action:   ActionStoreInit,
		TargetID: "sensitive",
		Details: map[string]any{
			"message": "ok",
			"nested":  map[string]any{"passphrase": "abc123", "kept": 1},
			"token":   "xyz",
		},
	}))

	events, err := svc.List(ctx, Filter{TargetID: "sensitive"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	details := events[0].DetailsJSON
	require.NotContains(t, strings.ToLower(details), "passphrase")
	require.NotContains(t, strings.ToLower(details), "token")
	require.JSONEq(t, `{"message":"ok","nested":{"kept":1}}`, details)
}

func TestListFiltersByActionDateRangeAndTargetID(t *testing.T) {
	t.Parallel()

	svc := mustNewService(t, newAuditTestStore(t))
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, svc.Record(ctx, Event{Action: ActionBackupCreate, TargetID: "b-a", Timestamp: base}))
	require.NoError(t, svc.Record(ctx, Event{Action: ActionBackupDelete, TargetID: "b-b", Timestamp: base.Add(2 * time.Minute)}))
	require.NoError(t, svc.Record(ctx, Event{Action: ActionBackupCreate, TargetID: "b-c", Timestamp: base.Add(4 * time.Minute)}))

	byAction, err := svc.List(ctx, Filter{Action: ActionBackupCreate})
	require.NoError(t, err)
	require.Len(t, byAction, 2)

	since := base.Add(90 * time.Second)
	until := base.Add(3 * time.Minute)
	byRange, err := svc.List(ctx, Filter{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, byRange, 1)
	require.Equal(t, "b-b", byRange[0].TargetID)

	byTarget, err := svc.List(ctx, Filter{TargetID: "b-c"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	require.Equal(t, ActionBackupCreate, byTarget[0].Action)
}

type detailPayload struct {
	Reason string `json:"reason,omitempty"`
}

func mustNewService(t *testing.T, repo Repository) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), repo, nil)
	require.NoError(t, err)
	return svc
}

func recordThreeEvents(t *testing.T, ctx context.Context, svc *Service) {
	t.Helper()
	require.NoError(t, svc.Record(ctx, Event{
		Action:     ActionBackupCreate,
		TargetType: "backup",
		TargetID:   "backup-1",
		Details:    detailPayload{Reason: "one"},
	}))
	require.NoError(t, svc.Record(ctx, Event{
		Action:     ActionMigrationRun,
		TargetType: "data_version",
		TargetID:   "1.3.0",
		Details:    detailPayload{Reason: "two"},
	}))
	require.NoError(t, svc.Record(ctx, Event{
		Action:     ActionBackupRestore,
		TargetType: "backup",
		TargetID:   "backup-1",
		Result:     ResultFailure,
		Details:    detailPayload{Reason: "three"},
	}))
}

func newAuditTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "finsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}
