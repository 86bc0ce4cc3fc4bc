package backup

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/EduardKakosyan/finsync/internal/compress"
	cryptopkg "github.com/EduardKakosyan/finsync/internal/crypto"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

type RestoreOptions struct {
	// Keys limits the restore; empty restores every key in the blob.
	Keys               []string
	OverwriteExisting  bool
	CreateSafetyBackup bool
	SkipValidation     bool
}

type SkippedKey struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

type IntegrityOutcome struct {
	Checked bool     `json:"checked"`
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
}

type RestoreResult struct {
	Success         bool             `json:"success"`
	BackupID        string           `json:"backupId"`
	RestoredKeys    []string         `json:"restoredKeys"`
	SkippedKeys     []SkippedKey     `json:"skippedKeys"`
	FailedKeys      []string         `json:"failedKeys,omitempty"`
	RecordsRestored int              `json:"recordsRestored"`
	Duration        time.Duration    `json:"duration"`
	Integrity       IntegrityOutcome `json:"integrity"`
	SafetyBackupID  string           `json:"safetyBackupId,omitempty"`
	// DataVersion is set when the restore moved the stored data version to
	// the one the backup was taken at.
	DataVersion string   `json:"dataVersion,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

const (
	skipExisting    = "existing data"
	skipNotInBackup = "not in backup"
)

// RestoreFromBackup writes the collections of backup id back into the live
// store. Validation failures abort before any key is written; per-key write
// failures are reported in the result and do not stop the other keys.
func (e *Engine) RestoreFromBackup(ctx context.Context, id string, opts RestoreOptions) (*RestoreResult, error) {
	started := e.now()
	res := &RestoreResult{BackupID: id, RestoredKeys: []string{}, SkippedKeys: []SkippedKey{}}
	err := e.orch.Exclusive(ctx, "restore", func(ctx context.Context) error {
		return e.restore(ctx, id, opts, res)
	})
	res.Duration = e.now().Sub(started)
	res.Success = err == nil && len(res.FailedKeys) == 0 && len(res.Errors) == 0
	e.metrics.ObserveBackup("restore", res.Success, 0)
	if err != nil {
		e.logger.Warn("restore failed", "id", id, "error", err)
		return res, err
	}
	e.logger.Info("restore finished",
		"id", id,
		"restored", len(res.RestoredKeys),
		"skipped", len(res.SkippedKeys),
		"failed", len(res.FailedKeys),
		"records_restored", res.RecordsRestored)
	return res, nil
}

func (e *Engine) restore(ctx context.Context, id string, opts RestoreOptions, res *RestoreResult) error {
	manifest, err := e.GetBackupInfo(ctx, id)
	if err != nil {
		return err
	}
	blob, err := e.loadBlob(ctx, id)
	if err != nil {
		return err
	}

	if !opts.SkipValidation {
		res.Integrity = verify(blob, manifest)
		if !res.Integrity.Valid {
			return storage.NewError(storage.CodeRestoreValidationFailed, domain.BackupKey(id),
				errors.New(strings.Join(res.Integrity.Errors, "; ")))
		}
	}

	// Taken after the target is loaded so retention cannot evict it first.
	if opts.CreateSafetyBackup {
		safety, err := e.CreateBackup(ctx, CreateOptions{Name: "pre-restore-" + id})
		if err != nil {
			return fmt.Errorf("safety backup: %w", err)
		}
		res.SafetyBackupID = safety.ID
	}

	counts, err := countRecords(blob.Data)
	if err != nil {
		return storage.NewError(storage.CodeRestoreValidationFailed, domain.BackupKey(id), err)
	}

	keys := opts.Keys
	if len(keys) == 0 {
		keys = sortedKeys(blob.Data)
	}

	var ops []orchestrator.Operation
	for _, key := range keys {
		raw, ok := blob.Data[key]
		if !ok {
			res.SkippedKeys = append(res.SkippedKeys, SkippedKey{Key: key, Reason: skipNotInBackup})
			continue
		}
		if !opts.OverwriteExisting {
			_, exists, err := e.orch.LoadRaw(ctx, key)
			if err != nil {
				res.FailedKeys = append(res.FailedKeys, key)
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", key, err))
				continue
			}
			if exists {
				res.SkippedKeys = append(res.SkippedKeys, SkippedKey{Key: key, Reason: skipExisting})
				continue
			}
		}
		ops = append(ops, orchestrator.Operation{Kind: orchestrator.OpSet, Key: key, Value: raw})
	}
	if len(ops) == 0 {
		return nil
	}

	results, err := e.orch.ExecuteBatch(ctx, ops)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !r.Success {
			res.FailedKeys = append(res.FailedKeys, r.Key)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", r.Key, r.Err))
			continue
		}
		res.RestoredKeys = append(res.RestoredKeys, r.Key)
		res.RecordsRestored += counts[r.Key]
	}
	if err := e.syncDataVersion(ctx, blob, res); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", domain.KeyDataVersion, err))
	}
	return nil
}

// syncDataVersion points data_version at the version the backup was taken
// under, so pending migrations are recomputed for the restored shapes. Only
// a restore that wrote every key of the backup moves it; a partial one is
// reported as a warning and leaves the version alone.
func (e *Engine) syncDataVersion(ctx context.Context, blob *Blob, res *RestoreResult) error {
	target := blob.Metadata.DataVersion
	current := e.dataVersion(ctx)
	if target == "" || target == current {
		return nil
	}
	if len(res.FailedKeys) > 0 || len(res.RestoredKeys) != len(blob.Data) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"backup was taken at data version %s but the store is at %s; a partial restore leaves the version unchanged",
			target, current))
		return nil
	}

	info := map[string]any{}
	if _, err := e.orch.Load(ctx, domain.KeyDataVersion, &info); err != nil {
		return err
	}
	if _, ok := info["installDate"]; !ok {
		info["installDate"] = e.now().UTC()
	}
	info["version"] = target
	delete(info, "pendingMigrations")
	if err := e.orch.Save(ctx, domain.KeyDataVersion, info, envelope.SetOptions{}); err != nil {
		return err
	}
	res.DataVersion = target
	e.logger.Info("data version moved to restored backup", "from", current, "to", target)
	return nil
}

// loadBlob reads, decrypts and decompresses the blob of backup id.
func (e *Engine) loadBlob(ctx context.Context, id string) (*Blob, error) {
	key := domain.BackupKey(id)
	var rec stored
	ok, err := e.orch.Load(ctx, key, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewError(storage.CodeBackupNotFound, key, nil)
	}

	payload, err := base64.StdEncoding.DecodeString(rec.Payload)
	if err != nil {
		return nil, storage.NewError(storage.CodeDecodeFailed, key, err)
	}
	if rec.Encrypted {
		if e.cfg.Keyring == nil {
			return nil, storage.NewError(storage.CodeDecodeFailed, key, cryptopkg.ErrKeyringNotReady)
		}
		payload, err = e.cfg.Keyring.Open(cryptopkg.PurposeBackup, []byte(id), payload)
		if err != nil {
			return nil, storage.NewError(storage.CodeDecodeFailed, key, err)
		}
	}
	switch rec.Format {
	case FormatJSON:
	case FormatZstd:
		payload, err = compress.Unzstd(payload)
		if err != nil {
			return nil, storage.NewError(storage.CodeDecompressionFailed, key, err)
		}
	default:
		return nil, storage.NewError(storage.CodeDecodeFailed, key, fmt.Errorf("unknown backup format %q", rec.Format))
	}

	var blob Blob
	if err := json.Unmarshal(payload, &blob); err != nil {
		return nil, storage.NewError(storage.CodeDecodeFailed, key, err)
	}
	if blob.Data == nil {
		blob.Data = map[string]json.RawMessage{}
	}
	return &blob, nil
}

// verify recomputes the checksum and record counts and checks that every
// collection element has an id and createdAt.
func verify(blob *Blob, manifest *Manifest) IntegrityOutcome {
	out := IntegrityOutcome{Checked: true}
	fail := func(format string, args ...any) {
		out.Errors = append(out.Errors, fmt.Sprintf(format, args...))
	}

	checksum, err := blobChecksum(blob.Version, blob.Data)
	switch {
	case err != nil:
		fail("checksum: %v", err)
	case checksum != blob.Integrity.Checksum:
		fail("checksum mismatch: blob records %s, content hashes to %s", blob.Integrity.Checksum, checksum)
	case checksum != manifest.Integrity.Checksum:
		fail("checksum mismatch: manifest records %s, content hashes to %s", manifest.Integrity.Checksum, checksum)
	}

	counts, err := countRecords(blob.Data)
	if err != nil {
		fail("record counts: %v", err)
	} else {
		compareCounts(counts, blob.Integrity.RecordCounts, "blob", fail)
		compareCounts(counts, manifest.RecordCounts, "manifest", fail)
	}

	for _, key := range sortedKeys(blob.Data) {
		var value any
		if err := json.Unmarshal(blob.Data[key], &value); err != nil {
			continue
		}
		items, isArray := value.([]any)
		if !isArray {
			continue
		}
		for i, item := range items {
			rec, isObject := item.(map[string]any)
			if !isObject || !domain.HasIdentity(rec) {
				fail("%s[%d]: missing id or createdAt", key, i)
			}
		}
	}

	out.Valid = len(out.Errors) == 0
	return out
}

func compareCounts(actual, recorded map[string]int, source string, fail func(string, ...any)) {
	keys := make([]string, 0, len(actual)+len(recorded))
	for key := range actual {
		keys = append(keys, key)
	}
	for key := range recorded {
		if _, ok := actual[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if actual[key] != recorded[key] {
			fail("%s: %s records %d, content has %d", key, source, recorded[key], actual[key])
		}
	}
}
