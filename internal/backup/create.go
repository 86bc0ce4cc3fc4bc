package backup

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/EduardKakosyan/finsync/internal/canonical"
	"github.com/EduardKakosyan/finsync/internal/compress"
	cryptopkg "github.com/EduardKakosyan/finsync/internal/crypto"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

type CreateOptions struct {
	Name string
	// Keys overrides the configured key selection.
	Keys               []string
	IncludeReceipts    bool
	IncludeInvestments bool
}

// CreateBackup snapshots the selected collections. Keys without data are
// left out of the blob.
func (e *Engine) CreateBackup(ctx context.Context, opts CreateOptions) (*Manifest, error) {
	var manifest *Manifest
	err := e.orch.Exclusive(ctx, "backup", func(ctx context.Context) error {
		m, err := e.create(ctx, opts)
		if err != nil {
			return err
		}
		manifest = m
		return nil
	})
	if err != nil {
		e.metrics.ObserveBackup("create", false, 0)
		e.logger.Warn("backup failed", "name", opts.Name, "error", err)
		return nil, err
	}
	e.metrics.ObserveBackup("create", true, manifest.Size)
	return manifest, nil
}

func (e *Engine) create(ctx context.Context, opts CreateOptions) (*Manifest, error) {
	id := uuid.NewString()
	key := domain.BackupKey(id)
	createdAt := e.now().UTC()
	name := opts.Name
	if name == "" {
		name = "backup-" + createdAt.Format("20060102-150405")
	}

	keys := e.selectKeys(opts)
	data, err := e.readKeys(ctx, keys)
	if err != nil {
		return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
	}
	counts, err := countRecords(data)
	if err != nil {
		return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
	}
	checksum, err := blobChecksum(FormatVersion, data)
	if err != nil {
		return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
	}

	blob := Blob{
		Metadata: Metadata{
			Name:        name,
			AppVersion:  e.cfg.AppVersion,
			DataVersion: e.dataVersion(ctx),
			Keys:        sortedKeys(data),
		},
		Version:   FormatVersion,
		CreatedAt: createdAt,
		Data:      data,
		Integrity: Integrity{Checksum: checksum, RecordCounts: counts},
	}

	payload, err := json.Marshal(blob)
	if err != nil {
		return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
	}
	rec := stored{Format: FormatJSON}
	if e.cfg.Compress {
		packed, err := compress.Zstd(payload)
		if err != nil {
			return nil, storage.NewError(storage.CodeCompressionFailed, key, err)
		}
		if compress.SavesAtLeast(len(payload), len(packed), minZstdSavings) {
			payload = packed
			rec.Format = FormatZstd
		}
	}
	if e.cfg.Encrypt {
		sealed, err := e.cfg.Keyring.Seal(cryptopkg.PurposeBackup, []byte(id), payload)
		if err != nil {
			return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
		}
		payload = sealed
		rec.Encrypted = true
	}
	if len(payload) > e.cfg.MaxBackupSize {
		return nil, storage.NewError(storage.CodeBackupTooLarge, key,
			fmt.Errorf("%d bytes exceeds limit of %d", len(payload), e.cfg.MaxBackupSize))
	}
	rec.Payload = base64.StdEncoding.EncodeToString(payload)

	if err := e.orch.Save(ctx, key, rec, envelope.SetOptions{}); err != nil {
		return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
	}

	manifest := Manifest{
		ID:           id,
		Name:         name,
		Filename:     fmt.Sprintf("finsync-backup-%s-%s.json", createdAt.Format("20060102T150405Z"), id[:8]),
		CreatedAt:    createdAt,
		Size:         len(payload),
		RecordCounts: counts,
		IsEncrypted:  rec.Encrypted,
		IsCompressed: rec.Format == FormatZstd,
		DataVersion:  blob.Metadata.DataVersion,
		Integrity:    blob.Integrity,
	}
	list, err := e.ListBackups(ctx)
	if err != nil {
		return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
	}
	list = append([]Manifest{manifest}, list...)
	if err := e.saveList(ctx, list); err != nil {
		if rmErr := e.orch.Delete(ctx, key); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return nil, storage.NewError(storage.CodeBackupCreationFailed, key, err)
	}

	e.logger.Info("backup created",
		"id", id,
		"name", name,
		"size", manifest.Size,
		"keys", len(data),
		"format", rec.Format,
		"encrypted", rec.Encrypted)

	if e.cfg.AutoCleanup {
		if removed, err := e.applyRetention(ctx); err != nil {
			e.logger.Warn("backup retention failed", "error", err)
		} else if len(removed) > 0 {
			e.logger.Info("backup retention removed backups", "count", len(removed))
		}
	}
	return &manifest, nil
}

func (e *Engine) readKeys(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	data := map[string]json.RawMessage{}
	if len(keys) == 0 {
		return data, nil
	}
	ops := make([]orchestrator.Operation, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, orchestrator.Operation{Kind: orchestrator.OpGet, Key: key})
	}
	results, err := e.orch.ExecuteBatch(ctx, ops)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, r := range results {
		if !r.Success {
			errs = append(errs, fmt.Errorf("read %s: %w", r.Key, r.Err))
			continue
		}
		if r.Found {
			data[r.Key] = r.Value
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return data, nil
}

func (e *Engine) dataVersion(ctx context.Context) string {
	var info struct {
		Version string `json:"version"`
	}
	if _, err := e.orch.Load(ctx, domain.KeyDataVersion, &info); err != nil {
		e.logger.Warn("read data version for backup", "error", err)
	}
	return info.Version
}

// blobChecksum hashes the canonical form of {version, data}.
func blobChecksum(version string, data map[string]json.RawMessage) (string, error) {
	return canonical.SHA256Hex(map[string]any{"version": version, "data": data})
}

// countRecords counts array elements per key. An object value counts as one
// record.
func countRecords(data map[string]json.RawMessage) (map[string]int, error) {
	counts := make(map[string]int, len(data))
	for key, raw := range data {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		switch typed := value.(type) {
		case []any:
			counts[key] = len(typed)
		case nil:
			counts[key] = 0
		default:
			counts[key] = 1
		}
	}
	return counts, nil
}

func sortedKeys(data map[string]json.RawMessage) []string {
	out := make([]string, 0, len(data))
	for key := range data {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
