package backup

import (
	"context"
	"errors"
	"time"

	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

func (e *Engine) GetBackupInfo(ctx context.Context, id string) (*Manifest, error) {
	list, err := e.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, storage.NewError(storage.CodeBackupNotFound, domain.BackupKey(id), nil)
}

// DeleteBackup removes the blob and its manifest entry.
func (e *Engine) DeleteBackup(ctx context.Context, id string) error {
	err := e.orch.Exclusive(ctx, "backup-delete", func(ctx context.Context) error {
		return e.deleteLocked(ctx, id)
	})
	e.metrics.ObserveBackup("delete", err == nil, 0)
	return err
}

func (e *Engine) deleteLocked(ctx context.Context, id string) error {
	key := domain.BackupKey(id)
	list, err := e.ListBackups(ctx)
	if err != nil {
		return err
	}
	// An unreadable blob still counts as present so it can be removed.
	_, blobExists, loadErr := e.orch.LoadRaw(ctx, key)
	if loadErr != nil {
		if !errors.Is(loadErr, storage.ErrChecksumMismatch) && !errors.Is(loadErr, storage.ErrDecodeFailed) {
			return loadErr
		}
		blobExists = true
	}

	kept := list[:0]
	listed := false
	for _, m := range list {
		if m.ID == id {
			listed = true
			continue
		}
		kept = append(kept, m)
	}
	if !listed && !blobExists {
		return storage.NewError(storage.CodeBackupNotFound, key, nil)
	}

	if err := e.orch.Delete(ctx, key); err != nil {
		return err
	}
	if listed {
		if err := e.saveList(ctx, kept); err != nil {
			return err
		}
	}
	e.logger.Info("backup deleted", "id", id)
	return nil
}

// ApplyRetention enforces MaxBackups and then RetentionDays. It does nothing
// unless AutoCleanup is enabled, and returns the ids it removed.
func (e *Engine) ApplyRetention(ctx context.Context) ([]string, error) {
	var removed []string
	err := e.orch.Exclusive(ctx, "backup-retention", func(ctx context.Context) error {
		var err error
		removed, err = e.applyRetention(ctx)
		return err
	})
	return removed, err
}

func (e *Engine) applyRetention(ctx context.Context) ([]string, error) {
	if !e.cfg.AutoCleanup {
		return nil, nil
	}
	list, err := e.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := e.now().Add(-time.Duration(e.cfg.RetentionDays) * 24 * time.Hour)
	var doomed []string
	for i, m := range list {
		if i >= e.cfg.MaxBackups || m.CreatedAt.Before(cutoff) {
			doomed = append(doomed, m.ID)
		}
	}

	var removed []string
	var errs []error
	for _, id := range doomed {
		if err := e.deleteLocked(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, id)
	}
	return removed, errors.Join(errs...)
}
