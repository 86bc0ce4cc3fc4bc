// Package app composes the storage stack from configuration and owns the
// master key lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/EduardKakosyan/finsync/internal/audit"
	"github.com/EduardKakosyan/finsync/internal/backup"
	"github.com/EduardKakosyan/finsync/internal/collection"
	"github.com/EduardKakosyan/finsync/internal/config"
	"github.com/EduardKakosyan/finsync/internal/crypto"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	logpkg "github.com/EduardKakosyan/finsync/internal/log"
	"github.com/EduardKakosyan/finsync/internal/metrics"
	"github.com/EduardKakosyan/finsync/internal/migration"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

type Options struct {
	Config config.Config
	// Passphrase unlocks the master key when the store was initialised.
	Passphrase []byte
	Logger     *slog.Logger
	// Registerer defaults to a private registry.
	Registerer prometheus.Registerer
	AppVersion string
	Registry   *migration.Registry
	Now        func() time.Time
}

// Runtime is an opened store with every engine wired on top of it.
type Runtime struct {
	Config       config.Config
	Store        *storage.Store
	Keyring      *crypto.Keyring
	Envelopes    *envelope.Store
	Orchestrator *orchestrator.Orchestrator
	Migrations   *migration.Engine
	Backups      *backup.Engine
	Metrics      *metrics.Metrics
	Audit        *audit.Service

	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	collections map[domain.Kind]*collection.Service
	closeOnce   sync.Once
}

func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	logger := logpkg.OrDiscard(opts.Logger)

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	keyring, err := Unlock(ctx, store, opts.Passphrase)
	switch {
	case errors.Is(err, ErrNotInitialized):
		keyring = nil
		if cfg.Storage.Encrypt || cfg.Backup.Encrypt {
			logger.Warn("store has no master key; data is written unencrypted", "path", store.Path())
		}
	case err != nil:
		_ = store.Close()
		return nil, err
	}

	rt, err := wire(ctx, store, keyring, opts, logger)
	if err != nil {
		if keyring != nil {
			keyring.Destroy()
		}
		_ = store.Close()
		return nil, err
	}

	if cfg.Migration.ValidateOnLaunch {
		check, err := rt.Migrations.ValidateMigrationIntegrity(ctx)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		for _, warning := range check.Warnings {
			logger.Warn("migration integrity", "warning", warning)
		}
	}
	return rt, nil
}

func wire(ctx context.Context, store *storage.Store, keyring *crypto.Keyring, opts Options, logger *slog.Logger) (*Runtime, error) {
	cfg := opts.Config
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	env, err := envelope.New(store, envelope.Options{
		Prefix:               cfg.Storage.KeyPrefix,
		Keyring:              keyring,
		Encrypt:              cfg.Storage.Encrypt && keyring != nil,
		CompressionThreshold: cfg.Compression.Threshold,
		Now:                  now,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open envelope store: %w", err)
	}

	orch := orchestrator.New(env, orchestrator.Options{
		MaxBatchSize:         cfg.Batch.MaxSize,
		ChunkSize:            cfg.Batch.ChunkSize,
		MaxAttempts:          cfg.Batch.MaxAttempts,
		BaseDelay:            cfg.Batch.BaseDelay,
		CompressionThreshold: cfg.Compression.Threshold,
		Logger:               logger,
		Metrics:              m,
		Now:                  now,
	})

	backups := backup.New(orch, backup.Config{
		IncludeReceipts:    cfg.Backup.IncludeReceipts,
		IncludeInvestments: cfg.Backup.IncludeInvestments,
		Compress:           cfg.Backup.Compress,
		Encrypt:            cfg.Backup.Encrypt,
		Keyring:            keyring,
		MaxBackupSize:      cfg.Backup.MaxSizeMB << 20,
		MaxBackups:         cfg.Backup.MaxBackups,
		RetentionDays:      cfg.Backup.RetentionDays,
		AutoCleanup:        cfg.Backup.AutoCleanup,
		AppVersion:         opts.AppVersion,
		Logger:             logger,
		Metrics:            m,
		Now:                now,
	})

	migrations := migration.New(orch, migration.Config{
		Registry:     opts.Registry,
		Snapshotter:  backups,
		HistoryLimit: cfg.Migration.HistoryLimit,
		Logger:       logger,
		Metrics:      m,
		Now:          now,
	})

	journal, err := audit.NewService(ctx, store, now)
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Config:       cfg,
		Store:        store,
		Keyring:      keyring,
		Envelopes:    env,
		Orchestrator: orch,
		Migrations:   migrations,
		Backups:      backups,
		Metrics:      m,
		Audit:        journal,
		logger:       logger,
		now:          now,
		collections:  map[domain.Kind]*collection.Service{},
	}, nil
}

func (r *Runtime) Logger() *slog.Logger { return r.logger }

// RecordAudit appends an audit event for an operation that finished with
// opErr. Journal failures are logged and never mask the operation result.
func (r *Runtime) RecordAudit(ctx context.Context, action, targetType, targetID string, opErr error, details any) {
	result := audit.ResultSuccess
	if opErr != nil {
		result = audit.ResultFailure
	}
	err := r.Audit.Record(ctx, audit.Event{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Result:     result,
		Details:    details,
	})
	if err != nil {
		r.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

// Encrypted reports whether envelopes are sealed.
func (r *Runtime) Encrypted() bool {
	return r.Keyring != nil && r.Config.Storage.Encrypt
}

// Collection returns the shared service for kind.
func (r *Runtime) Collection(kind domain.Kind) (*collection.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.collections[kind]; ok {
		return svc, nil
	}
	svc, err := collection.New(r.Orchestrator, kind, collection.Options{
		CacheTTL: r.Config.Collection.CacheTTL,
		Now:      r.now,
		Logger:   r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.collections[kind] = svc
	return svc, nil
}

// Migrate runs pending migrations, snapshotting first when configured.
func (r *Runtime) Migrate(ctx context.Context, dryRun bool) (*migration.Result, error) {
	return r.Migrations.Migrate(ctx, migration.Options{
		DryRun:       dryRun,
		CreateBackup: r.Config.Migration.BackupBeforeRun,
	})
}

func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.Keyring != nil {
			r.Keyring.Destroy()
		}
		err = r.Store.Close()
	})
	return err
}
