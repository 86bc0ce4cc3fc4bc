// Package migration applies ordered, semver-keyed schema scripts to the
// logical collections. Every run is staged in memory and only committed when
// all of its steps succeed, so the stored data and the recorded data version
// always move together.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"

	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	logpkg "github.com/EduardKakosyan/finsync/internal/log"
	"github.com/EduardKakosyan/finsync/internal/metrics"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
)

const DefaultHistoryLimit = 10

var ErrInvalidTarget = errors.New("migration: invalid rollback target")

// Snapshotter takes a named backup and returns its id.
type Snapshotter interface {
	Snapshot(ctx context.Context, name string) (string, error)
}

type VersionInfo struct {
	Version           string     `json:"version"`
	InstallDate       time.Time  `json:"installDate"`
	LastMigration     *time.Time `json:"lastMigration,omitempty"`
	PendingMigrations []string   `json:"pendingMigrations"`
}

type Options struct {
	DryRun         bool
	CreateBackup   bool
	SkipValidation bool
}

type Result struct {
	Success     bool          `json:"success"`
	DryRun      bool          `json:"dryRun"`
	FromVersion string        `json:"fromVersion"`
	ToVersion   string        `json:"toVersion"`
	Applied     []string      `json:"applied"`
	Failed      []string      `json:"failed,omitempty"`
	Changed     []string      `json:"changed,omitempty"`
	BackupID    string        `json:"backupId,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	Duration    time.Duration `json:"duration"`
	Run         *Run          `json:"run,omitempty"`
}

type Config struct {
	Registry     *Registry
	Snapshotter  Snapshotter
	HistoryLimit int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

type Engine struct {
	orch         *orchestrator.Orchestrator
	registry     *Registry
	snap         Snapshotter
	historyLimit int
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func New(orch *orchestrator.Orchestrator, cfg Config) *Engine {
	e := &Engine{
		orch:         orch,
		registry:     cfg.Registry,
		snap:         cfg.Snapshotter,
		historyLimit: cfg.HistoryLimit,
		logger:       logpkg.OrDiscard(cfg.Logger),
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.historyLimit <= 0 {
		e.historyLimit = DefaultHistoryLimit
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

// VersionInfo returns the stored data version, creating it at the baseline
// on first access. PendingMigrations is recomputed on every call.
func (e *Engine) VersionInfo(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	ok, err := e.orch.Load(ctx, domain.KeyDataVersion, &info)
	if err != nil {
		return nil, fmt.Errorf("load data version: %w", err)
	}
	if !ok {
		info = VersionInfo{Version: BaselineVersion, InstallDate: e.now().UTC()}
		info.PendingMigrations = versionsOf(e.registry.After(info.Version))
		if err := e.orch.Save(ctx, domain.KeyDataVersion, info, envelope.SetOptions{}); err != nil {
			return nil, fmt.Errorf("initialise data version: %w", err)
		}
		return &info, nil
	}
	info.PendingMigrations = versionsOf(e.registry.After(info.Version))
	return &info, nil
}

// CheckMigrationNeeded lists the versions that Migrate would apply.
func (e *Engine) CheckMigrationNeeded(ctx context.Context) ([]string, error) {
	info, err := e.VersionInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info.PendingMigrations, nil
}

// Migrate applies every pending script. Steps run in order against an
// in-memory stage and a failing step does not stop later ones, but nothing
// is written unless every step succeeded.
func (e *Engine) Migrate(ctx context.Context, opts Options) (*Result, error) {
	var res *Result
	err := e.orch.Exclusive(ctx, "migrate", func(ctx context.Context) error {
		info, err := e.VersionInfo(ctx)
		if err != nil {
			return err
		}
		scripts := e.registry.After(info.Version)
		res = &Result{Success: true, DryRun: opts.DryRun, FromVersion: info.Version, ToVersion: info.Version, Applied: []string{}}
		if len(scripts) == 0 {
			return nil
		}
		res.ToVersion = scripts[len(scripts)-1].Version

		if opts.CreateBackup && !opts.DryRun && e.snap != nil {
			id, err := e.snap.Snapshot(ctx, "pre-migration-"+res.ToVersion)
			if err != nil {
				return fmt.Errorf("pre-migration backup: %w", err)
			}
			res.BackupID = id
		}

		e.execute(ctx, res, info, DirectionUp, scripts, !opts.SkipValidation)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return res, nil
}

// Rollback runs the down scripts of every version in (target, current],
// newest first, and moves the data version to target on full success.
func (e *Engine) Rollback(ctx context.Context, target string, opts Options) (*Result, error) {
	var res *Result
	err := e.orch.Exclusive(ctx, "rollback", func(ctx context.Context) error {
		if _, ok := e.registry.Script(target); !ok {
			return fmt.Errorf("%w: %w %q", ErrInvalidTarget, ErrUnknownVersion, target)
		}
		info, err := e.VersionInfo(ctx)
		if err != nil {
			return err
		}
		if Compare(target, info.Version) >= 0 {
			return fmt.Errorf("%w: %s is not older than %s", ErrInvalidTarget, target, info.Version)
		}
		scripts, err := e.registry.Between(target, info.Version)
		if err != nil {
			return err
		}

		res = &Result{Success: true, DryRun: opts.DryRun, FromVersion: info.Version, ToVersion: target, Applied: []string{}}
		if opts.CreateBackup && !opts.DryRun && e.snap != nil {
			id, err := e.snap.Snapshot(ctx, "pre-rollback-"+target)
			if err != nil {
				return fmt.Errorf("pre-rollback backup: %w", err)
			}
			res.BackupID = id
		}

		e.execute(ctx, res, info, DirectionDown, scripts, false)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}
	return res, nil
}

type stage struct {
	values  Bundle
	present map[string]bool
}

func (e *Engine) execute(ctx context.Context, res *Result, info *VersionInfo, dir Direction, scripts []Script, validate bool) {
	started := e.now()
	run := &Run{
		ID:          uuid.NewString(),
		Direction:   dir,
		FromVersion: res.FromVersion,
		ToVersion:   res.ToVersion,
		StartedAt:   started.UTC(),
		Status:      RunInProgress,
		BackupID:    res.BackupID,
	}
	for _, script := range scripts {
		run.Steps = append(run.Steps, Step{ID: script.Version, Description: script.Description, Status: StepPending})
	}
	res.Run = run
	tr := newTracker(run, e.now)
	e.persistRun(ctx, res)

	st := &stage{values: Bundle{}, present: map[string]bool{}}
	for i, script := range scripts {
		tr.startStep(i)
		err := e.runStep(ctx, st, script, dir, validate)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", script.Version, err))
			res.Failed = append(res.Failed, script.Version)
			e.transition(res, tr.failStep(ctx, i, err.Error()))
			e.metrics.ObserveMigrationStep(string(dir), false)
			e.logger.Warn("migration step failed", "version", script.Version, "direction", string(dir), "error", err)
		} else {
			res.Applied = append(res.Applied, script.Version)
			e.transition(res, tr.completeStep(ctx, i))
			e.metrics.ObserveMigrationStep(string(dir), true)
			e.logger.Info("migration step staged", "version", script.Version, "direction", string(dir))
		}
		e.persistRun(ctx, res)
	}

	res.Changed = st.changedKeys()
	if len(res.Errors) == 0 && !res.DryRun {
		if err := e.commit(ctx, st, res.ToVersion, info); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}
	e.transition(res, tr.finish(ctx, len(res.Errors) == 0))
	res.Duration = e.now().Sub(started)

	e.persistRun(ctx, res)
	if !res.DryRun {
		if err := e.appendHistory(ctx, *run); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
	}
	// Bookkeeping failures above count too.
	res.Success = len(res.Errors) == 0
	e.logger.Info("migration run finished",
		"run", run.ID,
		"direction", string(dir),
		"from", res.FromVersion,
		"to", res.ToVersion,
		"status", string(run.Status),
		"dry_run", res.DryRun)
}

func (e *Engine) runStep(ctx context.Context, st *stage, script Script, dir Direction, validate bool) error {
	if err := e.loadInto(ctx, st, script.Keys); err != nil {
		return err
	}

	work := Bundle{}
	for _, key := range script.Keys {
		work[key] = st.values[key]
	}
	var isolated Bundle
	if err := deepcopy.Copy(&isolated, &work); err != nil {
		return fmt.Errorf("stage bundle: %w", err)
	}

	if validate && script.Validate != nil {
		vr := script.Validate(isolated)
		for _, w := range vr.Warnings {
			e.logger.Warn("migration validation warning", "version", script.Version, "warning", w)
		}
		if !vr.Valid {
			return fmt.Errorf("validation failed: %v", vr.Errors)
		}
	}

	apply := script.Up
	if dir == DirectionDown {
		apply = script.Down
	}
	out, err := apply(isolated)
	if err != nil {
		return err
	}
	for _, key := range script.Keys {
		st.values[key] = out[key]
	}
	return nil
}

// loadInto reads keys that are not yet staged through one batch.
func (e *Engine) loadInto(ctx context.Context, st *stage, keys []string) error {
	var ops []orchestrator.Operation
	for _, key := range keys {
		if _, staged := st.values[key]; staged {
			continue
		}
		ops = append(ops, orchestrator.Operation{Kind: orchestrator.OpGet, Key: key})
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
			return fmt.Errorf("load %s: %w", r.Key, r.Err)
		}
		if !r.Found {
			st.values[r.Key] = nil
			continue
		}
		var value any
		if err := orchestrator.DecodeExact(r.Value, &value); err != nil {
			return fmt.Errorf("decode %s: %w", r.Key, err)
		}
		st.values[r.Key] = value
		st.present[r.Key] = true
	}
	return nil
}

func (st *stage) changedKeys() []string {
	var out []string
	for key, value := range st.values {
		if value != nil || st.present[key] {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// commit writes the stage and then advances the data version. A failed
// write leaves the version where it was.
func (e *Engine) commit(ctx context.Context, st *stage, version string, info *VersionInfo) error {
	var ops []orchestrator.Operation
	for _, key := range st.changedKeys() {
		value := st.values[key]
		if value == nil {
			ops = append(ops, orchestrator.Operation{Kind: orchestrator.OpRemove, Key: key})
			continue
		}
		opts, err := e.orch.KeepOptions(ctx, key, version)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		ops = append(ops, orchestrator.Operation{
			Kind:    orchestrator.OpSet,
			Key:     key,
			Value:   value,
			Options: opts,
		})
	}

	if len(ops) > 0 {
		results, err := e.orch.ExecuteBatch(ctx, ops)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if failed := orchestrator.Failed(results); len(failed) > 0 {
			var errs []error
			for _, r := range failed {
				errs = append(errs, fmt.Errorf("%s: %w", r.Key, r.Err))
			}
			return fmt.Errorf("commit: %w", errors.Join(errs...))
		}
	}

	now := e.now().UTC()
	next := *info
	next.Version = version
	next.LastMigration = &now
	next.PendingMigrations = versionsOf(e.registry.After(version))
	if err := e.orch.Save(ctx, domain.KeyDataVersion, next, envelope.SetOptions{}); err != nil {
		return fmt.Errorf("update data version: %w", err)
	}
	*info = next
	return nil
}

func (e *Engine) transition(res *Result, err error) {
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("state transition: %v", err))
	}
}

func (e *Engine) persistRun(ctx context.Context, res *Result) {
	if res.DryRun {
		return
	}
	if err := e.orch.Save(ctx, domain.KeyMigrationState, res.Run, envelope.SetOptions{}); err != nil {
		e.logger.Warn("persist migration run", "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("persist run: %v", err))
	}
}

func (e *Engine) appendHistory(ctx context.Context, run Run) error {
	history, err := e.History(ctx)
	if err != nil {
		return err
	}
	history = append(history, run)
	if len(history) > e.historyLimit {
		history = history[len(history)-e.historyLimit:]
	}
	if err := e.orch.Save(ctx, domain.KeyMigrationHistory, history, envelope.SetOptions{}); err != nil {
		return fmt.Errorf("save migration history: %w", err)
	}
	return nil
}

// History returns finished runs, oldest first.
func (e *Engine) History(ctx context.Context) ([]Run, error) {
	var history []Run
	if _, err := e.orch.Load(ctx, domain.KeyMigrationHistory, &history); err != nil {
		return nil, fmt.Errorf("load migration history: %w", err)
	}
	return history, nil
}

// CurrentRun returns the most recently persisted run.
func (e *Engine) CurrentRun(ctx context.Context) (*Run, bool, error) {
	var run Run
	ok, err := e.orch.Load(ctx, domain.KeyMigrationState, &run)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &run, true, nil
}

type IntegrityCheck struct {
	Valid           bool                          `json:"valid"`
	StoredVersion   string                        `json:"storedVersion"`
	ExpectedVersion string                        `json:"expectedVersion"`
	Warnings        []string                      `json:"warnings,omitempty"`
	Report          *orchestrator.IntegrityReport `json:"report"`
}

// ValidateMigrationIntegrity runs the integrity scan and compares the stored
// version with the newest registered one. A version mismatch is a warning.
func (e *Engine) ValidateMigrationIntegrity(ctx context.Context) (*IntegrityCheck, error) {
	report, err := e.orch.CheckDataIntegrity(ctx)
	if err != nil {
		return nil, err
	}
	info, err := e.VersionInfo(ctx)
	if err != nil {
		return nil, err
	}
	check := &IntegrityCheck{
		StoredVersion:   info.Version,
		ExpectedVersion: e.registry.Latest(),
		Report:          report,
	}
	if check.StoredVersion != check.ExpectedVersion {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("stored data version %s differs from expected %s", check.StoredVersion, check.ExpectedVersion))
	}
	for _, issue := range report.Issues {
		if issue.Severity == orchestrator.SeverityCritical || issue.Severity == orchestrator.SeverityHigh {
			check.Warnings = append(check.Warnings, fmt.Sprintf("%s issue in %s: %s", issue.Type, issue.Entity, issue.Description))
		}
	}
	check.Valid = report.Healthy()
	return check, nil
}

func versionsOf(scripts []Script) []string {
	out := make([]string, 0, len(scripts))
	for _, s := range scripts {
		out = append(out, s.Version)
	}
	return out
}
