package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/EduardKakosyan/finsync/internal/storage"
)

type lockKey struct{}

type holderSlot struct {
	mu sync.Mutex
	op string
}

func (h *holderSlot) set(op string) {
	h.mu.Lock()
	h.op = op
	h.mu.Unlock()
}

func (h *holderSlot) get() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.op
}

// Exclusive runs fn while holding the structural lock, waiting for it if
// needed. The context passed to fn carries the lock, so nested Exclusive
// calls from inside fn run immediately.
func (o *Orchestrator) Exclusive(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if o.holds(ctx) {
		return fn(ctx)
	}
	if !o.lock.TryAcquire(1) {
		o.metrics.ObserveLockContention()
		o.logger.Debug("waiting for structural lock", "op", op, "holder", o.holder.get())
		if err := o.lock.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%s: acquire structural lock: %w", op, err)
		}
	}
	return o.runLocked(ctx, op, fn)
}

// TryExclusive is Exclusive without waiting: a busy lock fails with
// STRUCTURAL_LOCK_BUSY.
func (o *Orchestrator) TryExclusive(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if o.holds(ctx) {
		return fn(ctx)
	}
	if !o.lock.TryAcquire(1) {
		o.metrics.ObserveLockContention()
		return storage.NewError(storage.CodeStructuralLockBusy, "", fmt.Errorf("%s: lock held by %s", op, o.holder.get()))
	}
	return o.runLocked(ctx, op, fn)
}

// Mutate serialises a record-level read-modify-write with structural
// operations. Unlike Exclusive it does not advance the epoch, so other
// collections keep their cached reads.
func (o *Orchestrator) Mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if o.holds(ctx) {
		return fn(ctx)
	}
	if err := o.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%s: acquire structural lock: %w", op, err)
	}
	o.holder.set(op)
	defer o.release()
	return fn(context.WithValue(ctx, lockKey{}, o))
}

// Epoch changes after every structural operation. Readers that cache
// stored values compare it to detect writes they did not make.
func (o *Orchestrator) Epoch() uint64 {
	return o.epoch.Load()
}

func (o *Orchestrator) runLocked(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	o.holder.set(op)
	defer func() {
		o.epoch.Add(1)
		o.release()
	}()
	return fn(context.WithValue(ctx, lockKey{}, o))
}

func (o *Orchestrator) release() {
	o.holder.set("")
	o.lock.Release(1)
}

func (o *Orchestrator) holds(ctx context.Context) bool {
	owner, _ := ctx.Value(lockKey{}).(*Orchestrator)
	return owner == o
}
