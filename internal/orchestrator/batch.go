package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/EduardKakosyan/finsync/internal/envelope"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

type OpKind string

var errUnknownOp = errors.New("unknown batch operation")

const (
	OpSet    OpKind = "set"
	OpGet    OpKind = "get"
	OpRemove OpKind = "remove"
)

type Operation struct {
	Kind    OpKind
	Key     string
	Value   any
	Options envelope.SetOptions
}

// Result reports the outcome of one operation. Value and Found are only
// meaningful for successful gets.
type Result struct {
	Index    int
	Key      string
	Kind     OpKind
	Success  bool
	Found    bool
	Value    json.RawMessage
	Err      error
	Attempts int
}

// ExecuteBatch runs ops in sequential chunks with the operations of a chunk
// running concurrently. A failing operation never affects its siblings. The
// returned error is only non-nil when the batch was rejected as a whole.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, ops []Operation) ([]Result, error) {
	if len(ops) > o.maxBatchSize {
		return nil, storage.NewError(storage.CodeBatchSizeExceeded, "",
			fmt.Errorf("batch of %d operations exceeds limit %d", len(ops), o.maxBatchSize))
	}

	results := make([]Result, len(ops))
	for start := 0; start < len(ops); start += o.chunkSize {
		end := start + o.chunkSize
		if end > len(ops) {
			end = len(ops)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				results[i] = o.runWithRetry(ctx, i, ops[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	if failed > 0 {
		o.logger.Warn("batch completed with failures", "operations", len(ops), "failed", failed)
	}
	return results, nil
}

// Failed returns the results that did not succeed.
func Failed(results []Result) []Result {
	var out []Result
	for _, res := range results {
		if !res.Success {
			out = append(out, res)
		}
	}
	return out
}

func (o *Orchestrator) runWithRetry(ctx context.Context, index int, op Operation) Result {
	res := Result{Index: index, Key: op.Key, Kind: op.Kind}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = o.baseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = o.baseDelay << uint(o.maxAttempts)
	policy.MaxElapsedTime = 0
	policy.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(o.maxAttempts-1))
	if o.baseDelay == 0 {
		b = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(o.maxAttempts-1))
	}

	attempt := func() error {
		res.Attempts++
		found, value, err := o.apply(ctx, op)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res.Found, res.Value = found, value
		return nil
	}
	notify := func(err error, wait time.Duration) {
		o.metrics.ObserveRetry()
		o.logger.Debug("batch operation retry", "key", op.Key, "op", string(op.Kind), "attempt", res.Attempts, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify)
	if err != nil {
		res.Err = err
		o.metrics.ObserveBatchOp(string(op.Kind), false)
		return res
	}
	res.Success = true
	o.metrics.ObserveBatchOp(string(op.Kind), true)
	return res
}

func (o *Orchestrator) apply(ctx context.Context, op Operation) (bool, json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	switch op.Kind {
	case OpSet:
		return false, nil, o.store.Set(ctx, op.Key, op.Value, op.Options)
	case OpGet:
		value, found, err := o.store.GetRaw(ctx, op.Key)
		return found, value, err
	case OpRemove:
		return false, nil, o.store.Remove(ctx, op.Key)
	default:
		return false, nil, fmt.Errorf("%w %q", errUnknownOp, op.Kind)
	}
}

// retryable excludes failures a second attempt cannot change.
func retryable(err error) bool {
	switch storage.CodeOf(err) {
	case storage.CodeChecksumMismatch, storage.CodeDecodeFailed, storage.CodeDecompressionFailed:
		return false
	}
	return !errors.Is(err, errUnknownOp) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
