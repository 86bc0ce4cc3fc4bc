// Package orchestrator coordinates every multi-key interaction with the
// envelope store: batched retrying I/O, conditional compression, integrity
// scanning and repair, cleanup, and the structural lock that serialises
// migrations, repairs and restores.
package orchestrator

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"

	"github.com/EduardKakosyan/finsync/internal/compress"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	logpkg "github.com/EduardKakosyan/finsync/internal/log"
	"github.com/EduardKakosyan/finsync/internal/metrics"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

const (
	DefaultMaxBatchSize = 100
	DefaultChunkSize    = 10
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 100 * time.Millisecond

	recompressRatio = 0.8
)

type Options struct {
	MaxBatchSize         int
	ChunkSize            int
	MaxAttempts          int
	BaseDelay            time.Duration
	CompressionThreshold int
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
	Now                  func() time.Time
}

type Orchestrator struct {
	store *envelope.Store

	maxBatchSize int
	chunkSize    int
	maxAttempts  int
	baseDelay    time.Duration
	threshold    int

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	lock   *semaphore.Weighted
	holder holderSlot
	epoch  atomic.Uint64
}

func New(store *envelope.Store, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		maxBatchSize: opts.MaxBatchSize,
		chunkSize:    opts.ChunkSize,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		threshold:    opts.CompressionThreshold,
		logger:       logpkg.OrDiscard(opts.Logger),
		metrics:      opts.Metrics,
		now:          opts.Now,
		lock:         semaphore.NewWeighted(1),
	}
	if o.maxBatchSize <= 0 {
		o.maxBatchSize = DefaultMaxBatchSize
	}
	if o.chunkSize <= 0 {
		o.chunkSize = DefaultChunkSize
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	if o.baseDelay < 0 {
		o.baseDelay = 0
	}
	if o.threshold <= 0 {
		o.threshold = compress.DefaultThreshold
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

func (o *Orchestrator) Store() *envelope.Store { return o.store }

func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Load reads key into out without retries.
func (o *Orchestrator) Load(ctx context.Context, key string, out any) (bool, error) {
	return o.store.Get(ctx, key, out)
}

func (o *Orchestrator) LoadRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return o.store.GetRaw(ctx, key)
}

// LoadExact reads key into out with numbers decoded as json.Number, so a
// value that is rewritten keeps every digit it was stored with.
func (o *Orchestrator) LoadExact(ctx context.Context, key string, out any) (bool, error) {
	raw, ok, err := o.store.GetRaw(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := DecodeExact(raw, out); err != nil {
		return true, storage.NewError(storage.CodeDecodeFailed, key, err)
	}
	return true, nil
}

// DecodeExact unmarshals raw into out keeping numbers as json.Number.
func DecodeExact(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

// KeepOptions returns write options that preserve the compression and the
// remaining lifetime of the entry at key. A missing entry gets version and
// nothing else.
func (o *Orchestrator) KeepOptions(ctx context.Context, key, version string) (envelope.SetOptions, error) {
	opts := envelope.SetOptions{Version: version}
	meta, ok, err := o.store.Inspect(ctx, key)
	if err != nil || !ok {
		return opts, err
	}
	if version == "" {
		opts.Version = meta.Version
	}
	opts.Compress = meta.Compression != ""
	if meta.Expiry != nil {
		opts.TTL = meta.Expiry.Sub(o.now())
		if opts.TTL <= 0 {
			opts.TTL = time.Nanosecond
		}
	}
	return opts, nil
}

// Save writes value under key without retries.
func (o *Orchestrator) Save(ctx context.Context, key string, value any, opts envelope.SetOptions) error {
	return o.store.Set(ctx, key, value, opts)
}

func (o *Orchestrator) Delete(ctx context.Context, key string) error {
	return o.store.Remove(ctx, key)
}

// Keys lists every logical key.
func (o *Orchestrator) Keys(ctx context.Context) ([]string, error) {
	return o.store.Keys(ctx)
}
