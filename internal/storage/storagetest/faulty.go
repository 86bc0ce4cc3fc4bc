// Package storagetest provides KV doubles for engine tests.
package storagetest

import (
	"context"
	"sync"
	"time"

	"github.com/EduardKakosyan/finsync/internal/storage"
)

// Faulty wraps a KV and lets tests fail individual calls. A nil hook lets
// the call through.
type Faulty struct {
	storage.KV

	mu       sync.Mutex
	OnGet    func(key string) error
	OnSet    func(key, value string) error
	OnRemove func(key string) error
	OnKeys   func() error
	calls    map[string]int
}

var _ storage.KV = (*Faulty)(nil)

func NewFaulty(inner storage.KV) *Faulty {
	return &Faulty{KV: inner, calls: map[string]int{}}
}

// Calls returns how often op ("get", "set", "remove") was invoked for key.
func (f *Faulty) Calls(op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op+":"+key]
}

func (f *Faulty) record(op, key string) {
	f.mu.Lock()
	f.calls[op+":"+key]++
	f.mu.Unlock()
}

func (f *Faulty) Get(ctx context.Context, key string) (string, bool, error) {
	f.record("get", key)
	if f.OnGet != nil {
		if err := f.OnGet(key); err != nil {
			return "", false, err
		}
	}
	return f.KV.Get(ctx, key)
}

func (f *Faulty) Set(ctx context.Context, key, value string) error {
	f.record("set", key)
	if f.OnSet != nil {
		if err := f.OnSet(key, value); err != nil {
			return err
		}
	}
	return f.KV.Set(ctx, key, value)
}

func (f *Faulty) Remove(ctx context.Context, key string) error {
	f.record("remove", key)
	if f.OnRemove != nil {
		if err := f.OnRemove(key); err != nil {
			return err
		}
	}
	return f.KV.Remove(ctx, key)
}

func (f *Faulty) Keys(ctx context.Context) ([]string, error) {
	if f.OnKeys != nil {
		if err := f.OnKeys(); err != nil {
			return nil, err
		}
	}
	return f.KV.Keys(ctx)
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
