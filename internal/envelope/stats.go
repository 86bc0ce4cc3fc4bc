package envelope

import (
	"context"
	"time"

	"github.com/EduardKakosyan/finsync/internal/storage"
)

// Meta describes a stored envelope without decoding its payload.
type Meta struct {
	Key         string
	Size        int
	Timestamp   time.Time
	Version     string
	Expiry      *time.Time
	Compression string
	Expired     bool
}

type Stats struct {
	Keys       int
	TotalSize  int64
	Oldest     *Meta
	Newest     *Meta
	Unreadable []string
}

// Inspect reads envelope metadata. Expired entries are reported, not evicted.
func (s *Store) Inspect(ctx context.Context, key string) (Meta, bool, error) {
	raw, ok, err := s.kv.Get(ctx, s.physical(key))
	if err != nil {
		return Meta{}, false, storage.NewError(storage.CodeGetFailed, key, err)
	}
	if !ok {
		return Meta{}, false, nil
	}
	env, err := s.decode(key, raw)
	if err != nil {
		return Meta{}, false, err
	}

	meta := Meta{
		Key:         key,
		Size:        len(raw),
		Timestamp:   time.UnixMilli(env.Timestamp),
		Version:     env.Version,
		Compression: env.Compression,
	}
	if env.Expiry != nil {
		expiry := time.UnixMilli(*env.Expiry)
		meta.Expiry = &expiry
		meta.Expired = s.now().UnixMilli() > *env.Expiry
	}
	return meta, true, nil
}

// Stats walks every key under the prefix. Keys that cannot be decoded are
// listed in Unreadable and left out of the totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return Stats{}, err
	}

	var out Stats
	for _, key := range keys {
		meta, ok, err := s.Inspect(ctx, key)
		if err != nil {
			s.logger.Warn("stats: skipping unreadable key", "key", key, "error", err)
			out.Unreadable = append(out.Unreadable, key)
			continue
		}
		if !ok {
			continue
		}
		out.Keys++
		out.TotalSize += int64(meta.Size)
		if out.Oldest == nil || meta.Timestamp.Before(out.Oldest.Timestamp) {
			m := meta
			out.Oldest = &m
		}
		if out.Newest == nil || meta.Timestamp.After(out.Newest.Timestamp) {
			m := meta
			out.Newest = &m
		}
	}
	return out, nil
}

// PurgeExpired removes every expired envelope and returns how many were
// removed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		meta, ok, err := s.Inspect(ctx, key)
		if err != nil || !ok || !meta.Expired {
			continue
		}
		if err := s.Remove(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("purged expired envelopes", "count", removed)
	}
	return removed, nil
}
