package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/EduardKakosyan/finsync/internal/compress"
	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
)

type CleanupOptions struct {
	RemoveExpired bool
	ClearCache    bool
	ClearTemp     bool
	Recompress    bool
}

// AllCleanup enables every cleanup step.
func AllCleanup() CleanupOptions {
	return CleanupOptions{RemoveExpired: true, ClearCache: true, ClearTemp: true, Recompress: true}
}

type CleanupResult struct {
	ExpiredRemoved int      `json:"expiredRemoved"`
	CacheRemoved   int      `json:"cacheRemoved"`
	TempRemoved    int      `json:"tempRemoved"`
	Recompressed   int      `json:"recompressed"`
	BytesBefore    int64    `json:"bytesBefore"`
	BytesAfter     int64    `json:"bytesAfter"`
	Errors         []string `json:"errors,omitempty"`
}

func (o *Orchestrator) CleanupStorage(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	result := &CleanupResult{}
	err := o.Exclusive(ctx, "cleanup", func(ctx context.Context) error {
		before, err := o.store.Stats(ctx)
		if err != nil {
			return err
		}
		result.BytesBefore = before.TotalSize

		if opts.RemoveExpired {
			n, err := o.store.PurgeExpired(ctx)
			result.ExpiredRemoved = n
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("purge expired: %v", err))
			}
		}

		if opts.ClearCache || opts.ClearTemp {
			keys, err := o.store.Keys(ctx)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if domain.IsSystemKey(key) || domain.IsBackupKey(key) || domain.IsQuarantineKey(key) {
					continue
				}
				switch {
				case opts.ClearCache && isCacheKey(key):
					if o.removeForCleanup(ctx, key, result) {
						result.CacheRemoved++
					}
				case opts.ClearTemp && isTempKey(key):
					if o.removeForCleanup(ctx, key, result) {
						result.TempRemoved++
					}
				}
			}
		}

		if opts.Recompress {
			for _, kind := range domain.CoreKinds() {
				done, err := o.recompress(ctx, kind.Key())
				if err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("recompress %s: %v", kind.Key(), err))
					continue
				}
				if done {
					result.Recompressed++
				}
			}
		}

		after, err := o.store.Stats(ctx)
		if err != nil {
			return err
		}
		result.BytesAfter = after.TotalSize
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup storage: %w", err)
	}

	o.logger.Info("storage cleanup finished",
		"expired", result.ExpiredRemoved,
		"cache", result.CacheRemoved,
		"temp", result.TempRemoved,
		"recompressed", result.Recompressed,
		"bytes_before", result.BytesBefore,
		"bytes_after", result.BytesAfter)
	return result, nil
}

func (o *Orchestrator) removeForCleanup(ctx context.Context, key string, result *CleanupResult) bool {
	if err := o.store.Remove(ctx, key); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return false
	}
	return true
}

// recompress rewrites an uncompressed collection when the run-length
// estimate promises a ratio below recompressRatio.
func (o *Orchestrator) recompress(ctx context.Context, key string) (bool, error) {
	meta, ok, err := o.store.Inspect(ctx, key)
	if err != nil || !ok || meta.Compression != "" || meta.Size < o.threshold {
		return false, err
	}
	raw, ok, err := o.store.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if compress.EstimateRLERatio(string(raw)) >= recompressRatio {
		return false, nil
	}

	opts := envelope.SetOptions{Compress: true, Version: meta.Version}
	if meta.Expiry != nil {
		opts.TTL = meta.Expiry.Sub(o.now())
		if opts.TTL <= 0 {
			return false, nil
		}
	}
	if err := o.store.Set(ctx, key, raw, opts); err != nil {
		return false, err
	}
	return true, nil
}

func isCacheKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "cache")
}

func isTempKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "temp") || strings.Contains(lower, "tmp")
}

type StorageStats struct {
	envelope.Stats
	RecordCounts   map[string]int `json:"recordCounts"`
	CompressedKeys int            `json:"compressedKeys"`
	BackupKeys     int            `json:"backupKeys"`
}

// GetStorageStats combines envelope stats with per-collection record counts.
func (o *Orchestrator) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	base, err := o.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage stats: %w", err)
	}
	stats := &StorageStats{Stats: base, RecordCounts: map[string]int{}}

	keys, err := o.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage stats: %w", err)
	}
	for _, key := range keys {
		if domain.IsBackupKey(key) {
			stats.BackupKeys++
		}
		meta, ok, err := o.store.Inspect(ctx, key)
		if err == nil && ok && meta.Compression != "" {
			stats.CompressedKeys++
		}
	}

	for _, kind := range domain.AllKinds() {
		if !kind.IsCollection() {
			continue
		}
		raw, ok, err := o.store.GetRaw(ctx, kind.Key())
		if err != nil || !ok {
			continue
		}
		value, err := decodeValue(raw)
		if err != nil {
			continue
		}
		if items, isArray := value.([]any); isArray {
			stats.RecordCounts[kind.Key()] = len(items)
		}
	}
	return stats, nil
}
