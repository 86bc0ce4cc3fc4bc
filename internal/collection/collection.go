// Package collection is the record-level API the finance services use. Each
// Service owns one logical collection and never exposes envelopes,
// checksums or migration state.
package collection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
	logpkg "github.com/EduardKakosyan/finsync/internal/log"
	"github.com/EduardKakosyan/finsync/internal/orchestrator"
)

const DefaultCacheTTL = 5 * time.Minute

var (
	ErrRecordNotFound = errors.New("collection: record not found")
	ErrDuplicateID    = errors.New("collection: duplicate id")
	ErrNotCollection  = errors.New("collection: kind is not a collection")
)

type Options struct {
	CacheTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type Stats struct {
	Kind        string     `json:"kind"`
	Count       int        `json:"count"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	Newest      *time.Time `json:"newest,omitempty"`
	CacheHits   uint64     `json:"cacheHits"`
	CacheMisses uint64     `json:"cacheMisses"`
}

type Service struct {
	kind   domain.Kind
	orch   *orchestrator.Orchestrator
	now    func() time.Time
	logger *slog.Logger

	// mu serialises read-modify-write cycles and guards the cache generation.
	mu     sync.Mutex
	gen    uint64
	epoch  uint64
	cache  *expiremap.ExpireMap[uint64, []domain.Record]
	hits   uint64
	misses uint64
}

func New(orch *orchestrator.Orchestrator, kind domain.Kind, opts Options) (*Service, error) {
	if !kind.IsCollection() {
		return nil, fmt.Errorf("%w: %s", ErrNotCollection, kind)
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		kind:   kind,
		orch:   orch,
		now:    now,
		logger: logpkg.OrDiscard(opts.Logger).With("collection", kind.Key()),
		cache:  expiremap.NewEx[uint64, []domain.Record](ttl, ttl),
	}, nil
}

func (s *Service) Kind() domain.Kind { return s.kind }

// Create stores rec, assigning an id and createdAt when they are missing.
func (s *Service) Create(ctx context.Context, rec domain.Record) (domain.Record, error) {
	created, err := clone(rec)
	if err != nil {
		return nil, err
	}
	if created == nil {
		created = domain.Record{}
	}
	err = s.mutate(ctx, "create", func(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
		id, ok := domain.ID(created)
		if !ok {
			id = uuid.NewString()
			created[domain.FieldID] = id
		}
		if indexOf(records, id) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		stamp := domain.FormatTime(s.now())
		if !domain.HasIdentity(created) {
			created[domain.FieldCreatedAt] = stamp
		}
		created[domain.FieldUpdatedAt] = stamp
		return append(records, created), nil
	})
	if err != nil {
		return nil, err
	}
	return clone(created)
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	i := indexOf(records, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, s.kind, id)
	}
	return clone(records[i])
}

func (s *Service) GetAll(ctx context.Context) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return cloneAll(records)
}

// Update merges patch into the record. id and createdAt are never changed.
func (s *Service) Update(ctx context.Context, id string, patch domain.Record) (domain.Record, error) {
	fields, err := clone(patch)
	if err != nil {
		return nil, err
	}
	var updated domain.Record
	err = s.mutate(ctx, "update", func(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
		i := indexOf(records, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, s.kind, id)
		}
		current, err := clone(records[i])
		if err != nil {
			return nil, err
		}
		for k, v := range fields {
			if k == domain.FieldID || k == domain.FieldCreatedAt {
				continue
			}
			current[k] = v
		}
		current[domain.FieldUpdatedAt] = domain.FormatTime(s.now())
		updated = current

		next := append([]domain.Record(nil), records...)
		next[i] = current
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(updated)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete", func(ctx context.Context, records []domain.Record) ([]domain.Record, error) {
		i := indexOf(records, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s %s", ErrRecordNotFound, s.kind, id)
		}
		next := make([]domain.Record, 0, len(records)-1)
		next = append(next, records[:i]...)
		return append(next, records[i+1:]...), nil
	})
}

// Search returns records whose string fields contain query, ignoring case.
// With no fields every string field is searched.
func (s *Service) Search(ctx context.Context, query string, fields ...string) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var out []domain.Record
	for _, rec := range records {
		if matches(rec, needle, fields) {
			out = append(out, rec)
		}
	}
	return cloneAll(out)
}

// Clear removes the whole collection.
func (s *Service) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.orch.Mutate(ctx, "clear "+s.kind.Key(), func(ctx context.Context) error {
		return s.orch.Delete(ctx, s.kind.Key())
	})
	s.gen++
	if err != nil {
		return err
	}
	s.logger.Info("collection cleared")
	return nil
}

func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Kind: s.kind.Key(), Count: len(records), CacheHits: s.hits, CacheMisses: s.misses}
	for _, rec := range records {
		ts, ok := domain.CreatedAt(rec)
		if !ok {
			continue
		}
		if stats.Oldest == nil || ts.Before(*stats.Oldest) {
			t := ts
			stats.Oldest = &t
		}
		if stats.Newest == nil || ts.After(*stats.Newest) {
			t := ts
			stats.Newest = &t
		}
	}
	return stats, nil
}

// ClearCache drops cached reads. Entries of older generations are never
// read again and age out of the map.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
}

// mutate runs a read-modify-write of the whole collection under the
// orchestrator lock, so a restore or migration cannot land between the
// read and the write.
func (s *Service) mutate(ctx context.Context, op string, fn func(ctx context.Context, records []domain.Record) ([]domain.Record, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.orch.Mutate(ctx, op+" "+s.kind.Key(), func(ctx context.Context) error {
		records, err := s.load(ctx)
		if err != nil {
			return err
		}
		next, err := fn(ctx, records)
		if err != nil {
			return err
		}
		return s.save(ctx, next)
	})
}

// load returns the cached collection or reads it through the orchestrator.
// A structural operation since the last read drops the cache. Callers hold
// mu and must not mutate the result.
func (s *Service) load(ctx context.Context) ([]domain.Record, error) {
	if epoch := s.orch.Epoch(); epoch != s.epoch {
		s.epoch = epoch
		s.gen++
	}
	if cached, ok := s.cache.Load(s.gen); ok {
		s.hits++
		return *cached, nil
	}
	s.misses++

	var records []domain.Record
	if _, err := s.orch.LoadExact(ctx, s.kind.Key(), &records); err != nil {
		return nil, fmt.Errorf("load %s: %w", s.kind, err)
	}
	s.cache.Set(s.gen, records)
	return records, nil
}

func (s *Service) save(ctx context.Context, records []domain.Record) error {
	if records == nil {
		records = []domain.Record{}
	}
	if err := s.orch.Save(ctx, s.kind.Key(), records, envelope.SetOptions{}); err != nil {
		s.gen++
		return fmt.Errorf("save %s: %w", s.kind, err)
	}
	s.gen++
	s.cache.Set(s.gen, records)
	return nil
}

func indexOf(records []domain.Record, id string) int {
	for i, rec := range records {
		if got, ok := domain.ID(rec); ok && got == id {
			return i
		}
	}
	return -1
}

func matches(rec domain.Record, needle string, fields []string) bool {
	if len(fields) == 0 {
		for _, v := range rec {
			if str, ok := v.(string); ok && strings.Contains(strings.ToLower(str), needle) {
				return true
			}
		}
		return false
	}
	for _, field := range fields {
		if str, ok := rec[field].(string); ok && strings.Contains(strings.ToLower(str), needle) {
			return true
		}
	}
	return false
}

func clone(rec domain.Record) (domain.Record, error) {
	if rec == nil {
		return nil, nil
	}
	var out domain.Record
	if err := deepcopy.Copy(&out, &rec); err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	return out, nil
}

func cloneAll(records []domain.Record) ([]domain.Record, error) {
	out := make([]domain.Record, 0, len(records))
	if err := deepcopy.Copy(&out, &records); err != nil {
		return nil, fmt.Errorf("copy records: %w", err)
	}
	return out, nil
}
