// Package audit journals structural operations (init, backups, migrations,
// repairs) in a hash chain. Each link hashes the canonical event together
// with the previous link, so an edited or dropped row fails Verify.
package audit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/EduardKakosyan/finsync/internal/canonical"
	"github.com/EduardKakosyan/finsync/internal/storage"
)

const verifyLimit = 1_000_000

var ErrActionRequired = errors.New("audit: action is required")

// Repository is satisfied by *storage.Store.
type Repository interface {
	AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter storage.AuditFilter) ([]storage.AuditEvent, error)
	AuditChainTip(ctx context.Context) (string, error)
}

type Service struct {
	repo Repository
	now  func() time.Time

	mu  sync.Mutex
	tip string
}

func NewService(ctx context.Context, repo Repository, now func() time.Time) (*Service, error) {
	if repo == nil {
		return nil, errors.New("new audit service: repository is nil")
	}
	tip, err := repo.AuditChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("new audit service: read chain tip: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, now: now, tip: tip}, nil
}

// Record appends event to the chain. Appends are serialized so the stored
// tip always names the last row.
func (s *Service) Record(ctx context.Context, event Event) error {
	if strings.TrimSpace(event.Action) == "" {
		return ErrActionRequired
	}
	at := event.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	result := event.Result
	if result == "" {
		result = ResultSuccess
	}
	details, err := sanitizedDetails(event.Details)
	if err != nil {
		return fmt.Errorf("record audit event %s: %w", event.Action, err)
	}

	row := storage.AuditEvent{
		Action:      event.Action,
		TargetType:  event.TargetType,
		TargetID:    event.TargetID,
		Result:      result,
		DetailsJSON: details,
		CreatedAt:   at.UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.appendLocked(ctx, &row)
	if errors.Is(err, storage.ErrAuditTipMoved) {
		// Another process journaled since our last append; relink once.
		if s.tip, err = s.repo.AuditChainTip(ctx); err == nil {
			err = s.appendLocked(ctx, &row)
		}
	}
	if err != nil {
		return fmt.Errorf("record audit event %s: %w", event.Action, err)
	}
	s.tip = row.EventHash
	return nil
}

func (s *Service) appendLocked(ctx context.Context, row *storage.AuditEvent) error {
	hash, err := linkHash(s.tip, *row)
	if err != nil {
		return err
	}
	row.PrevHash = s.tip
	row.EventHash = hash
	return s.repo.AppendAuditEvent(ctx, row)
}

// Verify walks the whole chain from the first row and then checks the
// stored tip against the last link. A broken chain is reported in the
// result, not as an error.
func (s *Service) Verify(ctx context.Context) (*VerifyResult, error) {
	rows, err := s.repo.ListAuditEvents(ctx, storage.AuditFilter{Limit: verifyLimit})
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: %w", err)
	}

	res := &VerifyResult{EventCount: len(rows)}
	prev := ""
	for _, row := range rows {
		expected, err := linkHash(prev, row)
		switch {
		case err != nil:
			res.Error = fmt.Sprintf("event %s: %v", row.ID, err)
		case !sameHash(row.PrevHash, prev), !sameHash(row.EventHash, expected):
			res.Error = fmt.Sprintf("hash mismatch at event %s", row.ID)
		}
		if res.Error != "" {
			res.ChainTip, res.BrokenAt = prev, row.ID
			return res, nil
		}
		prev = row.EventHash
	}
	res.ChainTip = prev

	stored, err := s.repo.AuditChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: read chain tip: %w", err)
	}
	if !sameHash(stored, prev) {
		res.Error = "hash mismatch at chain tip"
		return res, nil
	}
	res.Valid = true
	return res, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]RecordedEvent, error) {
	rows, err := s.repo.ListAuditEvents(ctx, storage.AuditFilter{
		Action:   filter.Action,
		TargetID: filter.TargetID,
		Since:    filter.Since,
		Until:    filter.Until,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	out := make([]RecordedEvent, len(rows))
	for i, row := range rows {
		out[i] = RecordedEvent{
			ID:          row.ID,
			Timestamp:   row.CreatedAt,
			Action:      row.Action,
			TargetType:  row.TargetType,
			TargetID:    row.TargetID,
			Result:      row.Result,
			DetailsJSON: row.DetailsJSON,
			PrevHash:    row.PrevHash,
			EventHash:   row.EventHash,
		}
	}
	return out, nil
}

// link is the hashed form of one row. Row ids are excluded so the chain
// only depends on content and order.
type link struct {
	Prev       string          `json:"prev"`
	At         string          `json:"at"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Result     string          `json:"result"`
	Details    json.RawMessage `json:"details"`
}

func linkHash(prev string, row storage.AuditEvent) (string, error) {
	details := strings.TrimSpace(row.DetailsJSON)
	if details == "" {
		details = "{}"
	}
	if !json.Valid([]byte(details)) {
		return "", errors.New("details are not valid json")
	}
	return canonical.SHA256Hex(link{
		Prev:       prev,
		At:         row.CreatedAt.UTC().Format(time.RFC3339Nano),
		Action:     row.Action,
		TargetType: row.TargetType,
		TargetID:   row.TargetID,
		Result:     row.Result,
		Details:    json.RawMessage(details),
	})
}

func sameHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// sanitizedDetails renders details as canonical JSON with secret-like keys
// removed at every depth.
func sanitizedDetails(details any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("marshal details: %w", err)
	}
	var tree any
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("decode details: %w", err)
	}
	if tree == nil {
		return "{}", nil
	}
	out, err := canonical.Marshal(scrub(tree))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func scrub(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, nested := range typed {
			if secretKey(key) {
				delete(typed, key)
				continue
			}
			typed[key] = scrub(nested)
		}
	case []any:
		for i := range typed {
			typed[i] = scrub(typed[i])
		}
	}
	return value
}

var secretKeyFragments = []string{
	"secret", "passphrase", "token", "password",
	"credential", "kek", "dek", "master_key",
}

func secretKey(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range secretKeyFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}
