package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	auditChainTipMetaKey = "audit_chain_tip"
	defaultAuditLimit    = 1000

	auditColumns = `id, action, target_type, target_id, result, details_json, prev_hash, event_hash, created_at`
)

// AuditEvent is one stored link of the audit chain. EventHash is computed
// by the caller; storage only enforces that PrevHash names the current tip.
type AuditEvent struct {
	ID          string
	Action      string
	TargetType  string
	TargetID    string
	Result      string
	DetailsJSON string
	PrevHash    string
	EventHash   string
	CreatedAt   time.Time
}

// AuditFilter narrows ListAuditEvents. Zero fields match everything.
type AuditFilter struct {
	Action   string
	TargetID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

type rowScanner interface {
	Scan(dest ...any) error
}

// AppendAuditEvent stores event and moves the chain tip to its hash. The
// append is refused with ErrAuditTipMoved when event.PrevHash is no longer
// the stored tip, which happens when two processes journal at once.
func (s *Store) AppendAuditEvent(ctx context.Context, event *AuditEvent) (err error) {
	switch {
	case event == nil:
		return errors.New("append audit event: nil event")
	case event.Action == "":
		return errors.New("append audit event: empty action")
	case event.EventHash == "":
		return fmt.Errorf("append audit event %s: empty event hash", event.Action)
	}
	fillAuditDefaults(event)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", event.Action, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	tip, err := readAuditTip(ctx, tx)
	if err != nil {
		return err
	}
	if tip != event.PrevHash {
		return fmt.Errorf("append audit event %s: %w", event.Action, ErrAuditTipMoved)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events(`+auditColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.TargetType, event.TargetID, event.Result,
		event.DetailsJSON, event.PrevHash, event.EventHash, fmtTime(event.CreatedAt),
	); err != nil {
		return fmt.Errorf("append audit event %s: insert: %w", event.Action, err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO kv_meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		auditChainTipMetaKey, event.EventHash,
	); err != nil {
		return fmt.Errorf("append audit event %s: move tip: %w", event.Action, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("append audit event %s: commit: %w", event.Action, err)
	}
	return nil
}

// ListAuditEvents returns matching events oldest first, at most
// filter.Limit of them (1000 when unset).
func (s *Store) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	where, args := filter.clauses()
	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY rowid LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("list audit events: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

// AuditChainTip returns the hash of the newest event, or "" for an empty
// chain.
func (s *Store) AuditChainTip(ctx context.Context) (string, error) {
	return readAuditTip(ctx, s.db)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readAuditTip(ctx context.Context, q queryRower) (string, error) {
	var tip string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv_meta WHERE key = ?`, auditChainTipMetaKey).Scan(&tip)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("read audit chain tip: %w", err)
	}
	return tip, nil
}

func (f AuditFilter) clauses() ([]string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.Action != "" {
		add(`action = ?`, f.Action)
	}
	if f.TargetID != "" {
		add(`target_id = ?`, f.TargetID)
	}
	if f.Since != nil {
		add(`created_at >= ?`, fmtTime(*f.Since))
	}
	if f.Until != nil {
		add(`created_at <= ?`, fmtTime(*f.Until))
	}
	return where, args
}

func (f AuditFilter) limit() int {
	if f.Limit <= 0 {
		return defaultAuditLimit
	}
	return f.Limit
}

func fillAuditDefaults(event *AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.DetailsJSON == "" {
		event.DetailsJSON = "{}"
	}
}

func scanAuditEvent(row rowScanner) (AuditEvent, error) {
	var (
		event   AuditEvent
		created string
	)
	err := row.Scan(&event.ID, &event.Action, &event.TargetType, &event.TargetID, &event.Result,
		&event.DetailsJSON, &event.PrevHash, &event.EventHash, &created)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("scan audit row: %w", err)
	}
	if event.CreatedAt, err = parseTime(created); err != nil {
		return AuditEvent{}, fmt.Errorf("audit event %s: %w", event.ID, err)
	}
	return event, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
