package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/EduardKakosyan/finsync/internal/domain"
	"github.com/EduardKakosyan/finsync/internal/envelope"
)

type IssueType string

const (
	IssueCorruption       IssueType = "corruption"
	IssueMissingReference IssueType = "missing_reference"
	IssueDuplicate        IssueType = "duplicate"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DataIssue is one integrity finding. Entity is the logical key.
type DataIssue struct {
	Type        IssueType `json:"type"`
	Entity      string    `json:"entity"`
	EntityID    string    `json:"entityId,omitempty"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	AutoFixable bool      `json:"autoFixable"`
}

type IntegrityReport struct {
	CheckedAt   time.Time   `json:"checkedAt"`
	KeysChecked int         `json:"keysChecked"`
	Issues      []DataIssue `json:"issues"`
}

func (r *IntegrityReport) Healthy() bool {
	return r != nil && len(r.Issues) == 0
}

func (r *IntegrityReport) Count(t IssueType) int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Type == t {
			n++
		}
	}
	return n
}

// CheckDataIntegrity scans every application key. Findings are returned in
// the report; the error is only set when the key list cannot be read.
func (o *Orchestrator) CheckDataIntegrity(ctx context.Context) (*IntegrityReport, error) {
	keys, err := o.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("check integrity: %w", err)
	}

	report := &IntegrityReport{CheckedAt: o.now().UTC(), Issues: []DataIssue{}}
	values := map[string]any{}
	for _, key := range keys {
		if skipIntegrity(key) {
			continue
		}
		report.KeysChecked++

		raw, ok, err := o.store.GetRaw(ctx, key)
		if err != nil {
			report.add(DataIssue{
				Type:        IssueCorruption,
				Entity:      key,
				Description: fmt.Sprintf("value cannot be read: %v", err),
				Severity:    SeverityCritical,
			})
			continue
		}
		if !ok {
			continue
		}
		value, err := decodeValue(raw)
		if err != nil {
			report.add(DataIssue{
				Type:        IssueCorruption,
				Entity:      key,
				Description: fmt.Sprintf("value is not valid JSON: %v", err),
				Severity:    SeverityCritical,
			})
			continue
		}
		values[key] = value
		checkShape(report, key, value)
	}

	checkReferences(report, values)

	for _, issue := range report.Issues {
		o.metrics.ObserveIssue(string(issue.Type), string(issue.Severity))
	}
	if len(report.Issues) > 0 {
		o.logger.Warn("integrity scan found issues", "keys", report.KeysChecked, "issues", len(report.Issues))
	}
	return report, nil
}

func (r *IntegrityReport) add(issue DataIssue) {
	r.Issues = append(r.Issues, issue)
}

func checkShape(report *IntegrityReport, key string, value any) {
	switch typed := value.(type) {
	case map[string]any:
		return
	case []any:
		seen := map[string]int{}
		var order []string
		for i, item := range typed {
			rec, isObject := item.(map[string]any)
			if !isObject || !domain.HasIdentity(rec) {
				report.add(DataIssue{
					Type:        IssueCorruption,
					Entity:      key,
					EntityID:    elementRef(rec, i),
					Description: fmt.Sprintf("element %d is missing id or createdAt", i),
					Severity:    SeverityHigh,
					AutoFixable: true,
				})
				continue
			}
			id, _ := domain.ID(rec)
			if seen[id] == 0 {
				order = append(order, id)
			}
			seen[id]++
		}
		for _, id := range order {
			if seen[id] > 1 {
				report.add(DataIssue{
					Type:        IssueDuplicate,
					Entity:      key,
					EntityID:    id,
					Description: fmt.Sprintf("id %q appears %d times", id, seen[id]),
					Severity:    SeverityHigh,
					AutoFixable: true,
				})
			}
		}
	default:
		report.add(DataIssue{
			Type:        IssueCorruption,
			Entity:      key,
			Description: fmt.Sprintf("value is a %T, want an object or array", value),
			Severity:    SeverityMedium,
		})
	}
}

// checkReferences resolves transaction category and account references.
func checkReferences(report *IntegrityReport, values map[string]any) {
	txns, ok := values[domain.KindTransactions.Key()]
	if !ok {
		return
	}
	records, _, isArray := domain.Records(txns)
	if !isArray {
		return
	}
	categories := idSet(values[domain.KindCategories.Key()])
	accounts := idSet(values[domain.KindAccounts.Key()])

	for _, rec := range records {
		id, _ := domain.ID(rec)
		for _, ref := range []struct {
			field  string
			target string
			known  map[string]struct{}
		}{
			{"category", domain.KindCategories.Key(), categories},
			{"accountId", domain.KindAccounts.Key(), accounts},
		} {
			target, isString := rec[ref.field].(string)
			if !isString || target == "" {
				continue
			}
			if _, exists := ref.known[target]; exists {
				continue
			}
			report.add(DataIssue{
				Type:        IssueMissingReference,
				Entity:      domain.KindTransactions.Key(),
				EntityID:    id,
				Description: fmt.Sprintf("%s %q does not resolve to any of %s", ref.field, target, ref.target),
				Severity:    SeverityMedium,
			})
		}
	}
}

func idSet(value any) map[string]struct{} {
	out := map[string]struct{}{}
	records, _, _ := domain.Records(value)
	for _, rec := range records {
		if id, ok := domain.ID(rec); ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func skipIntegrity(key string) bool {
	return domain.IsSystemKey(key) || domain.IsBackupKey(key) || domain.IsQuarantineKey(key)
}

func elementRef(rec map[string]any, index int) string {
	if id, ok := domain.ID(rec); ok {
		return id
	}
	return "#" + strconv.Itoa(index)
}

// decodeValue keeps numbers as json.Number so a rewrite does not alter them.
func decodeValue(raw []byte) (any, error) {
	var out any
	if err := DecodeExact(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RepairResult counts issues, not records.
type RepairResult struct {
	Fixed   int            `json:"fixed"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
	Skips   []SkippedIssue `json:"skips,omitempty"`
	Errors  []string       `json:"errors,omitempty"`
}

type SkippedIssue struct {
	Issue  DataIssue `json:"issue"`
	Reason string    `json:"reason"`
}

// RepairData fixes the auto-fixable issues of report under the structural
// lock. Duplicates keep the record with the latest createdAt (the later
// occurrence on ties) at the position of the first occurrence. Elements
// without identity move to the key's quarantine collection. Everything else
// needs a person and is reported as skipped.
func (o *Orchestrator) RepairData(ctx context.Context, report *IntegrityReport) (*RepairResult, error) {
	result := &RepairResult{}
	if report == nil {
		return result, nil
	}

	err := o.Exclusive(ctx, "repair", func(ctx context.Context) error {
		byKey := map[string][]DataIssue{}
		var order []string
		for _, issue := range report.Issues {
			if !issue.AutoFixable {
				result.Skipped++
				result.Skips = append(result.Skips, SkippedIssue{Issue: issue, Reason: "manual intervention required"})
				continue
			}
			if _, seen := byKey[issue.Entity]; !seen {
				order = append(order, issue.Entity)
			}
			byKey[issue.Entity] = append(byKey[issue.Entity], issue)
		}

		for _, key := range order {
			issues := byKey[key]
			if err := o.repairKey(ctx, key, issues); err != nil {
				result.Failed += len(issues)
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key, err))
				o.logger.Error("repair failed", "key", key, "error", err)
				continue
			}
			result.Fixed += len(issues)
			o.logger.Info("repaired collection", "key", key, "issues", len(issues))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.metrics.ObserveRepair("fixed", result.Fixed)
	o.metrics.ObserveRepair("failed", result.Failed)
	o.metrics.ObserveRepair("skipped", result.Skipped)
	return result, nil
}

func (o *Orchestrator) repairKey(ctx context.Context, key string, issues []DataIssue) error {
	raw, ok, err := o.store.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("collection no longer exists")
	}
	value, err := decodeValue(raw)
	if err != nil {
		return err
	}
	items, isArray := value.([]any)
	if !isArray {
		return fmt.Errorf("collection is no longer an array")
	}

	var dedupe, quarantine bool
	for _, issue := range issues {
		switch issue.Type {
		case IssueDuplicate:
			dedupe = true
		case IssueCorruption:
			quarantine = true
		}
	}

	if quarantine {
		var kept, bad []any
		for _, item := range items {
			rec, isObject := item.(map[string]any)
			if isObject && domain.HasIdentity(rec) {
				kept = append(kept, item)
				continue
			}
			bad = append(bad, item)
		}
		if len(bad) > 0 {
			if err := o.appendQuarantine(ctx, key, bad); err != nil {
				return fmt.Errorf("quarantine: %w", err)
			}
		}
		items = kept
	}
	if dedupe {
		items = dedupeByID(items)
	}
	if items == nil {
		items = []any{}
	}

	opts, err := o.KeepOptions(ctx, key, "")
	if err != nil {
		return err
	}
	return o.store.Set(ctx, key, items, opts)
}

func (o *Orchestrator) appendQuarantine(ctx context.Context, key string, bad []any) error {
	qkey := domain.QuarantineKey(key)
	var existing []any
	raw, ok, err := o.store.GetRaw(ctx, qkey)
	if err != nil {
		return err
	}
	if ok {
		value, err := decodeValue(raw)
		if err != nil {
			return err
		}
		items, isArray := value.([]any)
		if !isArray {
			return fmt.Errorf("%s holds %T, want an array", qkey, value)
		}
		existing = items
	}
	o.logger.Warn("moving malformed records to quarantine", "key", key, "count", len(bad))
	return o.store.Set(ctx, qkey, append(existing, bad...), envelope.SetOptions{})
}

func dedupeByID(items []any) []any {
	type pick struct {
		pos int
		at  time.Time
		rec any
	}
	winners := map[string]*pick{}
	out := make([]any, 0, len(items))
	for _, item := range items {
		rec, _ := item.(map[string]any)
		id, ok := domain.ID(rec)
		if !ok {
			out = append(out, item)
			continue
		}
		at, _ := domain.CreatedAt(rec)
		current, seen := winners[id]
		if !seen {
			winners[id] = &pick{pos: len(out), at: at, rec: item}
			out = append(out, item)
			continue
		}
		if !at.Before(current.at) {
			current.at = at
			current.rec = item
			out[current.pos] = item
		}
	}
	return out
}

// IssueSummary groups issue counts by type then severity.
func IssueSummary(issues []DataIssue) map[IssueType]map[Severity]int {
	out := map[IssueType]map[Severity]int{}
	for _, issue := range issues {
		if out[issue.Type] == nil {
			out[issue.Type] = map[Severity]int{}
		}
		out[issue.Type][issue.Severity]++
	}
	return out
}

// SortIssues orders by severity, most severe first, then by entity.
func SortIssues(issues []DataIssue) {
	rank := map[Severity]int{SeverityCritical: 0, SeverityHigh: 1, SeverityMedium: 2, SeverityLow: 3}
	sort.SliceStable(issues, func(i, j int) bool {
		if rank[issues[i].Severity] != rank[issues[j].Severity] {
			return rank[issues[i].Severity] < rank[issues[j].Severity]
		}
		return issues[i].Entity < issues[j].Entity
	})
}
