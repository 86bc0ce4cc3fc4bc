package domain

import (
	"time"
)

// Record is one decoded element of a collection.
type Record = map[string]any

const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// ID returns the record id when it is a non-empty string.
func ID(r Record) (string, bool) {
	id, ok := r[FieldID].(string)
	return id, ok && id != ""
}

// CreatedAt parses createdAt. Strings in RFC 3339 and numeric unix
// milliseconds (including json.Number) are accepted.
func CreatedAt(r Record) (time.Time, bool) {
	switch v := r[FieldCreatedAt].(type) {
	case string:
		if v == "" {
			return time.Time{}, false
		}
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case float64:
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case int:
		return time.UnixMilli(int64(v)).UTC(), true
	case interface{ Int64() (int64, error) }:
		ms, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	default:
		return time.Time{}, false
	}
}

// HasIdentity reports whether r carries both an id and a createdAt field.
// Presence is what matters here, not parseability.
func HasIdentity(r Record) bool {
	if _, ok := ID(r); !ok {
		return false
	}
	v, ok := r[FieldCreatedAt]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString && s == "" {
		return false
	}
	return true
}

// Records converts a decoded JSON array into records. Elements that are not
// objects are reported by index in bad.
func Records(value any) (records []Record, bad []int, ok bool) {
	items, isArray := value.([]any)
	if !isArray {
		return nil, nil, false
	}
	records = make([]Record, 0, len(items))
	for i, item := range items {
		rec, isObject := item.(map[string]any)
		if !isObject {
			bad = append(bad, i)
			continue
		}
		records = append(records, rec)
	}
	return records, bad, true
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
