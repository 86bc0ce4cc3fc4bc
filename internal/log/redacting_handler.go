package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// Exact attribute names that never reach a sink. Record payloads are listed
// because finance records carry account numbers and amounts.
var sensitiveFields = map[string]struct{}{
	"passphrase":   {},
	"master_key":   {},
	"key_material": {},
	"kek":          {},
	"dek":          {},
	"secret":       {},
	"token":        {},
	"password":     {},
	"payload":      {},
	"plaintext":    {},
	"record":       {},
	"records":      {},
}

var sensitiveSuffixes = []string{"_passphrase", "_secret", "_token", "_password"}

// RedactingHandler masks sensitive attributes before delegating. Raw byte
// slices are always replaced by their length.
type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			fallback := slog.NewRecord(record.Time, slog.LevelError, "redaction handler panic recovered", record.PC)
			fallback.AddAttrs(slog.String("panic", redacted))
			err = h.inner.Handle(ctx, fallback)
		}
	}()

	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = redactAttr(attr)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func isSensitive(name string) bool {
	name = strings.ToLower(name)
	if _, ok := sensitiveFields[name]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func redactAttr(attr slog.Attr) slog.Attr {
	if isSensitive(attr.Key) {
		return slog.String(attr.Key, redacted)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		group := value.Group()
		clean := make([]slog.Attr, len(group))
		for i, nested := range group {
			clean[i] = redactAttr(nested)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(clean...)}
	case slog.KindAny:
		if raw, ok := value.Any().([]byte); ok {
			return slog.String(attr.Key, fmt.Sprintf("%s bytes=%d", redacted, len(raw)))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}
