package migration

import (
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/EduardKakosyan/finsync/internal/domain"
)

const (
	BaselineVersion = "1.0.0"
	defaultCurrency = "USD"
)

// DefaultRegistry holds the finance schema history.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(defaultScripts()...)
	if err != nil {
		panic(fmt.Sprintf("default migration registry: %v", err))
	}
	return r
}

func defaultScripts() []Script {
	accounts := domain.KindAccounts.Key()
	transactions := domain.KindTransactions.Key()

	return []Script{
		{
			Version:     BaselineVersion,
			Description: "baseline schema",
			Up:          identity,
			Down:        identity,
		},
		{
			Version:     "1.1.0",
			Description: "add default currency to accounts",
			Keys:        []string{accounts},
			Validate:    requireCollection(accounts),
			Up: mapRecords(accounts, func(r domain.Record) error {
				if _, ok := r["currency"]; !ok {
					r["currency"] = defaultCurrency
				}
				return nil
			}),
			Down: mapRecords(accounts, func(r domain.Record) error {
				if r["currency"] == defaultCurrency {
					delete(r, "currency")
				}
				return nil
			}),
		},
		{
			Version:     "1.2.0",
			Description: "store transaction amounts as integer cents",
			Keys:        []string{transactions},
			Breaking:    true,
			Validate: func(b Bundle) ValidationResult {
				res := requireCollection(transactions)(b)
				if !res.Valid {
					return res
				}
				records, _, _ := domain.Records(b[transactions])
				for _, r := range records {
					amount, ok := r["amount"]
					if !ok {
						continue
					}
					if _, isNumber := number(amount); !isNumber {
						id, _ := domain.ID(r)
						res.Valid = false
						res.Errors = append(res.Errors, fmt.Sprintf("transaction %q: amount is %T, want number", id, amount))
					}
				}
				return res
			},
			Up: mapRecords(transactions, func(r domain.Record) error {
				amount, ok := number(r["amount"])
				if !ok {
					return nil
				}
				r["amountCents"] = json.Number(strconv.FormatInt(int64(math.Round(amount*100)), 10))
				delete(r, "amount")
				return nil
			}),
			Down: mapRecords(transactions, func(r domain.Record) error {
				cents, ok := number(r["amountCents"])
				if !ok {
					return nil
				}
				r["amount"] = json.Number(strconv.FormatFloat(cents/100, 'f', -1, 64))
				delete(r, "amountCents")
				return nil
			}),
		},
		{
			Version:     "1.3.0",
			Description: "add tags to transactions",
			Keys:        []string{transactions},
			Validate:    requireCollection(transactions),
			Up: mapRecords(transactions, func(r domain.Record) error {
				if _, ok := r["tags"]; !ok {
					r["tags"] = []any{}
				}
				return nil
			}),
			Down: mapRecords(transactions, func(r domain.Record) error {
				if tags, ok := r["tags"].([]any); ok && len(tags) == 0 {
					delete(r, "tags")
				}
				return nil
			}),
		},
	}
}

func identity(b Bundle) (Bundle, error) { return b, nil }

// number reads a JSON number decoded either exactly or as float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	}
	return 0, false
}

// requireCollection accepts an absent key or an array.
func requireCollection(key string) func(Bundle) ValidationResult {
	return func(b Bundle) ValidationResult {
		value, ok := b[key]
		if !ok || value == nil {
			return ValidationResult{Valid: true}
		}
		if _, isArray := value.([]any); !isArray {
			return ValidationResult{Errors: []string{fmt.Sprintf("%s is %T, want an array", key, value)}}
		}
		return ValidationResult{Valid: true}
	}
}

// mapRecords applies fn to every object element of the collection at key.
func mapRecords(key string, fn func(domain.Record) error) func(Bundle) (Bundle, error) {
	return func(b Bundle) (Bundle, error) {
		items, ok := b[key].([]any)
		if !ok {
			return b, nil
		}
		for i, item := range items {
			rec, isObject := item.(map[string]any)
			if !isObject {
				continue
			}
			if err := fn(rec); err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
			}
		}
		return b, nil
	}
}
