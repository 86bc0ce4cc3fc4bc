// Package domain names the logical collections of the finance store and the
// system keys the engines reserve for themselves.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a closed set of logical collections.
type Kind int

const (
	KindTransactions Kind = iota + 1
	KindCategories
	KindAccounts
	KindBudgets
	KindGoals
	KindSettings
	KindReceipts
	KindInvestments
)

var allKinds = []Kind{
	KindTransactions,
	KindCategories,
	KindAccounts,
	KindBudgets,
	KindGoals,
	KindSettings,
	KindReceipts,
	KindInvestments,
}

// System keys hold engine state rather than user records.
const (
	KeyDataVersion      = "data_version"
	KeyMigrationState   = "migration_state"
	KeyMigrationHistory = "migration_history"
	KeyBackupList       = "backup_list"

	BackupKeyPrefix     = "backup:"
	QuarantineKeyPrefix = "quarantine:"
)

var ErrUnknownKind = errors.New("domain: unknown kind")

func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// CoreKinds are always part of a backup.
func CoreKinds() []Kind {
	out := make([]Kind, 0, len(allKinds))
	for _, k := range allKinds {
		if k.IsCore() {
			out = append(out, k)
		}
	}
	return out
}

func (k Kind) Key() string {
	switch k {
	case KindTransactions:
		return "transactions"
	case KindCategories:
		return "categories"
	case KindAccounts:
		return "accounts"
	case KindBudgets:
		return "budgets"
	case KindGoals:
		return "goals"
	case KindSettings:
		return "settings"
	case KindReceipts:
		return "receipts"
	case KindInvestments:
		return "investments"
	default:
		return ""
	}
}

func (k Kind) String() string {
	if key := k.Key(); key != "" {
		return key
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) IsCore() bool {
	switch k {
	case KindTransactions, KindCategories, KindAccounts, KindBudgets, KindGoals, KindSettings:
		return true
	case KindReceipts, KindInvestments:
		return false
	default:
		return false
	}
}

// IsCollection reports whether the kind is stored as an array of records.
// Settings is a single object.
func (k Kind) IsCollection() bool {
	switch k {
	case KindTransactions, KindCategories, KindAccounts, KindBudgets, KindGoals, KindReceipts, KindInvestments:
		return true
	case KindSettings:
		return false
	default:
		return false
	}
}

func ParseKind(key string) (Kind, error) {
	for _, k := range allKinds {
		if k.Key() == key {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, key)
}

// KindForKey is ParseKind without the error.
func KindForKey(key string) (Kind, bool) {
	k, err := ParseKind(key)
	return k, err == nil
}

func IsSystemKey(key string) bool {
	switch key {
	case KeyDataVersion, KeyMigrationState, KeyMigrationHistory, KeyBackupList:
		return true
	}
	return false
}

func IsBackupKey(key string) bool {
	return strings.HasPrefix(key, BackupKeyPrefix)
}

func IsQuarantineKey(key string) bool {
	return strings.HasPrefix(key, QuarantineKeyPrefix)
}

func BackupKey(id string) string {
	return BackupKeyPrefix + id
}

func QuarantineKey(key string) string {
	return QuarantineKeyPrefix + key
}
