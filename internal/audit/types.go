package audit

import "time"

const (
	ActionStoreInit = "store.init"

	ActionBackupCreate  = "backup.create"
	ActionBackupRestore = "backup.restore"
	ActionBackupDelete  = "backup.delete"
	ActionBackupPrune   = "backup.prune"

	ActionMigrationRun      = "migration.run"
	ActionMigrationRollback = "migration.rollback"

	ActionDataRepair  = "data.repair"
	ActionDataCleanup = "data.cleanup"
	ActionDataClear   = "data.clear"
)

var AllActionTypes = []string{
	ActionStoreInit,
	ActionBackupCreate,
	ActionBackupRestore,
	ActionBackupDelete,
	ActionBackupPrune,
	ActionMigrationRun,
	ActionMigrationRollback,
	ActionDataRepair,
	ActionDataCleanup,
	ActionDataClear,
}

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Event struct {
	Timestamp  time.Time
	Action     string
	TargetType string
	TargetID   string
	Result     string
	Details    any
}

type Filter struct {
	Action   string
	TargetID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

type RecordedEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	TargetType  string    `json:"targetType,omitempty"`
	TargetID    string    `json:"targetId,omitempty"`
	Result      string    `json:"result"`
	DetailsJSON string    `json:"details"`
	PrevHash    string    `json:"prevHash"`
	EventHash   string    `json:"eventHash"`
}

type VerifyResult struct {
	Valid      bool   `json:"valid"`
	EventCount int    `json:"eventCount"`
	ChainTip   string `json:"chainTip"`
	BrokenAt   string `json:"brokenAt,omitempty"`
	Error      string `json:"error,omitempty"`
}
