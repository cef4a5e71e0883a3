package models

import (
	"encoding/json"
	"time"

	id "careverify/pkg/domain"
)

// SyncStatus is the delivery state of a queue entry. SYNCED and FAILED are
// terminal; SYNCED entries are retained for audit, FAILED entries require
// manual intervention.
type SyncStatus string

const (
	SyncPending  SyncStatus = "PENDING"
	SyncInFlight SyncStatus = "IN_FLIGHT"
	SyncSynced   SyncStatus = "SYNCED"
	SyncFailed   SyncStatus = "FAILED"
)

// OperationType names the mutation a queue entry carries.
type OperationType string

const (
	OpClockIn          OperationType = "CLOCK_IN"
	OpClockOut         OperationType = "CLOCK_OUT"
	OpCheckIn          OperationType = "CHECK_IN"
	OpManualCorrection OperationType = "MANUAL_CORRECTION"
)

// Queue priorities by operation semantics: compliance-critical evidence first
// under constrained bandwidth.
const (
	PriorityClockIn  = 100
	PriorityClockOut = 90
	PriorityCheckIn  = 50
)

// PriorityFor maps an operation to its queue priority.
func PriorityFor(op OperationType) int {
	switch op {
	case OpClockIn:
		return PriorityClockIn
	case OpClockOut:
		return PriorityClockOut
	default:
		return PriorityCheckIn
	}
}

// SyncQueueEntry is one locally originated mutation awaiting delivery.
// Seq is assigned by the store at enqueue time and orders entries FIFO
// within equal priority.
type SyncQueueEntry struct {
	ID            string          `json:"id"`
	ChangeID      id.ChangeID     `json:"change_id"`
	OperationType OperationType   `json:"operation_type"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Payload       json.RawMessage `json:"payload"`
	DeviceID      id.DeviceID     `json:"device_id"`
	Priority      int             `json:"priority"`
	Status        SyncStatus      `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Seq           int64           `json:"seq"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	BaseVersion   int64           `json:"base_version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ResolutionStrategy names how a field-level conflict was decided.
type ResolutionStrategy string

const (
	StrategyServerWins    ResolutionStrategy = "SERVER_WINS"
	StrategyLastWriteWins ResolutionStrategy = "LAST_WRITE_WINS"
	StrategyMerge         ResolutionStrategy = "MERGE"
	StrategyManualReview  ResolutionStrategy = "MANUAL_REVIEW"
)

// ResolutionWinner names which side's value survived.
type ResolutionWinner string

const (
	WinnerLocal  ResolutionWinner = "LOCAL"
	WinnerRemote ResolutionWinner = "REMOTE"
	WinnerMerged ResolutionWinner = "MERGED"
	WinnerNone   ResolutionWinner = "NONE"
)

// ConflictResolution is the immutable audit entry produced whenever incoming
// and stored versions of a field disagree.
type ConflictResolution struct {
	ID            string             `json:"id"`
	RecordID      id.RecordID        `json:"record_id"`
	Field         string             `json:"field"`
	Strategy      ResolutionStrategy `json:"strategy"`
	Winner        ResolutionWinner   `json:"winner"`
	ResolvedValue string             `json:"resolved_value"`
	ResolvedAt    time.Time          `json:"resolved_at"`
}

// StateAggregatorConfig holds per-jurisdiction submission rules. Absence of a
// row for a jurisdiction is a hard failure, never a default.
type StateAggregatorConfig struct {
	Jurisdiction            id.Jurisdiction `json:"jurisdiction"`
	GeofenceToleranceMeters float64         `json:"geofence_tolerance_meters"`
	ImmutabilityWindowDays  int             `json:"immutability_window_days"`
	SubmissionTargets       []string        `json:"submission_targets"`
}

// CorrectionRecord is a formal amendment referencing the original record.
// Post-window edits and rejected submissions are corrected through these, the
// original evidence is never rewritten in place.
type CorrectionRecord struct {
	ID               string      `json:"id"`
	OriginalRecordID id.RecordID `json:"original_record_id"`
	Field            string      `json:"field"`
	ProposedValue    string      `json:"proposed_value"`
	Reason           string      `json:"reason"`
	ReasonCode       string      `json:"reason_code"`
	CreatedBy        string      `json:"created_by"`
	CreatedAt        time.Time   `json:"created_at"`
}
