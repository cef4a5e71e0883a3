// Package ports defines shared interfaces for the EVV core. Interfaces are
// placed here when consumed by multiple services to avoid duplication; each
// backend (memory, postgres, redis, external system) implements them without
// the core knowing storage specifics.
package ports

import (
	"context"
	"log/slog"
	"time"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
)

// RecordStore persists EVV records. UpdateVersioned performs an optimistic
// versioned write: it succeeds only when the stored version equals
// baseVersion, returning sentinel.ErrVersionMismatch otherwise.
type RecordStore interface {
	Save(ctx context.Context, record models.EVVRecord) error
	FindByID(ctx context.Context, recordID id.RecordID) (models.EVVRecord, error)
	UpdateVersioned(ctx context.Context, record models.EVVRecord, baseVersion int64) error
}

// TimeEntryStore persists clock events keyed by entry ID.
type TimeEntryStore interface {
	Save(ctx context.Context, entry models.TimeEntry) error
	FindByID(ctx context.Context, entryID id.EntryID) (models.TimeEntry, error)
	ListByRecord(ctx context.Context, recordID id.RecordID) ([]models.TimeEntry, error)
	// LastVerifiedLocation returns the most recent verified location reported
	// for the caregiver, or nil when none exists. Feeds the impossible-travel
	// check.
	LastVerifiedLocation(ctx context.Context, caregiverID id.CaregiverID) (*models.Location, error)
}

// GeofenceStore resolves the fence tied to a client's service address.
type GeofenceStore interface {
	FindByClient(ctx context.Context, clientID id.ClientID) (models.Geofence, error)
}

// SyncQueueStore is the durable, append-only delivery queue. NextPending
// returns the highest-priority entry that is PENDING and due, FIFO within
// equal priority, or sentinel.ErrNotFound when the device's queue is drained.
type SyncQueueStore interface {
	Enqueue(ctx context.Context, entry models.SyncQueueEntry) (models.SyncQueueEntry, error)
	NextPending(ctx context.Context, deviceID id.DeviceID, now time.Time) (models.SyncQueueEntry, error)
	Update(ctx context.Context, entry models.SyncQueueEntry) error
	ListByDevice(ctx context.Context, deviceID id.DeviceID) ([]models.SyncQueueEntry, error)
}

// ConflictAuditStore keeps the immutable resolution trail.
type ConflictAuditStore interface {
	Append(ctx context.Context, resolution models.ConflictResolution) error
	ListByRecord(ctx context.Context, recordID id.RecordID) ([]models.ConflictResolution, error)
}

// AggregatorConfigStore is the read-only per-jurisdiction rule lookup.
// Absence of a row returns sentinel.ErrNotFound; there is no default row.
type AggregatorConfigStore interface {
	Find(ctx context.Context, jurisdiction id.Jurisdiction) (models.StateAggregatorConfig, error)
}

// CorrectionStore persists formal amendment records.
type CorrectionStore interface {
	Save(ctx context.Context, correction models.CorrectionRecord) error
	ListByRecord(ctx context.Context, recordID id.RecordID) ([]models.CorrectionRecord, error)
}

// IdempotencyStore deduplicates change application. Applied answers whether a
// change has already been applied; MarkApplied records it, returning true
// exactly once per change ID. Marking happens after successful application so
// a change that failed mid-apply is retried rather than silently skipped.
type IdempotencyStore interface {
	Applied(ctx context.Context, changeID id.ChangeID) (bool, error)
	MarkApplied(ctx context.Context, changeID id.ChangeID) (first bool, err error)
}

// VisitDetails is the slice of scheduling data the core needs.
type VisitDetails struct {
	VisitID        id.VisitID
	OrganizationID id.OrganizationID
	BranchID       id.BranchID
	ClientID       id.ClientID
	CaregiverID    id.CaregiverID
	ServiceType    id.ServiceTypeCode
	Jurisdiction   id.Jurisdiction
	WindowStart    time.Time
	WindowEnd      time.Time
}

// ClientDetails is the slice of recipient data the core needs.
type ClientDetails struct {
	ClientID         id.ClientID
	Name             string
	ServiceAddress   string
	EligibilityFlags []string
}

// CaregiverDetails is the slice of provider data the core needs.
type CaregiverDetails struct {
	CaregiverID               id.CaregiverID
	Name                      string
	Credentials               []string
	BackgroundScreeningStatus string
}

// ServiceAuthorization is the outcome of a credential/restriction check.
type ServiceAuthorization struct {
	Authorized bool
	Reason     string
}

// VisitProvider resolves scheduled visits. Out-of-scope subsystems implement
// this; the core never reaches into scheduling storage.
type VisitProvider interface {
	GetVisitForEVV(ctx context.Context, visitID id.VisitID) (VisitDetails, error)
}

// ClientProvider resolves care recipients.
type ClientProvider interface {
	GetClientForEVV(ctx context.Context, clientID id.ClientID) (ClientDetails, error)
}

// CaregiverProvider resolves caregivers and checks service authorization.
type CaregiverProvider interface {
	GetCaregiverForEVV(ctx context.Context, caregiverID id.CaregiverID) (CaregiverDetails, error)
	CanProvideService(ctx context.Context, caregiverID id.CaregiverID, serviceType id.ServiceTypeCode, clientID id.ClientID) (ServiceAuthorization, error)
}

// Permission names an action gated by role.
type Permission string

const (
	PermissionManualOverride Permission = "evv:manual_override"
	PermissionSubmit         Permission = "evv:submit"
)

// Actor is the authenticated user performing a permissioned action.
type Actor struct {
	ID    string
	Roles []string
}

// PermissionService authorizes permissioned actions against the acting
// user's role.
type PermissionService interface {
	Authorize(ctx context.Context, actor Actor, permission Permission) error
}

// AggregatorClient submits a verified record to a jurisdiction's aggregator.
// Transport and wire format are out of scope here.
type AggregatorClient interface {
	Submit(ctx context.Context, record models.EVVRecord, cfg models.StateAggregatorConfig) error
}

// SyncChange is the unit of delivery from a device queue to the server-side
// application path. ChangeID keys idempotent application.
type SyncChange struct {
	ChangeID      id.ChangeID
	OperationType models.OperationType
	EntityType    string
	EntityID      string
	Payload       []byte
	DeviceID      id.DeviceID
	BaseVersion   int64
	SentAt        time.Time
}

// SyncTarget applies delivered changes on the authoritative side.
type SyncTarget interface {
	Apply(ctx context.Context, change SyncChange) error
}

// AuditEvent captures a compliance-relevant action for the audit trail.
type AuditEvent struct {
	Timestamp time.Time
	Action    string
	RecordID  string
	ActorID   string
	Reason    string
	Details   map[string]string
}

// AuditPublisher emits audit events for compliance-relevant operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event AuditEvent) error
}

// LogAudit is a shared helper for recording audit events across EVV services.
// It logs to the structured logger and forwards to the publisher if one is
// configured; publisher failures are logged, not propagated, because the
// originating operation has already been persisted.
func LogAudit(ctx context.Context, logger *slog.Logger, publisher AuditPublisher, event AuditEvent, attrs ...any) {
	args := append(attrs, "event", event.Action, "record_id", event.RecordID, "log_type", "audit")
	if logger != nil {
		logger.InfoContext(ctx, "audit event", args...)
	}
	if publisher != nil {
		if err := publisher.Emit(ctx, event); err != nil && logger != nil {
			logger.ErrorContext(ctx, "audit publish failed", "error", err, "event", event.Action)
		}
	}
}
