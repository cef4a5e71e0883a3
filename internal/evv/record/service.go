// Package record implements the EVV record lifecycle: clock events create
// and close records, verification outcomes route them through the state
// machine, and only verified or manually overridden records ever leave for a
// state aggregator.
package record

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"careverify/internal/evv/aggregator"
	"careverify/internal/evv/integrity"
	"careverify/internal/evv/metrics"
	"careverify/internal/evv/models"
	"careverify/internal/evv/ports"
	"careverify/internal/evv/verification"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
	"careverify/pkg/platform/sentinel"
)

// transitions is the record state machine. A transition absent from this
// table is rejected; in particular nothing leads out of REJECTED, and
// FLAGGED_FOR_REVIEW is only ever left through the manual-override path.
var transitions = map[models.RecordStatus][]models.RecordStatus{
	models.StatusOpen:                {models.StatusPendingVerification, models.StatusFlaggedForReview},
	models.StatusPendingVerification: {models.StatusVerified, models.StatusFlaggedForReview},
	models.StatusFlaggedForReview:    {models.StatusManuallyOverridden},
	models.StatusVerified:            {models.StatusSubmitted, models.StatusRejected},
	models.StatusManuallyOverridden:  {models.StatusSubmitted, models.StatusRejected},
	models.StatusSubmitted:           {models.StatusRejected},
}

// CanTransition reports whether from → to is a legal state machine edge.
func CanTransition(from, to models.RecordStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Service orchestrates the record lifecycle. All storage access goes through
// ports; the service holds no state beyond its collaborators.
type Service struct {
	records     ports.RecordStore
	entries     ports.TimeEntryStore
	fences      ports.GeofenceStore
	queue       ports.SyncQueueStore
	conflicts   ports.ConflictAuditStore
	idempotency ports.IdempotencyStore
	visits      ports.VisitProvider
	clients     ports.ClientProvider
	caregivers  ports.CaregiverProvider
	permissions ports.PermissionService
	router      *aggregator.Router
	engine      *verification.Engine

	defaultMaxRetries int
	logger            *slog.Logger
	metrics           *metrics.Metrics
	audit             ports.AuditPublisher
	now               func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(p ports.AuditPublisher) Option {
	return func(s *Service) { s.audit = p }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultMaxRetries caps retries for queue entries the service enqueues.
func WithDefaultMaxRetries(n int) Option {
	return func(s *Service) { s.defaultMaxRetries = n }
}

// Deps bundles the service's required collaborators.
type Deps struct {
	Records     ports.RecordStore
	Entries     ports.TimeEntryStore
	Fences      ports.GeofenceStore
	Queue       ports.SyncQueueStore
	Conflicts   ports.ConflictAuditStore
	Idempotency ports.IdempotencyStore
	Visits      ports.VisitProvider
	Clients     ports.ClientProvider
	Caregivers  ports.CaregiverProvider
	Permissions ports.PermissionService
	Router      *aggregator.Router
	Engine      *verification.Engine
}

func NewService(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Records == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "record store is required")
	case deps.Entries == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "time entry store is required")
	case deps.Fences == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "geofence store is required")
	case deps.Queue == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "sync queue store is required")
	case deps.Conflicts == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "conflict audit store is required")
	case deps.Idempotency == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "idempotency store is required")
	case deps.Visits == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "visit provider is required")
	case deps.Clients == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "client provider is required")
	case deps.Caregivers == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "caregiver provider is required")
	case deps.Permissions == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "permission service is required")
	case deps.Router == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "aggregator router is required")
	case deps.Engine == nil:
		return nil, dErrors.New(dErrors.CodeInvalidInput, "verification engine is required")
	}
	s := &Service{
		records:           deps.Records,
		entries:           deps.Entries,
		fences:            deps.Fences,
		queue:             deps.Queue,
		conflicts:         deps.Conflicts,
		idempotency:       deps.Idempotency,
		visits:            deps.Visits,
		clients:           deps.Clients,
		caregivers:        deps.Caregivers,
		permissions:       deps.Permissions,
		router:            deps.Router,
		engine:            deps.Engine,
		defaultMaxRetries: 5,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get returns a record by ID.
func (s *Service) Get(ctx context.Context, recordID id.RecordID) (models.EVVRecord, error) {
	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return models.EVVRecord{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}
	return record, nil
}

// ClockInCommand starts a visit record.
type ClockInCommand struct {
	VisitID     id.VisitID
	CaregiverID id.CaregiverID
	Location    models.Location
	Device      models.DeviceInfo
	Notes       string
	// ChangeID keys idempotent application when the command arrives through
	// the sync queue; zero means the command is direct.
	ChangeID id.ChangeID
}

// ClockInResult pairs the created record with what verification found.
type ClockInResult struct {
	Record       models.EVVRecord
	Entry        models.TimeEntry
	Verification models.VerificationResult
}

// ClockIn creates the record for a scheduled visit. A failed verification
// still creates the record, flagged for review, because the evidence of the
// attempt is itself compliance data. Only structural failures (unknown
// visit, unauthorized caregiver, unconfigured jurisdiction) create nothing.
func (s *Service) ClockIn(ctx context.Context, cmd ClockInCommand) (ClockInResult, error) {
	visit, err := s.visits.GetVisitForEVV(ctx, cmd.VisitID)
	if err != nil {
		return ClockInResult{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve visit")
	}
	if visit.CaregiverID != cmd.CaregiverID {
		return ClockInResult{}, dErrors.New(dErrors.CodeForbidden, "caregiver is not assigned to this visit")
	}
	if _, err := s.clients.GetClientForEVV(ctx, visit.ClientID); err != nil {
		return ClockInResult{}, dErrors.Wrap(err, dErrors.CodeInvalidInput, "visit references unknown client")
	}

	auth, err := s.caregivers.CanProvideService(ctx, cmd.CaregiverID, visit.ServiceType, visit.ClientID)
	if err != nil {
		return ClockInResult{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "check service authorization")
	}
	if !auth.Authorized {
		return ClockInResult{}, dErrors.Newf(dErrors.CodeForbidden, "caregiver may not provide this service: %s", auth.Reason)
	}

	fence, err := s.fences.FindByClient(ctx, visit.ClientID)
	if err != nil {
		return ClockInResult{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve client geofence")
	}
	tolerance, err := s.router.GeofenceTolerance(ctx, visit.Jurisdiction)
	if err != nil {
		return ClockInResult{}, err
	}

	result := s.verify(ctx, cmd.CaregiverID, cmd.Location, cmd.Device, fence, tolerance)

	now := s.now().UTC()
	loc := cmd.Location
	record := models.EVVRecord{
		ID:             id.NewRecordID(),
		OrganizationID: visit.OrganizationID,
		BranchID:       visit.BranchID,
		VisitID:        visit.VisitID,
		ClientID:       visit.ClientID,
		CaregiverID:    cmd.CaregiverID,
		ServiceType:    visit.ServiceType,
		Jurisdiction:   visit.Jurisdiction,
		ServiceDate:    cmd.Location.Timestamp.UTC().Truncate(24 * time.Hour),
		ClockInAt:      cmd.Location.Timestamp.UTC(),
		ClockInLoc:     &loc,
		Notes:          cmd.Notes,
		Status:         models.StatusOpen,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !result.Passed {
		record.Status = models.StatusFlaggedForReview
	}
	record.Flag(result.IssueCodes()...)

	entry := models.TimeEntry{
		ID:          id.NewEntryID(),
		RecordID:    record.ID,
		CaregiverID: cmd.CaregiverID,
		Type:        models.EntryClockIn,
		Timestamp:   cmd.Location.Timestamp.UTC(),
		Location:    &loc,
		Device:      cmd.Device,
		Verified:    result.Passed,
		CreatedAt:   now,
	}
	entry.ChainHash = integrity.Append(integrity.Seed(record.ID.String()), snapshotForEntry(entry))
	record.IntegrityHash = entry.ChainHash

	if err := s.records.Save(ctx, record); err != nil {
		return ClockInResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist record")
	}
	if err := s.entries.Save(ctx, entry); err != nil {
		return ClockInResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist time entry")
	}
	if err := s.enqueue(ctx, record, entry, models.OpClockIn, cmd.ChangeID); err != nil {
		return ClockInResult{}, err
	}

	s.countVerification(result)
	s.countTransition(record.Status)
	ports.LogAudit(ctx, s.logger, s.audit, ports.AuditEvent{
		Timestamp: now,
		Action:    "evv.clock_in",
		RecordID:  record.ID.String(),
		ActorID:   cmd.CaregiverID.String(),
		Details: map[string]string{
			"visit_id": visit.VisitID.String(),
			"status":   string(record.Status),
			"passed":   strconv.FormatBool(result.Passed),
		},
	})
	return ClockInResult{Record: record, Entry: entry, Verification: result}, nil
}

// ClockOutCommand closes a visit record.
type ClockOutCommand struct {
	RecordID id.RecordID
	Location models.Location
	Device   models.DeviceInfo
	Notes    string
	ChangeID id.ChangeID
}

// ClockOutResult pairs the updated record with the clock-out verification.
type ClockOutResult struct {
	Record       models.EVVRecord
	Entry        models.TimeEntry
	Verification models.VerificationResult
}

// ClockOut closes the record and settles its verification level. A record
// that was flagged at clock-in stays flagged; an open record moves through
// PENDING_VERIFICATION to VERIFIED or FLAGGED_FOR_REVIEW.
func (s *Service) ClockOut(ctx context.Context, cmd ClockOutCommand) (ClockOutResult, error) {
	record, err := s.records.FindByID(ctx, cmd.RecordID)
	if err != nil {
		return ClockOutResult{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}
	if record.Status != models.StatusOpen && record.Status != models.StatusFlaggedForReview {
		return ClockOutResult{}, dErrors.Newf(dErrors.CodeConflict,
			"record %s is %s and cannot accept a clock-out", record.ID, record.Status)
	}
	if record.ClockOutAt != nil {
		return ClockOutResult{}, dErrors.Newf(dErrors.CodeConflict, "record %s already has a clock-out", record.ID)
	}
	if !cmd.Location.Timestamp.After(record.ClockInAt) {
		return ClockOutResult{}, dErrors.New(dErrors.CodeValidation, "clock-out must be after clock-in")
	}

	fence, err := s.fences.FindByClient(ctx, record.ClientID)
	if err != nil {
		return ClockOutResult{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve client geofence")
	}
	tolerance, err := s.router.GeofenceTolerance(ctx, record.Jurisdiction)
	if err != nil {
		return ClockOutResult{}, err
	}

	result := s.verify(ctx, record.CaregiverID, cmd.Location, cmd.Device, fence, tolerance)

	now := s.now().UTC()
	loc := cmd.Location
	outAt := cmd.Location.Timestamp.UTC()
	record.ClockOutAt = &outAt
	record.ClockOutLoc = &loc
	record.DurationMinutes = int(outAt.Sub(record.ClockInAt).Minutes())
	if cmd.Notes != "" {
		record.Notes = cmd.Notes
	}
	record.Flag(result.IssueCodes()...)

	entry := models.TimeEntry{
		ID:          id.NewEntryID(),
		RecordID:    record.ID,
		CaregiverID: record.CaregiverID,
		Type:        models.EntryClockOut,
		Timestamp:   outAt,
		Location:    &loc,
		Device:      cmd.Device,
		Verified:    result.Passed,
		CreatedAt:   now,
	}
	entry.ChainHash = integrity.Append(record.IntegrityHash, snapshotForEntry(entry))
	record.IntegrityHash = entry.ChainHash

	record.Level = s.settleLevel(ctx, record, result)
	if err := s.settleStatus(&record, result); err != nil {
		return ClockOutResult{}, err
	}

	if err := s.records.UpdateVersioned(ctx, record, record.Version); err != nil {
		if dErrors.Is(err, sentinel.ErrVersionMismatch) {
			return ClockOutResult{}, dErrors.Wrap(err, dErrors.CodeConflict, "record changed concurrently")
		}
		return ClockOutResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist record")
	}
	record.Version++
	if err := s.entries.Save(ctx, entry); err != nil {
		return ClockOutResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist time entry")
	}
	if err := s.enqueue(ctx, record, entry, models.OpClockOut, cmd.ChangeID); err != nil {
		return ClockOutResult{}, err
	}

	s.countVerification(result)
	s.countTransition(record.Status)
	ports.LogAudit(ctx, s.logger, s.audit, ports.AuditEvent{
		Timestamp: now,
		Action:    "evv.clock_out",
		RecordID:  record.ID.String(),
		ActorID:   record.CaregiverID.String(),
		Details: map[string]string{
			"status":           string(record.Status),
			"level":            string(record.Level),
			"duration_minutes": strconv.Itoa(record.DurationMinutes),
		},
	})
	return ClockOutResult{Record: record, Entry: entry, Verification: result}, nil
}

// CheckInCommand records a mid-visit wellness check.
type CheckInCommand struct {
	RecordID id.RecordID
	Location models.Location
	Device   models.DeviceInfo
	ChangeID id.ChangeID
}

// CheckIn appends a mid-visit check entry to an open record's chain. Checks
// never change record status; their findings land on the compliance flags.
func (s *Service) CheckIn(ctx context.Context, cmd CheckInCommand) (models.TimeEntry, error) {
	record, err := s.records.FindByID(ctx, cmd.RecordID)
	if err != nil {
		return models.TimeEntry{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}
	if record.Status != models.StatusOpen && record.Status != models.StatusFlaggedForReview {
		return models.TimeEntry{}, dErrors.Newf(dErrors.CodeConflict,
			"record %s is %s and cannot accept a check-in", record.ID, record.Status)
	}

	fence, err := s.fences.FindByClient(ctx, record.ClientID)
	if err != nil {
		return models.TimeEntry{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve client geofence")
	}
	tolerance, err := s.router.GeofenceTolerance(ctx, record.Jurisdiction)
	if err != nil {
		return models.TimeEntry{}, err
	}

	result := s.verify(ctx, record.CaregiverID, cmd.Location, cmd.Device, fence, tolerance)

	now := s.now().UTC()
	loc := cmd.Location
	entry := models.TimeEntry{
		ID:          id.NewEntryID(),
		RecordID:    record.ID,
		CaregiverID: record.CaregiverID,
		Type:        models.EntryCheckIn,
		Timestamp:   cmd.Location.Timestamp.UTC(),
		Location:    &loc,
		Device:      cmd.Device,
		Verified:    result.Passed,
		CreatedAt:   now,
	}
	entry.ChainHash = integrity.Append(record.IntegrityHash, snapshotForEntry(entry))
	record.IntegrityHash = entry.ChainHash
	record.Flag(result.IssueCodes()...)

	if err := s.records.UpdateVersioned(ctx, record, record.Version); err != nil {
		if dErrors.Is(err, sentinel.ErrVersionMismatch) {
			return models.TimeEntry{}, dErrors.Wrap(err, dErrors.CodeConflict, "record changed concurrently")
		}
		return models.TimeEntry{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist record")
	}
	record.Version++
	if err := s.entries.Save(ctx, entry); err != nil {
		return models.TimeEntry{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist time entry")
	}
	if err := s.enqueue(ctx, record, entry, models.OpCheckIn, cmd.ChangeID); err != nil {
		return models.TimeEntry{}, err
	}

	s.countVerification(result)
	return entry, nil
}

// verify runs the engine with the caregiver's last verified point wired in.
func (s *Service) verify(ctx context.Context, caregiverID id.CaregiverID, loc models.Location, device models.DeviceInfo, fence models.Geofence, tolerance float64) models.VerificationResult {
	var previous *verification.PreviousPoint
	if last, err := s.entries.LastVerifiedLocation(ctx, caregiverID); err == nil && last != nil {
		previous = &verification.PreviousPoint{
			Latitude:  last.Latitude,
			Longitude: last.Longitude,
			Timestamp: last.Timestamp,
		}
	} else if err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "travel history unavailable, skipping travel check",
			"caregiver_id", caregiverID.String(), "error", err)
	}
	return s.engine.Verify(verification.Input{
		Location:             loc,
		Device:               device,
		Fence:                fence,
		ExtraToleranceMeters: tolerance,
		Previous:             previous,
	})
}

// settleLevel derives the record's verification level from both clock events.
func (s *Service) settleLevel(ctx context.Context, record models.EVVRecord, clockOut models.VerificationResult) models.VerificationLevel {
	entries, err := s.entries.ListByRecord(ctx, record.ID)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "entry history unavailable, levelling from clock-out only",
				"record_id", record.ID.String(), "error", err)
		}
		entries = nil
	}

	anyUnverified := !clockOut.Passed
	for _, e := range entries {
		if e.Type == models.EntryClockIn && !e.Verified {
			anyUnverified = true
		}
	}
	switch {
	case anyUnverified:
		return models.VerificationFailed
	case len(record.ComplianceFlags) > 0 || clockOut.RequiresReview:
		return models.VerificationPartial
	default:
		return models.VerificationFull
	}
}

// settleStatus moves a closing record to its settled state through the
// transition table.
func (s *Service) settleStatus(record *models.EVVRecord, result models.VerificationResult) error {
	if record.Status == models.StatusFlaggedForReview {
		// Flagged at clock-in; the clock-out evidence is recorded but only
		// manual review can clear the flag.
		return nil
	}
	if err := s.transition(record, models.StatusPendingVerification); err != nil {
		return err
	}
	settled := models.StatusVerified
	if !result.Passed || record.Level == models.VerificationFailed {
		settled = models.StatusFlaggedForReview
	}
	return s.transition(record, settled)
}

func (s *Service) transition(record *models.EVVRecord, to models.RecordStatus) error {
	if !CanTransition(record.Status, to) {
		return dErrors.Newf(dErrors.CodeConflict,
			"record %s cannot move from %s to %s", record.ID, record.Status, to)
	}
	record.Status = to
	return nil
}

// enqueue persists the operation as a sync queue entry so downstream
// consumers (aggregator relays, partner feeds) replay it in priority order.
func (s *Service) enqueue(ctx context.Context, record models.EVVRecord, entry models.TimeEntry, op models.OperationType, changeID id.ChangeID) error {
	if changeID.IsNil() {
		changeID = id.NewChangeID()
	}
	payload, err := json.Marshal(queuePayload{
		RecordID:  record.ID.String(),
		EntryID:   entry.ID.String(),
		Timestamp: entry.Timestamp,
		ChainHash: entry.ChainHash,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode queue payload")
	}
	_, err = s.queue.Enqueue(ctx, models.SyncQueueEntry{
		ChangeID:      changeID,
		OperationType: op,
		EntityType:    "evv_record",
		EntityID:      record.ID.String(),
		Payload:       payload,
		DeviceID:      entry.Device.DeviceID,
		Priority:      models.PriorityFor(op),
		Status:        models.SyncPending,
		MaxRetries:    s.defaultMaxRetries,
		BaseVersion:   record.Version,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "enqueue sync entry")
	}
	// The change is already applied on this node; mark it so a coordinator
	// delivering the entry back to us dedupes instead of double-applying.
	if _, err := s.idempotency.MarkApplied(ctx, changeID); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "failed to mark change applied",
			"change_id", changeID.String(), "error", err)
	}
	return nil
}

type queuePayload struct {
	RecordID  string    `json:"record_id"`
	EntryID   string    `json:"entry_id"`
	Timestamp time.Time `json:"timestamp"`
	ChainHash string    `json:"chain_hash"`
}

func (s *Service) countVerification(result models.VerificationResult) {
	if s.metrics == nil {
		return
	}
	outcome := "passed"
	switch {
	case !result.Passed:
		outcome = "failed"
	case result.RequiresReview:
		outcome = "review"
	}
	s.metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
}

func (s *Service) countTransition(to models.RecordStatus) {
	if s.metrics != nil {
		s.metrics.RecordTransitions.WithLabelValues(string(to)).Inc()
	}
}
