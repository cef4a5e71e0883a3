package record

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"careverify/internal/evv/conflict"
	"careverify/internal/evv/models"
	"careverify/internal/evv/ports"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
	"careverify/pkg/platform/sentinel"
)

// clockEventPayload is the wire form of a device-originated clock event.
type clockEventPayload struct {
	VisitID     string            `json:"visit_id,omitempty"`
	RecordID    string            `json:"record_id,omitempty"`
	CaregiverID string            `json:"caregiver_id"`
	Location    models.Location   `json:"location"`
	Device      models.DeviceInfo `json:"device"`
	Notes       string            `json:"notes,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Actor       string            `json:"actor"`
}

// correctionPayload is the wire form of a device-originated field correction.
type correctionPayload struct {
	RecordID   string    `json:"record_id"`
	Field      string    `json:"field"`
	Value      string    `json:"value"`
	Reason     string    `json:"reason"`
	ReasonCode string    `json:"reason_code"`
	Actor      string    `json:"actor"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Apply is the server-side application of one delivered sync change. It is
// idempotent by change ID: a change applies exactly once, replays are no-ops.
// The applied mark is written only after success so a change that failed
// mid-apply is retried, not skipped.
func (s *Service) Apply(ctx context.Context, change ports.SyncChange) error {
	applied, err := s.idempotency.Applied(ctx, change.ChangeID)
	if err != nil {
		return err
	}
	if applied {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "replayed change skipped",
				"change_id", change.ChangeID.String(),
				"device_id", change.DeviceID.String(),
			)
		}
		return nil
	}

	switch change.OperationType {
	case models.OpClockIn:
		err = s.applyClockIn(ctx, change)
	case models.OpClockOut:
		err = s.applyClockOut(ctx, change)
	case models.OpCheckIn:
		err = s.applyCheckIn(ctx, change)
	case models.OpManualCorrection:
		err = s.applyCorrection(ctx, change)
	default:
		err = dErrors.Newf(dErrors.CodeInvalidInput, "unknown operation type %q", change.OperationType)
	}
	if err != nil {
		return err
	}

	if _, err := s.idempotency.MarkApplied(ctx, change.ChangeID); err != nil {
		return err
	}
	return nil
}

func (s *Service) applyClockIn(ctx context.Context, change ports.SyncChange) error {
	var payload clockEventPayload
	if err := json.Unmarshal(change.Payload, &payload); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "decode clock-in payload")
	}
	visitID, err := id.ParseVisitID(payload.VisitID)
	if err != nil {
		return err
	}
	caregiverID, err := id.ParseCaregiverID(payload.CaregiverID)
	if err != nil {
		return err
	}
	_, err = s.ClockIn(ctx, ClockInCommand{
		VisitID:     visitID,
		CaregiverID: caregiverID,
		Location:    payload.Location,
		Device:      payload.Device,
		Notes:       payload.Notes,
		ChangeID:    change.ChangeID,
	})
	return err
}

// applyClockOut closes the record, or reconciles field-by-field when the
// server copy moved past the device's base version while it was offline.
func (s *Service) applyClockOut(ctx context.Context, change ports.SyncChange) error {
	var payload clockEventPayload
	if err := json.Unmarshal(change.Payload, &payload); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "decode clock-out payload")
	}
	recordID, err := id.ParseRecordID(payload.RecordID)
	if err != nil {
		return err
	}

	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}
	if record.ClockOutAt == nil {
		_, err = s.ClockOut(ctx, ClockOutCommand{
			RecordID: recordID,
			Location: payload.Location,
			Device:   payload.Device,
			Notes:    payload.Notes,
			ChangeID: change.ChangeID,
		})
		return err
	}

	// BaseVersion is the record version the change was built against. A
	// stored copy still behind that base means this node has not yet seen
	// the write the device observed; retry once it is visible.
	if change.BaseVersion > record.Version {
		return dErrors.Newf(dErrors.CodeUnavailable,
			"record %s at version %d is behind change base version %d",
			record.ID, record.Version, change.BaseVersion)
	}

	// The stored copy reached or passed the base version and both sides
	// closed the record: reconcile the divergent fields deterministically
	// and leave an audit entry for every decision.
	return s.reconcileClockOut(ctx, record, payload)
}

func (s *Service) reconcileClockOut(ctx context.Context, record models.EVVRecord, payload clockEventPayload) error {
	serverActor := "server"
	localOutAt := payload.Location.Timestamp.UTC()

	// The server side's write time for clock-out evidence is the clock-out
	// itself; record.UpdatedAt also moves on unrelated writes.
	resolutions := []conflict.Resolution{
		conflict.Resolve(
			conflict.FieldChange{Field: "clock_out_at", Value: localOutAt.Format(time.RFC3339Nano), UpdatedAt: payload.UpdatedAt, Actor: payload.Actor},
			conflict.FieldChange{Field: "clock_out_at", Value: record.ClockOutAt.Format(time.RFC3339Nano), UpdatedAt: *record.ClockOutAt, Actor: serverActor},
		),
	}
	if payload.Notes != "" && payload.Notes != record.Notes {
		resolutions = append(resolutions, conflict.Resolve(
			conflict.FieldChange{Field: "notes", Value: payload.Notes, UpdatedAt: payload.UpdatedAt, Actor: payload.Actor},
			conflict.FieldChange{Field: "notes", Value: record.Notes, UpdatedAt: record.UpdatedAt, Actor: serverActor},
		))
	}

	changed := false
	needsReview := false
	for _, res := range resolutions {
		if err := s.recordResolution(ctx, record.ID, res); err != nil {
			return err
		}
		if res.NeedsReview {
			needsReview = true
			continue
		}
		switch res.Field {
		case "clock_out_at":
			if res.Winner == models.WinnerLocal {
				record.ClockOutAt = &localOutAt
				loc := payload.Location
				record.ClockOutLoc = &loc
				record.DurationMinutes = int(localOutAt.Sub(record.ClockInAt).Minutes())
				changed = true
			}
		case "notes":
			if record.Notes != res.ResolvedValue {
				record.Notes = res.ResolvedValue
				changed = true
			}
		}
	}

	if needsReview && CanTransition(record.Status, models.StatusFlaggedForReview) {
		if err := s.transition(&record, models.StatusFlaggedForReview); err != nil {
			return err
		}
		s.countTransition(record.Status)
		changed = true
	}
	if !changed {
		return nil
	}

	if err := s.records.UpdateVersioned(ctx, record, record.Version); err != nil {
		if dErrors.Is(err, sentinel.ErrVersionMismatch) {
			// A concurrent writer moved the record again; resolution is
			// deterministic, so the retried delivery re-resolves cleanly.
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "record changed during reconciliation")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist reconciled record")
	}
	return nil
}

func (s *Service) recordResolution(ctx context.Context, recordID id.RecordID, res conflict.Resolution) error {
	if s.metrics != nil {
		s.metrics.ConflictsResolved.WithLabelValues(string(res.Strategy)).Inc()
	}
	err := s.conflicts.Append(ctx, models.ConflictResolution{
		ID:            uuid.NewString(),
		RecordID:      recordID,
		Field:         res.Field,
		Strategy:      res.Strategy,
		Winner:        res.Winner,
		ResolvedValue: res.ResolvedValue,
		ResolvedAt:    s.now().UTC(),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist conflict resolution")
	}
	return nil
}

func (s *Service) applyCheckIn(ctx context.Context, change ports.SyncChange) error {
	var payload clockEventPayload
	if err := json.Unmarshal(change.Payload, &payload); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "decode check-in payload")
	}
	recordID, err := id.ParseRecordID(payload.RecordID)
	if err != nil {
		return err
	}
	_, err = s.CheckIn(ctx, CheckInCommand{
		RecordID: recordID,
		Location: payload.Location,
		Device:   payload.Device,
		ChangeID: change.ChangeID,
	})
	return err
}

// applyCorrection amends a record field. Inside the jurisdiction's edit
// window the field reconciles like any sync conflict; outside it the change
// becomes a formal correction record and the original stays untouched.
func (s *Service) applyCorrection(ctx context.Context, change ports.SyncChange) error {
	var payload correctionPayload
	if err := json.Unmarshal(change.Payload, &payload); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "decode correction payload")
	}
	recordID, err := id.ParseRecordID(payload.RecordID)
	if err != nil {
		return err
	}
	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}

	if err := s.router.CheckMutable(ctx, record); err != nil {
		if !dErrors.HasCode(err, dErrors.CodeConflict) {
			return err
		}
		_, corrErr := s.router.CreateCorrection(ctx, record,
			payload.Field, payload.Value, payload.Reason, payload.ReasonCode, payload.Actor)
		return corrErr
	}

	res := conflict.Resolve(
		conflict.FieldChange{Field: payload.Field, Value: payload.Value, UpdatedAt: payload.UpdatedAt, Actor: payload.Actor},
		conflict.FieldChange{Field: payload.Field, Value: s.fieldValue(record, payload.Field), UpdatedAt: record.UpdatedAt, Actor: "server"},
	)
	if err := s.recordResolution(ctx, record.ID, res); err != nil {
		return err
	}
	if res.NeedsReview {
		if CanTransition(record.Status, models.StatusFlaggedForReview) {
			if err := s.transition(&record, models.StatusFlaggedForReview); err != nil {
				return err
			}
			s.countTransition(record.Status)
			if err := s.records.UpdateVersioned(ctx, record, record.Version); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "persist flagged record")
			}
		}
		return nil
	}
	if res.Winner == models.WinnerRemote {
		return nil
	}

	if err := s.setField(&record, payload.Field, res.ResolvedValue); err != nil {
		return err
	}
	if err := s.records.UpdateVersioned(ctx, record, record.Version); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist corrected record")
	}

	ports.LogAudit(ctx, s.logger, s.audit, ports.AuditEvent{
		Timestamp: s.now().UTC(),
		Action:    "evv.correction_applied",
		RecordID:  record.ID.String(),
		ActorID:   payload.Actor,
		Reason:    payload.Reason,
		Details: map[string]string{
			"field":       payload.Field,
			"reason_code": payload.ReasonCode,
		},
	})
	return nil
}

func (s *Service) fieldValue(record models.EVVRecord, field string) string {
	switch field {
	case "clock_out_at":
		if record.ClockOutAt == nil {
			return ""
		}
		return record.ClockOutAt.Format(time.RFC3339Nano)
	case "notes":
		return record.Notes
	default:
		return ""
	}
}

func (s *Service) setField(record *models.EVVRecord, field, value string) error {
	switch field {
	case "clock_out_at":
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, "parse corrected clock-out time")
		}
		utc := t.UTC()
		record.ClockOutAt = &utc
		record.DurationMinutes = int(utc.Sub(record.ClockInAt).Minutes())
	case "notes":
		record.Notes = value
	default:
		return dErrors.Newf(dErrors.CodeInvalidInput, "field %q is not correctable", field)
	}
	return nil
}
