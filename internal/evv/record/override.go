package record

import (
	"context"

	"careverify/internal/evv/integrity"
	"careverify/internal/evv/models"
	"careverify/internal/evv/ports"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
	"careverify/pkg/platform/sentinel"
)

// OverrideCommand clears a flagged record by supervisor decision.
type OverrideCommand struct {
	RecordID   id.RecordID
	Actor      ports.Actor
	Reason     string
	ReasonCode string
}

// ApplyManualOverride moves a flagged record to MANUALLY_OVERRIDDEN. The
// override is itself chained evidence: who cleared it, why, and when become
// a tamper-evidenced entry alongside the clock events it overrides.
//
// The command is keyed by record, not by a single time entry: the decision
// clears the record's review state as a whole, and the MANUAL_ADJUSTMENT
// entry it appends is the per-entry trace. Callers holding only a time
// entry resolve its RecordID first.
func (s *Service) ApplyManualOverride(ctx context.Context, cmd OverrideCommand) (models.EVVRecord, error) {
	if err := s.permissions.Authorize(ctx, cmd.Actor, ports.PermissionManualOverride); err != nil {
		return models.EVVRecord{}, err
	}
	if cmd.Reason == "" || cmd.ReasonCode == "" {
		return models.EVVRecord{}, dErrors.New(dErrors.CodeValidation,
			"manual overrides require a reason and reason code")
	}

	record, err := s.records.FindByID(ctx, cmd.RecordID)
	if err != nil {
		return models.EVVRecord{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}
	if err := s.transition(&record, models.StatusManuallyOverridden); err != nil {
		return models.EVVRecord{}, err
	}

	now := s.now().UTC()
	entry := models.TimeEntry{
		ID:          id.NewEntryID(),
		RecordID:    record.ID,
		CaregiverID: record.CaregiverID,
		Type:        models.EntryManualAdjustment,
		Timestamp:   now,
		Verified:    true,
		Reason:      cmd.Reason,
		ReasonCode:  cmd.ReasonCode,
		ActorID:     cmd.Actor.ID,
		CreatedAt:   now,
	}
	entry.ChainHash = integrity.Append(record.IntegrityHash, snapshotForEntry(entry))
	record.IntegrityHash = entry.ChainHash

	if err := s.records.UpdateVersioned(ctx, record, record.Version); err != nil {
		if dErrors.Is(err, sentinel.ErrVersionMismatch) {
			return models.EVVRecord{}, dErrors.Wrap(err, dErrors.CodeConflict, "record changed concurrently")
		}
		return models.EVVRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist record")
	}
	record.Version++
	if err := s.entries.Save(ctx, entry); err != nil {
		return models.EVVRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist override entry")
	}

	if s.metrics != nil {
		s.metrics.ManualOverrides.Inc()
	}
	s.countTransition(record.Status)
	ports.LogAudit(ctx, s.logger, s.audit, ports.AuditEvent{
		Timestamp: now,
		Action:    "evv.manual_override",
		RecordID:  record.ID.String(),
		ActorID:   cmd.Actor.ID,
		Reason:    cmd.Reason,
		Details: map[string]string{
			"reason_code": cmd.ReasonCode,
		},
	})
	return record, nil
}

// SubmitCommand sends a settled record to its jurisdiction's aggregator.
type SubmitCommand struct {
	RecordID id.RecordID
	Actor    ports.Actor
}

// Submit verifies the record's integrity chain, delivers it through the
// aggregator router and marks it SUBMITTED. A business rejection from the
// aggregator marks the record REJECTED; corrections then go through the
// formal amendment path.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (models.EVVRecord, error) {
	if err := s.permissions.Authorize(ctx, cmd.Actor, ports.PermissionSubmit); err != nil {
		return models.EVVRecord{}, err
	}
	record, err := s.records.FindByID(ctx, cmd.RecordID)
	if err != nil {
		return models.EVVRecord{}, dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}
	if err := s.VerifyIntegrity(ctx, cmd.RecordID); err != nil {
		return models.EVVRecord{}, err
	}

	if err := s.router.Submit(ctx, record); err != nil {
		if dErrors.Retryable(err) {
			// Transport trouble; the record keeps its state and the caller
			// may retry.
			return models.EVVRecord{}, err
		}
		if rejErr := s.reject(ctx, &record, cmd.Actor, err); rejErr != nil {
			return models.EVVRecord{}, rejErr
		}
		return record, err
	}

	if err := s.transition(&record, models.StatusSubmitted); err != nil {
		return models.EVVRecord{}, err
	}
	if err := s.records.UpdateVersioned(ctx, record, record.Version); err != nil {
		return models.EVVRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist record")
	}
	record.Version++

	s.countTransition(record.Status)
	ports.LogAudit(ctx, s.logger, s.audit, ports.AuditEvent{
		Timestamp: s.now().UTC(),
		Action:    "evv.submitted",
		RecordID:  record.ID.String(),
		ActorID:   cmd.Actor.ID,
		Details: map[string]string{
			"jurisdiction": record.Jurisdiction.String(),
		},
	})
	return record, nil
}

// reject marks a record REJECTED after an aggregator business rejection. The
// transition is only attempted from states that allow it; a record rejected
// before it ever reached VERIFIED keeps its state and only the error
// propagates.
func (s *Service) reject(ctx context.Context, record *models.EVVRecord, actor ports.Actor, cause error) error {
	if !CanTransition(record.Status, models.StatusRejected) {
		return nil
	}
	if err := s.transition(record, models.StatusRejected); err != nil {
		return err
	}
	if err := s.records.UpdateVersioned(ctx, *record, record.Version); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist record")
	}
	record.Version++

	s.countTransition(record.Status)
	ports.LogAudit(ctx, s.logger, s.audit, ports.AuditEvent{
		Timestamp: s.now().UTC(),
		Action:    "evv.rejected",
		RecordID:  record.ID.String(),
		ActorID:   actor.ID,
		Reason:    cause.Error(),
	})
	return nil
}
