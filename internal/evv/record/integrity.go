package record

import (
	"context"

	"careverify/internal/evv/integrity"
	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
)

// snapshotForEntry renders the entry's immutable evidence fields for the
// hash chain. Every field here is tamper-evidenced: changing any of them in
// storage breaks the chain at this link and every link after it.
func snapshotForEntry(entry models.TimeEntry) integrity.Snapshot {
	snap := integrity.Snapshot{
		"entry_id":     entry.ID.String(),
		"record_id":    entry.RecordID.String(),
		"caregiver_id": entry.CaregiverID.String(),
		"type":         string(entry.Type),
		"device_id":    entry.Device.DeviceID.String(),
		"verified":     boolField(entry.Verified),
	}
	snap.PutTime("timestamp", entry.Timestamp)
	if entry.Location != nil {
		snap.PutCoord("latitude", entry.Location.Latitude)
		snap.PutCoord("longitude", entry.Location.Longitude)
		snap.PutCoord("accuracy", entry.Location.AccuracyMeters)
	}
	if entry.Reason != "" {
		snap["reason"] = entry.Reason
		snap["reason_code"] = entry.ReasonCode
		snap["actor_id"] = entry.ActorID
	}
	return snap
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// VerifyIntegrity re-derives the record's hash chain from its stored entries
// and checks every link plus the chain head on the record itself. Any
// mismatch is tampering; the caller must block the record until manual
// review resolves it.
func (s *Service) VerifyIntegrity(ctx context.Context, recordID id.RecordID) error {
	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "resolve record")
	}
	entries, err := s.entries.ListByRecord(ctx, recordID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "load time entries")
	}

	snapshots := make([]integrity.Snapshot, len(entries))
	hashes := make([]string, len(entries))
	for i, entry := range entries {
		snapshots[i] = snapshotForEntry(entry)
		hashes[i] = entry.ChainHash
	}

	if err := integrity.Verify(recordID.String(), snapshots, hashes); err != nil {
		s.countTamper(ctx, record)
		return err
	}
	if len(hashes) > 0 && record.IntegrityHash != hashes[len(hashes)-1] {
		s.countTamper(ctx, record)
		return dErrors.New(dErrors.CodeInvariantViolation,
			"TAMPER_DETECTED: record chain head does not match its entries")
	}
	return nil
}

func (s *Service) countTamper(ctx context.Context, record models.EVVRecord) {
	if s.metrics != nil {
		s.metrics.TamperDetections.Inc()
	}
	if s.logger != nil {
		s.logger.ErrorContext(ctx, "integrity chain mismatch",
			"record_id", record.ID.String(),
			"status", string(record.Status),
		)
	}
}
