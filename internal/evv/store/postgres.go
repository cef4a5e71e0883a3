package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
)

// PostgresRecordStore persists EVV records. Location snapshots and compliance
// flags are stored as JSONB; the version column backs optimistic concurrency.
type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

const recordColumns = `id, organization_id, branch_id, visit_id, client_id, caregiver_id,
	service_type, jurisdiction, service_date, clock_in_at, clock_in_location,
	clock_out_at, clock_out_location, duration_minutes, verification_level,
	compliance_flags, status, integrity_hash, notes, version, created_at, updated_at`

func (s *PostgresRecordStore) Save(ctx context.Context, record models.EVVRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	record.UpdatedAt = record.CreatedAt
	if record.Version == 0 {
		record.Version = 1
	}

	clockInLoc, err := marshalNullable(record.ClockInLoc)
	if err != nil {
		return fmt.Errorf("encode clock-in location: %w", err)
	}
	clockOutLoc, err := marshalNullable(record.ClockOutLoc)
	if err != nil {
		return fmt.Errorf("encode clock-out location: %w", err)
	}
	flags, err := json.Marshal(record.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("encode compliance flags: %w", err)
	}

	query := `
		INSERT INTO evv_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22)
	`
	_, err = s.db.ExecContext(ctx, query,
		record.ID.String(),
		record.OrganizationID.String(),
		record.BranchID.String(),
		record.VisitID.String(),
		record.ClientID.String(),
		record.CaregiverID.String(),
		string(record.ServiceType),
		string(record.Jurisdiction),
		record.ServiceDate,
		record.ClockInAt,
		clockInLoc,
		record.ClockOutAt,
		clockOutLoc,
		record.DurationMinutes,
		string(record.Level),
		flags,
		string(record.Status),
		record.IntegrityHash,
		record.Notes,
		record.Version,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evv record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) FindByID(ctx context.Context, recordID id.RecordID) (models.EVVRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM evv_records WHERE id = $1`
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, recordID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return models.EVVRecord{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.EVVRecord{}, fmt.Errorf("find evv record: %w", err)
	}
	return record, nil
}

// UpdateVersioned writes the record only when the stored version still equals
// baseVersion. A zero-row update against an existing record means a
// concurrent writer won the race.
func (s *PostgresRecordStore) UpdateVersioned(ctx context.Context, record models.EVVRecord, baseVersion int64) error {
	clockInLoc, err := marshalNullable(record.ClockInLoc)
	if err != nil {
		return fmt.Errorf("encode clock-in location: %w", err)
	}
	clockOutLoc, err := marshalNullable(record.ClockOutLoc)
	if err != nil {
		return fmt.Errorf("encode clock-out location: %w", err)
	}
	flags, err := json.Marshal(record.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("encode compliance flags: %w", err)
	}

	query := `
		UPDATE evv_records
		SET clock_in_at = $1, clock_in_location = $2, clock_out_at = $3,
		    clock_out_location = $4, duration_minutes = $5, verification_level = $6,
		    compliance_flags = $7, status = $8, integrity_hash = $9, notes = $10,
		    version = version + 1, updated_at = $11
		WHERE id = $12 AND version = $13
	`
	res, err := s.db.ExecContext(ctx, query,
		record.ClockInAt,
		clockInLoc,
		record.ClockOutAt,
		clockOutLoc,
		record.DurationMinutes,
		string(record.Level),
		flags,
		string(record.Status),
		record.IntegrityHash,
		record.Notes,
		time.Now().UTC(),
		record.ID.String(),
		baseVersion,
	)
	if err != nil {
		return fmt.Errorf("update evv record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update evv record: %w", err)
	}
	if affected == 0 {
		var exists bool
		checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM evv_records WHERE id = $1)`, record.ID.String(),
		).Scan(&exists)
		if checkErr != nil {
			return fmt.Errorf("update evv record: %w", checkErr)
		}
		if !exists {
			return sentinel.ErrNotFound
		}
		return sentinel.ErrVersionMismatch
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.EVVRecord, error) {
	var (
		record                         models.EVVRecord
		recordID, orgID, branchID      string
		visitID, clientID, caregiverID string
		serviceType, jurisdiction      string
		level, status                  string
		clockInLoc, clockOutLoc, flags []byte
		clockOutAt                     sql.NullTime
	)
	err := row.Scan(
		&recordID, &orgID, &branchID, &visitID, &clientID, &caregiverID,
		&serviceType, &jurisdiction, &record.ServiceDate, &record.ClockInAt,
		&clockInLoc, &clockOutAt, &clockOutLoc, &record.DurationMinutes,
		&level, &flags, &status, &record.IntegrityHash, &record.Notes,
		&record.Version, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return models.EVVRecord{}, err
	}

	if record.ID, err = id.ParseRecordID(recordID); err != nil {
		return models.EVVRecord{}, err
	}
	if record.OrganizationID, err = id.ParseOrganizationID(orgID); err != nil {
		return models.EVVRecord{}, err
	}
	if record.BranchID, err = id.ParseBranchID(branchID); err != nil {
		return models.EVVRecord{}, err
	}
	if record.VisitID, err = id.ParseVisitID(visitID); err != nil {
		return models.EVVRecord{}, err
	}
	if record.ClientID, err = id.ParseClientID(clientID); err != nil {
		return models.EVVRecord{}, err
	}
	if record.CaregiverID, err = id.ParseCaregiverID(caregiverID); err != nil {
		return models.EVVRecord{}, err
	}
	record.ServiceType = id.ServiceTypeCode(serviceType)
	record.Jurisdiction = id.Jurisdiction(jurisdiction)
	record.Level = models.VerificationLevel(level)
	record.Status = models.RecordStatus(status)
	if clockOutAt.Valid {
		t := clockOutAt.Time
		record.ClockOutAt = &t
	}
	if record.ClockInLoc, err = unmarshalNullable(clockInLoc); err != nil {
		return models.EVVRecord{}, err
	}
	if record.ClockOutLoc, err = unmarshalNullable(clockOutLoc); err != nil {
		return models.EVVRecord{}, err
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &record.ComplianceFlags); err != nil {
			return models.EVVRecord{}, err
		}
	}
	return record, nil
}

func marshalNullable(loc *models.Location) ([]byte, error) {
	if loc == nil {
		return nil, nil
	}
	return json.Marshal(loc)
}

func unmarshalNullable(raw []byte) (*models.Location, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var loc models.Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// PostgresTimeEntryStore persists clock events. Entries are insert-only.
type PostgresTimeEntryStore struct {
	db *sql.DB
}

func NewPostgresTimeEntryStore(db *sql.DB) *PostgresTimeEntryStore {
	return &PostgresTimeEntryStore{db: db}
}

const entryColumns = `id, record_id, caregiver_id, entry_type, occurred_at, location,
	device, verified, chain_hash, reason, reason_code, actor_id, created_at`

func (s *PostgresTimeEntryStore) Save(ctx context.Context, entry models.TimeEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	loc, err := marshalNullable(entry.Location)
	if err != nil {
		return fmt.Errorf("encode entry location: %w", err)
	}
	device, err := json.Marshal(entry.Device)
	if err != nil {
		return fmt.Errorf("encode device info: %w", err)
	}

	query := `
		INSERT INTO time_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		entry.ID.String(),
		entry.RecordID.String(),
		entry.CaregiverID.String(),
		string(entry.Type),
		entry.Timestamp,
		loc,
		device,
		entry.Verified,
		entry.ChainHash,
		entry.Reason,
		entry.ReasonCode,
		entry.ActorID,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert time entry: %w", err)
	}
	return nil
}

func (s *PostgresTimeEntryStore) FindByID(ctx context.Context, entryID id.EntryID) (models.TimeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM time_entries WHERE id = $1`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, entryID.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TimeEntry{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.TimeEntry{}, fmt.Errorf("find time entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresTimeEntryStore) ListByRecord(ctx context.Context, recordID id.RecordID) ([]models.TimeEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM time_entries
		WHERE record_id = $1
		ORDER BY occurred_at ASC, created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, recordID.String())
	if err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	defer rows.Close()

	var out []models.TimeEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresTimeEntryStore) LastVerifiedLocation(ctx context.Context, caregiverID id.CaregiverID) (*models.Location, error) {
	query := `
		SELECT location
		FROM time_entries
		WHERE caregiver_id = $1 AND verified = TRUE AND location IS NOT NULL
		ORDER BY occurred_at DESC
		LIMIT 1
	`
	var raw []byte
	err := s.db.QueryRowContext(ctx, query, caregiverID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last verified location: %w", err)
	}
	return unmarshalNullable(raw)
}

func scanEntry(row rowScanner) (models.TimeEntry, error) {
	var (
		entry                          models.TimeEntry
		entryID, recordID, caregiverID string
		entryType                      string
		loc, device                    []byte
	)
	err := row.Scan(
		&entryID, &recordID, &caregiverID, &entryType, &entry.Timestamp,
		&loc, &device, &entry.Verified, &entry.ChainHash, &entry.Reason,
		&entry.ReasonCode, &entry.ActorID, &entry.CreatedAt,
	)
	if err != nil {
		return models.TimeEntry{}, err
	}
	if entry.ID, err = id.ParseEntryID(entryID); err != nil {
		return models.TimeEntry{}, err
	}
	if entry.RecordID, err = id.ParseRecordID(recordID); err != nil {
		return models.TimeEntry{}, err
	}
	if entry.CaregiverID, err = id.ParseCaregiverID(caregiverID); err != nil {
		return models.TimeEntry{}, err
	}
	entry.Type = models.EntryType(entryType)
	if entry.Location, err = unmarshalNullable(loc); err != nil {
		return models.TimeEntry{}, err
	}
	if err := json.Unmarshal(device, &entry.Device); err != nil {
		return models.TimeEntry{}, err
	}
	return entry, nil
}

// PostgresGeofenceStore resolves the fence tied to a client's service address.
type PostgresGeofenceStore struct {
	db *sql.DB
}

func NewPostgresGeofenceStore(db *sql.DB) *PostgresGeofenceStore {
	return &PostgresGeofenceStore{db: db}
}

func (s *PostgresGeofenceStore) FindByClient(ctx context.Context, clientID id.ClientID) (models.Geofence, error) {
	query := `
		SELECT id, organization_id, client_id, latitude, longitude, radius_meters,
		       polygon, label
		FROM geofences
		WHERE client_id = $1
	`
	var (
		fence         models.Geofence
		fenceOrgID    string
		fenceClientID string
		polygon       []byte
	)
	err := s.db.QueryRowContext(ctx, query, clientID.String()).Scan(
		&fence.ID, &fenceOrgID, &fenceClientID, &fence.Latitude, &fence.Longitude,
		&fence.RadiusMeters, &polygon, &fence.Label,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Geofence{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.Geofence{}, fmt.Errorf("find geofence: %w", err)
	}
	if fence.OrganizationID, err = id.ParseOrganizationID(fenceOrgID); err != nil {
		return models.Geofence{}, err
	}
	if fence.ClientID, err = id.ParseClientID(fenceClientID); err != nil {
		return models.Geofence{}, err
	}
	if len(polygon) > 0 {
		if err := json.Unmarshal(polygon, &fence.Polygon); err != nil {
			return models.Geofence{}, err
		}
	}
	return fence, nil
}

// PostgresCorrectionStore persists amendment records, insert-only.
type PostgresCorrectionStore struct {
	db *sql.DB
}

func NewPostgresCorrectionStore(db *sql.DB) *PostgresCorrectionStore {
	return &PostgresCorrectionStore{db: db}
}

func (s *PostgresCorrectionStore) Save(ctx context.Context, correction models.CorrectionRecord) error {
	if correction.CreatedAt.IsZero() {
		correction.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO correction_records
			(id, original_record_id, field, proposed_value, reason, reason_code,
			 created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		correction.ID,
		correction.OriginalRecordID.String(),
		correction.Field,
		correction.ProposedValue,
		correction.Reason,
		correction.ReasonCode,
		correction.CreatedBy,
		correction.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert correction record: %w", err)
	}
	return nil
}

func (s *PostgresCorrectionStore) ListByRecord(ctx context.Context, recordID id.RecordID) ([]models.CorrectionRecord, error) {
	query := `
		SELECT id, original_record_id, field, proposed_value, reason, reason_code,
		       created_by, created_at
		FROM correction_records
		WHERE original_record_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, recordID.String())
	if err != nil {
		return nil, fmt.Errorf("list correction records: %w", err)
	}
	defer rows.Close()

	var out []models.CorrectionRecord
	for rows.Next() {
		var (
			c        models.CorrectionRecord
			recordID string
		)
		if err := rows.Scan(&c.ID, &recordID, &c.Field, &c.ProposedValue,
			&c.Reason, &c.ReasonCode, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan correction record: %w", err)
		}
		if c.OriginalRecordID, err = id.ParseRecordID(recordID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
