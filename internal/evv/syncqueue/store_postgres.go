package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
)

// PostgresStore persists queue entries in PostgreSQL. Seq comes from a
// BIGSERIAL so FIFO within a priority survives restarts. This store is pure
// I/O; scheduling and retry policy live in the coordinator.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const queueColumns = `id, change_id, operation_type, entity_type, entity_id, payload,
	device_id, priority, status, retry_count, max_retries, seq, next_attempt_at,
	last_error, base_version, created_at, updated_at`

func (s *PostgresStore) Enqueue(ctx context.Context, entry models.SyncQueueEntry) (models.SyncQueueEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.SyncPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.UpdatedAt = entry.CreatedAt

	query := `
		INSERT INTO sync_queue_entries
			(id, change_id, operation_type, entity_type, entity_id, payload, device_id,
			 priority, status, retry_count, max_retries, next_attempt_at, last_error,
			 base_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING seq
	`
	err := s.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.ChangeID.String(),
		string(entry.OperationType),
		entry.EntityType,
		entry.EntityID,
		[]byte(entry.Payload),
		entry.DeviceID.String(),
		entry.Priority,
		string(entry.Status),
		entry.RetryCount,
		entry.MaxRetries,
		entry.NextAttemptAt,
		entry.LastError,
		entry.BaseVersion,
		entry.CreatedAt,
		entry.UpdatedAt,
	).Scan(&entry.Seq)
	if err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("enqueue sync entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) NextPending(ctx context.Context, deviceID id.DeviceID, now time.Time) (models.SyncQueueEntry, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM sync_queue_entries
		WHERE device_id = $1 AND status = 'PENDING' AND next_attempt_at <= $2
		ORDER BY priority DESC, seq ASC
		LIMIT 1
	`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, deviceID.String(), now))
	if err != nil {
		if err == sql.ErrNoRows {
			return models.SyncQueueEntry{}, sentinel.ErrNotFound
		}
		return models.SyncQueueEntry{}, fmt.Errorf("next pending sync entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Update(ctx context.Context, entry models.SyncQueueEntry) error {
	query := `
		UPDATE sync_queue_entries
		SET status = $2, retry_count = $3, next_attempt_at = $4, last_error = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		entry.ID,
		string(entry.Status),
		entry.RetryCount,
		entry.NextAttemptAt,
		entry.LastError,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update sync entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync entry: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByDevice(ctx context.Context, deviceID id.DeviceID) ([]models.SyncQueueEntry, error) {
	query := `
		SELECT ` + queueColumns + `
		FROM sync_queue_entries
		WHERE device_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, deviceID.String())
	if err != nil {
		return nil, fmt.Errorf("list sync entries: %w", err)
	}
	defer rows.Close()

	var out []models.SyncQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.SyncQueueEntry, error) {
	var (
		e         models.SyncQueueEntry
		changeID  string
		opType    string
		deviceID  string
		status    string
		payload   []byte
		lastError sql.NullString
	)
	err := row.Scan(
		&e.ID, &changeID, &opType, &e.EntityType, &e.EntityID, &payload,
		&deviceID, &e.Priority, &status, &e.RetryCount, &e.MaxRetries, &e.Seq,
		&e.NextAttemptAt, &lastError, &e.BaseVersion, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return models.SyncQueueEntry{}, err
	}

	parsed, err := id.ParseChangeID(changeID)
	if err != nil {
		return models.SyncQueueEntry{}, err
	}
	e.ChangeID = parsed
	e.OperationType = models.OperationType(opType)
	e.DeviceID = id.DeviceID(deviceID)
	e.Status = models.SyncStatus(status)
	e.Payload = payload
	e.LastError = lastError.String
	return e, nil
}
