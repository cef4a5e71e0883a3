package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
)

// PostgresAuditStore persists conflict resolutions in PostgreSQL. The table
// has no UPDATE path; resolutions are immutable once written.
type PostgresAuditStore struct {
	db *sql.DB
}

func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Append(ctx context.Context, r models.ConflictResolution) error {
	query := `
		INSERT INTO conflict_resolutions (id, record_id, field, strategy, winner, resolved_value, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.RecordID.String(),
		r.Field,
		string(r.Strategy),
		string(r.Winner),
		r.ResolvedValue,
		r.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("append conflict resolution: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) ListByRecord(ctx context.Context, recordID id.RecordID) ([]models.ConflictResolution, error) {
	query := `
		SELECT id, record_id, field, strategy, winner, resolved_value, resolved_at
		FROM conflict_resolutions
		WHERE record_id = $1
		ORDER BY resolved_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, recordID.String())
	if err != nil {
		return nil, fmt.Errorf("list conflict resolutions: %w", err)
	}
	defer rows.Close()

	var out []models.ConflictResolution
	for rows.Next() {
		var (
			r        models.ConflictResolution
			recID    string
			strategy string
			winner   string
			at       time.Time
		)
		if err := rows.Scan(&r.ID, &recID, &r.Field, &strategy, &winner, &r.ResolvedValue, &at); err != nil {
			return nil, fmt.Errorf("scan conflict resolution: %w", err)
		}
		parsed, err := id.ParseRecordID(recID)
		if err != nil {
			return nil, fmt.Errorf("scan conflict resolution record id: %w", err)
		}
		r.RecordID = parsed
		r.Strategy = models.ResolutionStrategy(strategy)
		r.Winner = models.ResolutionWinner(winner)
		r.ResolvedAt = at
		out = append(out, r)
	}
	return out, rows.Err()
}
