package aggregator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
)

// PostgresConfigStore reads jurisdiction rules from the aggregator_configs
// table. The table is operator-managed; this store never writes.
type PostgresConfigStore struct {
	db *sql.DB
}

func NewPostgresConfigStore(db *sql.DB) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

func (s *PostgresConfigStore) Find(ctx context.Context, jurisdiction id.Jurisdiction) (models.StateAggregatorConfig, error) {
	query := `
		SELECT jurisdiction, geofence_tolerance_meters, immutability_window_days,
		       submission_targets
		FROM aggregator_configs
		WHERE jurisdiction = $1
	`
	var (
		cfg     models.StateAggregatorConfig
		j       string
		targets []byte
	)
	err := s.db.QueryRowContext(ctx, query, jurisdiction.String()).Scan(
		&j, &cfg.GeofenceToleranceMeters, &cfg.ImmutabilityWindowDays, &targets,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StateAggregatorConfig{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.StateAggregatorConfig{}, fmt.Errorf("find aggregator config: %w", err)
	}
	if cfg.Jurisdiction, err = id.ParseJurisdiction(j); err != nil {
		return models.StateAggregatorConfig{}, err
	}
	if len(targets) > 0 {
		if err := json.Unmarshal(targets, &cfg.SubmissionTargets); err != nil {
			return models.StateAggregatorConfig{}, err
		}
	}
	return cfg, nil
}
