//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer wraps a testcontainers Postgres instance with the EVV
// schema applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// Manager hands out shared containers so test suites in the same run reuse
// one Postgres instance. Ryuk terminates it after the run.
type Manager struct {
	mu       sync.Mutex
	postgres *PostgresContainer
	redis    *RedisContainer
}

var (
	managerOnce sync.Once
	manager     *Manager
)

func GetManager() *Manager {
	managerOnce.Do(func() { manager = &Manager{} })
	return manager
}

// GetPostgres returns the shared Postgres container, starting it on first use.
func (m *Manager) GetPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postgres != nil {
		return m.postgres
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("careverify"),
		tcpostgres.WithUsername("careverify"),
		tcpostgres.WithPassword("careverify"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	m.postgres = &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}
	return m.postgres
}

// TruncateTables clears the named tables between tests.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	query := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(tables, ", "))
	_, err := p.DB.ExecContext(ctx, query)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS evv_records (
	id                 TEXT PRIMARY KEY,
	organization_id    TEXT NOT NULL,
	branch_id          TEXT NOT NULL,
	visit_id           TEXT NOT NULL,
	client_id          TEXT NOT NULL,
	caregiver_id       TEXT NOT NULL,
	service_type       TEXT NOT NULL,
	jurisdiction       TEXT NOT NULL,
	service_date       TIMESTAMPTZ NOT NULL,
	clock_in_at        TIMESTAMPTZ NOT NULL,
	clock_in_location  JSONB,
	clock_out_at       TIMESTAMPTZ,
	clock_out_location JSONB,
	duration_minutes   INTEGER NOT NULL DEFAULT 0,
	verification_level TEXT NOT NULL,
	compliance_flags   JSONB,
	status             TEXT NOT NULL,
	integrity_hash     TEXT NOT NULL,
	notes              TEXT NOT NULL DEFAULT '',
	version            INTEGER NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS time_entries (
	id           TEXT PRIMARY KEY,
	record_id    TEXT NOT NULL,
	caregiver_id TEXT NOT NULL,
	entry_type   TEXT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	location     JSONB,
	device       JSONB,
	verified     BOOLEAN NOT NULL DEFAULT FALSE,
	chain_hash   TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	reason_code  TEXT NOT NULL DEFAULT '',
	actor_id     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_time_entries_record ON time_entries (record_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_time_entries_caregiver ON time_entries (caregiver_id, verified, occurred_at);

CREATE TABLE IF NOT EXISTS geofences (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	client_id       TEXT NOT NULL UNIQUE,
	latitude        DOUBLE PRECISION NOT NULL,
	longitude       DOUBLE PRECISION NOT NULL,
	radius_meters   DOUBLE PRECISION NOT NULL,
	polygon         JSONB,
	label           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS correction_records (
	id                 TEXT PRIMARY KEY,
	original_record_id TEXT NOT NULL,
	field              TEXT NOT NULL,
	proposed_value     TEXT NOT NULL,
	reason             TEXT NOT NULL,
	reason_code        TEXT NOT NULL,
	created_by         TEXT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_queue_entries (
	id              TEXT PRIMARY KEY,
	change_id       TEXT NOT NULL,
	operation_type  TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	entity_id       TEXT NOT NULL,
	payload         JSONB,
	device_id       TEXT NOT NULL,
	priority        INTEGER NOT NULL,
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL,
	seq             BIGSERIAL,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	base_version    INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_device ON sync_queue_entries (device_id, status, priority DESC, seq ASC);

CREATE TABLE IF NOT EXISTS conflict_resolutions (
	id             TEXT PRIMARY KEY,
	record_id      TEXT NOT NULL,
	field          TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	winner         TEXT NOT NULL,
	resolved_value TEXT NOT NULL,
	resolved_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregator_configs (
	jurisdiction              TEXT PRIMARY KEY,
	geofence_tolerance_meters DOUBLE PRECISION NOT NULL,
	immutability_window_days  INTEGER NOT NULL,
	submission_targets        JSONB NOT NULL
);
`
