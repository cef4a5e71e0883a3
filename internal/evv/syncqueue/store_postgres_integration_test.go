//go:build integration

package syncqueue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"careverify/internal/evv/models"
	"careverify/internal/evv/syncqueue"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
	"careverify/pkg/testutil/containers"
)

type PostgresQueueSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *syncqueue.PostgresStore
	device   id.DeviceID
}

func TestPostgresQueueSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresQueueSuite))
}

func (s *PostgresQueueSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = syncqueue.NewPostgres(s.postgres.DB)

	device, err := id.ParseDeviceID("tablet-0042")
	s.Require().NoError(err)
	s.device = device
}

func (s *PostgresQueueSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "sync_queue_entries")
	s.Require().NoError(err)
}

func (s *PostgresQueueSuite) enqueue(op models.OperationType) models.SyncQueueEntry {
	entry, err := s.store.Enqueue(context.Background(), models.SyncQueueEntry{
		ChangeID:      id.NewChangeID(),
		OperationType: op,
		EntityType:    "evv_record",
		EntityID:      uuid.NewString(),
		Payload:       []byte(`{}`),
		DeviceID:      s.device,
		Priority:      models.PriorityFor(op),
		Status:        models.SyncPending,
		MaxRetries:    3,
	})
	s.Require().NoError(err)
	return entry
}

func (s *PostgresQueueSuite) TestPriorityThenFIFO() {
	ctx := context.Background()
	first := s.enqueue(models.OpClockOut)
	second := s.enqueue(models.OpClockIn)
	third := s.enqueue(models.OpClockOut)

	got, err := s.store.NextPending(ctx, s.device, time.Now().UTC())
	s.Require().NoError(err)
	s.Equal(second.ID, got.ID, "clock-in outranks earlier clock-outs")

	got.Status = models.SyncSynced
	s.Require().NoError(s.store.Update(ctx, got))

	got, err = s.store.NextPending(ctx, s.device, time.Now().UTC())
	s.Require().NoError(err)
	s.Equal(first.ID, got.ID, "equal priority drains in enqueue order")

	got.Status = models.SyncSynced
	s.Require().NoError(s.store.Update(ctx, got))

	got, err = s.store.NextPending(ctx, s.device, time.Now().UTC())
	s.Require().NoError(err)
	s.Equal(third.ID, got.ID)
}

func (s *PostgresQueueSuite) TestNextPendingHonoursBackoffSchedule() {
	ctx := context.Background()
	entry := s.enqueue(models.OpClockIn)

	entry.NextAttemptAt = time.Now().UTC().Add(time.Hour)
	s.Require().NoError(s.store.Update(ctx, entry))

	_, err := s.store.NextPending(ctx, s.device, time.Now().UTC())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	got, err := s.store.NextPending(ctx, s.device, time.Now().UTC().Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(entry.ID, got.ID)
}

func (s *PostgresQueueSuite) TestSequenceAssignedMonotonically() {
	a := s.enqueue(models.OpCheckIn)
	b := s.enqueue(models.OpCheckIn)
	s.Greater(b.Seq, a.Seq)
}
