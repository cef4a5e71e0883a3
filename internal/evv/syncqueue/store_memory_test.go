package syncqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	"careverify/pkg/platform/sentinel"
)

const testDevice = id.DeviceID("tablet-0042")

func pendingEntry(op models.OperationType) models.SyncQueueEntry {
	return models.SyncQueueEntry{
		ChangeID:      id.NewChangeID(),
		OperationType: op,
		EntityType:    "evv_record",
		EntityID:      id.NewRecordID().String(),
		Payload:       []byte(`{}`),
		DeviceID:      testDevice,
		Priority:      models.PriorityFor(op),
		MaxRetries:    5,
	}
}

func TestInMemoryStore_PriorityThenFIFO(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()

	// Priorities [90, 100, 90] enqueued in that order.
	first90, err := store.Enqueue(ctx, pendingEntry(models.OpClockOut))
	require.NoError(t, err)
	only100, err := store.Enqueue(ctx, pendingEntry(models.OpClockIn))
	require.NoError(t, err)
	second90, err := store.Enqueue(ctx, pendingEntry(models.OpClockOut))
	require.NoError(t, err)

	dequeue := func() models.SyncQueueEntry {
		e, err := store.NextPending(ctx, testDevice, now)
		require.NoError(t, err)
		e.Status = models.SyncSynced
		require.NoError(t, store.Update(ctx, e))
		return e
	}

	// Dequeue order is [100, 90(first), 90(second)].
	assert.Equal(t, only100.ID, dequeue().ID)
	assert.Equal(t, first90.ID, dequeue().ID)
	assert.Equal(t, second90.ID, dequeue().ID)

	_, err = store.NextPending(ctx, testDevice, now)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryStore_BackoffScheduleRespected(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()
	now := time.Now()

	entry, err := store.Enqueue(ctx, pendingEntry(models.OpClockIn))
	require.NoError(t, err)

	entry.NextAttemptAt = now.Add(30 * time.Second)
	require.NoError(t, store.Update(ctx, entry))

	_, err = store.NextPending(ctx, testDevice, now)
	assert.ErrorIs(t, err, sentinel.ErrNotFound, "entry is not due yet")

	got, err := store.NextPending(ctx, testDevice, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
}

func TestInMemoryStore_DevicesAreIsolated(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	entry := pendingEntry(models.OpClockIn)
	entry.DeviceID = "tablet-a"
	_, err := store.Enqueue(ctx, entry)
	require.NoError(t, err)

	_, err = store.NextPending(ctx, "tablet-b", time.Now())
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryStore_ConcurrentEnqueueKeepsAllEntries(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			_, err := store.Enqueue(ctx, pendingEntry(models.OpCheckIn))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries, err := store.ListByDevice(ctx, testDevice)
	require.NoError(t, err)
	assert.Len(t, entries, goroutines)

	// Seq values are unique, so FIFO within a priority stays well defined.
	seen := make(map[int64]bool)
	for _, e := range entries {
		assert.False(t, seen[e.Seq], "duplicate seq %d", e.Seq)
		seen[e.Seq] = true
	}
}
