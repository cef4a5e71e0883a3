package syncqueue

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"careverify/internal/evv/metrics"
	"careverify/internal/evv/ports"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
)

// Manager owns one coordinator per enrolled device, guaranteeing no two
// coordinators ever work the same device queue.
type Manager struct {
	store   ports.SyncQueueStore
	target  ports.SyncTarget
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	cancels map[id.DeviceID]context.CancelFunc
	done    map[id.DeviceID]chan struct{}
}

func NewManager(ctx context.Context, store ports.SyncQueueStore, target ports.SyncTarget, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	group, groupCtx := errgroup.WithContext(ctx)
	return &Manager{
		store:   store,
		target:  target,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		group:   group,
		ctx:     groupCtx,
		cancels: make(map[id.DeviceID]context.CancelFunc),
		done:    make(map[id.DeviceID]chan struct{}),
	}
}

// StartDevice launches the coordinator for a device. Starting an already
// enrolled device is a no-op.
func (m *Manager) StartDevice(deviceID id.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.cancels[deviceID]; running {
		return nil
	}

	coord, err := NewCoordinator(deviceID, m.store, m.target, m.cfg,
		WithLogger(m.logger), WithMetrics(m.metrics))
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	m.cancels[deviceID] = cancel
	m.done[deviceID] = done
	m.group.Go(func() error {
		defer close(done)
		err := coord.Run(runCtx)
		if err == context.Canceled || runCtx.Err() != nil {
			return nil
		}
		return err
	})
	return nil
}

// Deprovision stops a device's coordinator, then flushes whatever is still
// queued so pending evidence is attempted before the device is discarded.
func (m *Manager) Deprovision(ctx context.Context, deviceID id.DeviceID) error {
	m.mu.Lock()
	cancel, running := m.cancels[deviceID]
	done := m.done[deviceID]
	delete(m.cancels, deviceID)
	delete(m.done, deviceID)
	m.mu.Unlock()

	if !running {
		return dErrors.New(dErrors.CodeNotFound, "device is not enrolled")
	}
	cancel()

	// Wait for the runner to stop so flush is the only worker on this queue.
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	coord, err := NewCoordinator(deviceID, m.store, m.target, m.cfg,
		WithLogger(m.logger), WithMetrics(m.metrics))
	if err != nil {
		return err
	}
	return coord.Flush(ctx)
}

// Wait blocks until every coordinator has stopped.
func (m *Manager) Wait() error {
	return m.group.Wait()
}
