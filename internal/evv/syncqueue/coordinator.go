// Package syncqueue implements the durable offline delivery queue and the
// per-device sync coordinator. One coordinator owns one device's queue;
// independent devices proceed fully in parallel and share nothing but the
// authoritative server-side store.
package syncqueue

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"careverify/internal/evv/metrics"
	"careverify/internal/evv/models"
	"careverify/internal/evv/ports"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
	"careverify/pkg/platform/sentinel"
)

// Config tunes coordinator scheduling.
type Config struct {
	// BaseBackoff is the first retry delay; each retry doubles it.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// PollInterval is how long a drained coordinator sleeps before checking
	// the queue again.
	PollInterval time.Duration
	// DefaultMaxRetries applies to entries enqueued without an explicit cap.
	DefaultMaxRetries int
}

func DefaultConfig() Config {
	return Config{
		BaseBackoff:       5 * time.Second,
		MaxBackoff:        10 * time.Minute,
		PollInterval:      2 * time.Second,
		DefaultMaxRetries: 5,
	}
}

// Backoff returns base × 2^retryCount, capped at max.
func (c Config) Backoff(retryCount int) time.Duration {
	d := time.Duration(float64(c.BaseBackoff) * math.Pow(2, float64(retryCount)))
	if d > c.MaxBackoff || d <= 0 {
		return c.MaxBackoff
	}
	return d
}

// Coordinator drains one device's queue strictly by priority, FIFO within
// equal priority, retrying transient failures with exponential backoff.
type Coordinator struct {
	deviceID id.DeviceID
	store    ports.SyncQueueStore
	target   ports.SyncTarget
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(deviceID id.DeviceID, store ports.SyncQueueStore, target ports.SyncTarget, cfg Config, opts ...Option) (*Coordinator, error) {
	if store == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "sync queue store is required")
	}
	if target == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "sync target is required")
	}
	c := &Coordinator{
		deviceID: deviceID,
		store:    store,
		target:   target,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run delivers entries until ctx is cancelled. Retry waits are timer-driven;
// a drained queue sleeps PollInterval rather than busy-polling.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.reclaimInFlight(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		for {
			delivered, err := c.deliverNext(ctx, c.now())
			if err != nil {
				return err
			}
			if !delivered {
				break
			}
		}
		timer.Reset(c.cfg.PollInterval)
	}
}

// Flush attempts every remaining deliverable entry once, ignoring backoff
// schedules. Used on device deprovisioning so queued evidence is never
// silently dropped.
func (c *Coordinator) Flush(ctx context.Context) error {
	entries, err := c.store.ListByDevice(ctx, c.deviceID)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].Seq < entries[j].Seq
	})
	for _, entry := range entries {
		// IN_FLIGHT here means a prior delivery never recorded its outcome;
		// re-attempting is safe because application dedupes by change ID.
		if entry.Status != models.SyncPending && entry.Status != models.SyncInFlight {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.deliver(ctx, entry)
	}
	return nil
}

// reclaimInFlight requeues entries a previous process left IN_FLIGHT by dying
// between dispatch and the outcome write. Application dedupes by change ID,
// so re-delivering a change that did land is a no-op.
func (c *Coordinator) reclaimInFlight(ctx context.Context) error {
	entries, err := c.store.ListByDevice(ctx, c.deviceID)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Status != models.SyncInFlight {
			continue
		}
		entry.Status = models.SyncPending
		if err := c.store.Update(ctx, entry); err != nil {
			return err
		}
		c.log(ctx, slog.LevelWarn, "requeued stranded in-flight entry", entry, nil)
	}
	return nil
}

// deliverNext pulls the next due entry and attempts it. The false return
// means the queue is drained for now.
func (c *Coordinator) deliverNext(ctx context.Context, now time.Time) (bool, error) {
	entry, err := c.store.NextPending(ctx, c.deviceID, now)
	if dErrors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.deliver(ctx, entry)
	return true, nil
}

func (c *Coordinator) deliver(ctx context.Context, entry models.SyncQueueEntry) {
	entry.Status = models.SyncInFlight
	if err := c.store.Update(ctx, entry); err != nil {
		c.log(ctx, slog.LevelError, "mark in-flight failed", entry, err)
		return
	}

	err := c.target.Apply(ctx, ports.SyncChange{
		ChangeID:      entry.ChangeID,
		OperationType: entry.OperationType,
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		Payload:       entry.Payload,
		DeviceID:      entry.DeviceID,
		BaseVersion:   entry.BaseVersion,
		SentAt:        c.now(),
	})
	if err == nil {
		entry.Status = models.SyncSynced
		entry.LastError = ""
		c.count("synced")
		if updErr := c.store.Update(ctx, entry); updErr != nil {
			c.log(ctx, slog.LevelError, "mark synced failed", entry, updErr)
		}
		return
	}

	entry.LastError = err.Error()

	switch {
	case !dErrors.Retryable(err):
		// Structural failure: retrying cannot help, surface immediately.
		entry.Status = models.SyncFailed
		c.count("failed")
		if c.metrics != nil {
			c.metrics.SyncFailedEntries.Inc()
		}
		c.log(ctx, slog.LevelError, "sync entry failed terminally", entry, err)

	default:
		// RetryCount never exceeds MaxRetries; the transition to FAILED
		// happens exactly once, on the attempt that exhausts the budget.
		if entry.RetryCount < entry.MaxRetries {
			entry.RetryCount++
		}
		if entry.RetryCount >= entry.MaxRetries {
			entry.Status = models.SyncFailed
			c.count("failed")
			if c.metrics != nil {
				c.metrics.SyncFailedEntries.Inc()
			}
			c.log(ctx, slog.LevelError, "sync entry exhausted retries", entry, err)
		} else {
			entry.Status = models.SyncPending
			entry.NextAttemptAt = c.now().Add(c.cfg.Backoff(entry.RetryCount))
			c.count("retried")
			if c.metrics != nil {
				c.metrics.SyncRetriesTotal.Inc()
			}
			c.log(ctx, slog.LevelWarn, "sync entry rescheduled", entry, err)
		}
	}

	if updErr := c.store.Update(ctx, entry); updErr != nil {
		c.log(ctx, slog.LevelError, "persist retry state failed", entry, updErr)
	}
}

func (c *Coordinator) count(result string) {
	if c.metrics != nil {
		c.metrics.SyncDeliveries.WithLabelValues(result).Inc()
	}
}

func (c *Coordinator) log(ctx context.Context, level slog.Level, msg string, entry models.SyncQueueEntry, err error) {
	if c.logger == nil {
		return
	}
	c.logger.Log(ctx, level, msg,
		"device_id", entry.DeviceID.String(),
		"entry_id", entry.ID,
		"operation", string(entry.OperationType),
		"retry_count", entry.RetryCount,
		"error", err,
	)
}
