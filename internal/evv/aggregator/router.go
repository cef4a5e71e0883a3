// Package aggregator routes verified EVV records to their jurisdiction's
// state aggregator under that jurisdiction's submission rules. Rules are
// configuration, never code: a jurisdiction with no configuration row cannot
// receive submissions at all.
package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"careverify/internal/evv/metrics"
	"careverify/internal/evv/models"
	"careverify/internal/evv/ports"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
	"careverify/pkg/platform/sentinel"
)

// Router resolves per-jurisdiction rules and delegates wire delivery to the
// AggregatorClient. It owns the immutability window: once a record's service
// date is older than the window, edits must go through correction records.
type Router struct {
	configs     ports.AggregatorConfigStore
	client      ports.AggregatorClient
	corrections ports.CorrectionStore
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Router)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func NewRouter(configs ports.AggregatorConfigStore, client ports.AggregatorClient, corrections ports.CorrectionStore, opts ...Option) (*Router, error) {
	if configs == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "aggregator config store is required")
	}
	if client == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "aggregator client is required")
	}
	if corrections == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "correction store is required")
	}
	r := &Router{
		configs:     configs,
		client:      client,
		corrections: corrections,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config resolves a jurisdiction's submission rules. Absence is
// NOT_CONFIGURED, a hard failure: there is no default jurisdiction.
func (r *Router) Config(ctx context.Context, jurisdiction id.Jurisdiction) (models.StateAggregatorConfig, error) {
	cfg, err := r.configs.Find(ctx, jurisdiction)
	if dErrors.Is(err, sentinel.ErrNotFound) {
		return models.StateAggregatorConfig{}, dErrors.Newf(dErrors.CodeInvariantViolation,
			"NOT_CONFIGURED: no aggregator configuration for jurisdiction %s", jurisdiction)
	}
	if err != nil {
		return models.StateAggregatorConfig{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "resolve aggregator config")
	}
	return cfg, nil
}

// GeofenceTolerance returns the jurisdiction's extra fence allowance in
// meters.
func (r *Router) GeofenceTolerance(ctx context.Context, jurisdiction id.Jurisdiction) (float64, error) {
	cfg, err := r.Config(ctx, jurisdiction)
	if err != nil {
		return 0, err
	}
	return cfg.GeofenceToleranceMeters, nil
}

// CheckMutable reports whether the record may still be edited in place.
// Past the jurisdiction's immutability window the answer is
// IMMUTABLE_WINDOW_EXCEEDED and the caller must raise a correction record.
func (r *Router) CheckMutable(ctx context.Context, record models.EVVRecord) error {
	cfg, err := r.Config(ctx, record.Jurisdiction)
	if err != nil {
		return err
	}
	deadline := record.ServiceDate.AddDate(0, 0, cfg.ImmutabilityWindowDays)
	if r.now().After(deadline) {
		return dErrors.Newf(dErrors.CodeConflict,
			"IMMUTABLE_WINDOW_EXCEEDED: record %s is outside the %d-day edit window for %s",
			record.ID, cfg.ImmutabilityWindowDays, record.Jurisdiction)
	}
	return nil
}

// Submit delivers a record to its jurisdiction's aggregator. Only VERIFIED
// and MANUALLY_OVERRIDDEN records are submittable, and the six mandatory
// elements must all be present.
func (r *Router) Submit(ctx context.Context, record models.EVVRecord) error {
	if record.Status != models.StatusVerified && record.Status != models.StatusManuallyOverridden {
		return dErrors.Newf(dErrors.CodeConflict,
			"record %s is %s, only verified or overridden records are submittable", record.ID, record.Status)
	}
	if missing := record.MissingMandatoryElements(); len(missing) > 0 {
		return dErrors.Newf(dErrors.CodeValidation,
			"record %s is missing mandatory elements: %v", record.ID, missing)
	}

	cfg, err := r.Config(ctx, record.Jurisdiction)
	if err != nil {
		return err
	}

	if err := r.client.Submit(ctx, record, cfg); err != nil {
		result := "error"
		if dErrors.HasCode(err, dErrors.CodeValidation) || dErrors.HasCode(err, dErrors.CodeConflict) {
			result = "rejected"
		}
		r.count(record.Jurisdiction, result)
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "aggregator submission failed",
				"record_id", record.ID.String(),
				"jurisdiction", string(record.Jurisdiction),
				"result", result,
				"error", err,
			)
		}
		if result == "rejected" {
			// Aggregator rejected the payload on business grounds; retrying
			// the identical record cannot succeed.
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "submit to state aggregator")
	}

	r.count(record.Jurisdiction, "accepted")
	if r.logger != nil {
		r.logger.InfoContext(ctx, "record submitted to aggregator",
			"record_id", record.ID.String(),
			"jurisdiction", string(record.Jurisdiction),
			"targets", cfg.SubmissionTargets,
		)
	}
	return nil
}

// CreateCorrection raises a formal amendment against a record whose edit
// window has closed. The original evidence is never rewritten.
func (r *Router) CreateCorrection(ctx context.Context, record models.EVVRecord, field, proposedValue, reason, reasonCode, createdBy string) (models.CorrectionRecord, error) {
	if reason == "" || reasonCode == "" {
		return models.CorrectionRecord{}, dErrors.New(dErrors.CodeValidation,
			"corrections require a reason and reason code")
	}
	correction := models.CorrectionRecord{
		ID:               uuid.NewString(),
		OriginalRecordID: record.ID,
		Field:            field,
		ProposedValue:    proposedValue,
		Reason:           reason,
		ReasonCode:       reasonCode,
		CreatedBy:        createdBy,
		CreatedAt:        r.now().UTC(),
	}
	if err := r.corrections.Save(ctx, correction); err != nil {
		return models.CorrectionRecord{}, dErrors.Wrap(err, dErrors.CodeInternal, "persist correction record")
	}
	if r.logger != nil {
		r.logger.InfoContext(ctx, "correction record created",
			"record_id", record.ID.String(),
			"correction_id", correction.ID,
			"field", field,
			"reason_code", reasonCode,
		)
	}
	return correction, nil
}

func (r *Router) count(jurisdiction id.Jurisdiction, result string) {
	if r.metrics != nil {
		r.metrics.SubmissionsTotal.WithLabelValues(string(jurisdiction), result).Inc()
	}
}
