package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careverify/internal/evv/models"
	"careverify/internal/evv/store"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
)

type capturingClient struct {
	submitted []models.EVVRecord
	configs   []models.StateAggregatorConfig
	err       error
}

func (c *capturingClient) Submit(_ context.Context, record models.EVVRecord, cfg models.StateAggregatorConfig) error {
	if c.err != nil {
		return c.err
	}
	c.submitted = append(c.submitted, record)
	c.configs = append(c.configs, cfg)
	return nil
}

func ohioConfig() models.StateAggregatorConfig {
	return models.StateAggregatorConfig{
		Jurisdiction:            "OH",
		GeofenceToleranceMeters: 50,
		ImmutabilityWindowDays:  7,
		SubmissionTargets:       []string{"sandata"},
	}
}

func submittableRecord(jurisdiction id.Jurisdiction) models.EVVRecord {
	now := time.Now().UTC()
	clockOut := now.Add(time.Hour)
	loc := &models.Location{Latitude: 39.9612, Longitude: -82.9988, Timestamp: now}
	record := models.EVVRecord{
		ID:           id.NewRecordID(),
		ServiceType:  "T1019",
		Jurisdiction: jurisdiction,
		ServiceDate:  now,
		ClockInAt:    now,
		ClockInLoc:   loc,
		ClockOutAt:   &clockOut,
		ClockOutLoc:  loc,
		Status:       models.StatusVerified,
	}
	var err error
	record.ClientID, err = id.ParseClientID(uuid.NewString())
	if err != nil {
		panic(err)
	}
	record.CaregiverID, err = id.ParseCaregiverID(uuid.NewString())
	if err != nil {
		panic(err)
	}
	return record
}

func newTestRouter(t *testing.T, configs *MemoryConfigStore, client *capturingClient, opts ...Option) *Router {
	t.Helper()
	router, err := NewRouter(configs, client, store.NewMemoryCorrectionStore(), opts...)
	require.NoError(t, err)
	return router
}

func TestRouter_UnconfiguredJurisdictionIsHardFailure(t *testing.T) {
	client := &capturingClient{}
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client)

	record := submittableRecord("TX")
	err := router.Submit(context.Background(), record)

	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	assert.Contains(t, err.Error(), "NOT_CONFIGURED")
	assert.Empty(t, client.submitted, "nothing reaches the wire without configuration")
}

func TestRouter_SubmitDeliversUnderJurisdictionRules(t *testing.T) {
	client := &capturingClient{}
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client)

	record := submittableRecord("OH")
	require.NoError(t, router.Submit(context.Background(), record))

	require.Len(t, client.submitted, 1)
	assert.Equal(t, record.ID, client.submitted[0].ID)
	assert.Equal(t, []string{"sandata"}, client.configs[0].SubmissionTargets)
}

func TestRouter_SubmitAcceptsOverriddenRecords(t *testing.T) {
	client := &capturingClient{}
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client)

	record := submittableRecord("OH")
	record.Status = models.StatusManuallyOverridden
	assert.NoError(t, router.Submit(context.Background(), record))
}

func TestRouter_SubmitRejectsWrongStatus(t *testing.T) {
	client := &capturingClient{}
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client)

	for _, status := range []models.RecordStatus{
		models.StatusOpen, models.StatusFlaggedForReview, models.StatusSubmitted, models.StatusRejected,
	} {
		record := submittableRecord("OH")
		record.Status = status
		err := router.Submit(context.Background(), record)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict), "status %s", status)
	}
	assert.Empty(t, client.submitted)
}

func TestRouter_SubmitRejectsIncompleteRecord(t *testing.T) {
	client := &capturingClient{}
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client)

	record := submittableRecord("OH")
	record.ClockOutAt = nil
	err := router.Submit(context.Background(), record)

	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	assert.Contains(t, err.Error(), "start_end_time")
}

func TestRouter_SubmitWrapsTransportFailureRetryable(t *testing.T) {
	client := &capturingClient{err: dErrors.New(dErrors.CodeUnavailable, "aggregator 503")}
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client)

	err := router.Submit(context.Background(), submittableRecord("OH"))
	require.Error(t, err)
	assert.True(t, dErrors.Retryable(err))
}

func TestRouter_CheckMutableWindow(t *testing.T) {
	client := &capturingClient{}
	now := time.Date(2026, 4, 20, 12, 0, 0, 0, time.UTC)
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client,
		WithClock(func() time.Time { return now }))

	inside := submittableRecord("OH")
	inside.ServiceDate = now.AddDate(0, 0, -6)
	assert.NoError(t, router.CheckMutable(context.Background(), inside))

	outside := submittableRecord("OH")
	outside.ServiceDate = now.AddDate(0, 0, -8)
	err := router.CheckMutable(context.Background(), outside)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	assert.Contains(t, err.Error(), "IMMUTABLE_WINDOW_EXCEEDED")
}

func TestRouter_CreateCorrectionRequiresReason(t *testing.T) {
	client := &capturingClient{}
	corrections := store.NewMemoryCorrectionStore()
	router, err := NewRouter(NewMemoryConfigStore(ohioConfig()), client, corrections)
	require.NoError(t, err)

	record := submittableRecord("OH")
	_, err = router.CreateCorrection(context.Background(), record, "clock_out_at", "2026-04-12T17:30:00Z", "", "", "sup-1")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	correction, err := router.CreateCorrection(context.Background(), record,
		"clock_out_at", "2026-04-12T17:30:00Z", "caregiver forgot to clock out", "LATE_EXIT", "sup-1")
	require.NoError(t, err)
	assert.Equal(t, record.ID, correction.OriginalRecordID)

	saved, err := corrections.ListByRecord(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "LATE_EXIT", saved[0].ReasonCode)
}

func TestRouter_GeofenceTolerance(t *testing.T) {
	client := &capturingClient{}
	router := newTestRouter(t, NewMemoryConfigStore(ohioConfig()), client)

	tolerance, err := router.GeofenceTolerance(context.Background(), "OH")
	require.NoError(t, err)
	assert.Equal(t, 50.0, tolerance)

	_, err = router.GeofenceTolerance(context.Background(), "NV")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}
