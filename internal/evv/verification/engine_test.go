package verification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careverify/internal/evv/models"
)

// Fence centered on a Columbus OH residential address, 100m radius.
var testFence = models.Geofence{
	ID:           "fence-1",
	Latitude:     39.9612,
	Longitude:    -82.9988,
	RadiusMeters: 100,
}

func location(lat, lng, accuracy float64) models.Location {
	return models.Location{
		Latitude:       lat,
		Longitude:      lng,
		AccuracyMeters: accuracy,
		Timestamp:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Method:         "gps",
	}
}

func hasIssue(result models.VerificationResult, code models.IssueCode) bool {
	for _, iss := range result.Issues {
		if iss.Code == code {
			return true
		}
	}
	return false
}

func TestVerify_AtFenceCenter(t *testing.T) {
	engine := New(DefaultConfig())

	result := engine.Verify(Input{
		Location: location(testFence.Latitude, testFence.Longitude, 10),
		Fence:    testFence,
	})

	assert.True(t, result.Passed)
	assert.False(t, result.RequiresReview)
	assert.Empty(t, result.Issues)
}

func TestVerify_OutsideGeofence(t *testing.T) {
	engine := New(DefaultConfig())

	// ~2km north of the fence center.
	result := engine.Verify(Input{
		Location: location(testFence.Latitude+0.018, testFence.Longitude, 10),
		Fence:    testFence,
	})

	assert.False(t, result.Passed)
	require.True(t, hasIssue(result, models.IssueOutsideGeofence))
	assert.True(t, result.HasCritical())
}

func TestVerify_AccuracyWidensEffectiveRadius(t *testing.T) {
	engine := New(DefaultConfig())

	// ~130m out: beyond the 100m radius but within radius + 40m accuracy.
	loc := location(testFence.Latitude+0.00117, testFence.Longitude, 40)
	result := engine.Verify(Input{Location: loc, Fence: testFence})
	assert.True(t, result.Passed, "accuracy allowance should cover the overshoot")

	// Same point with tight accuracy fails.
	loc.AccuracyMeters = 5
	result = engine.Verify(Input{Location: loc, Fence: testFence})
	assert.False(t, result.Passed)
}

func TestVerify_AccuracyAllowanceIsCapped(t *testing.T) {
	engine := New(DefaultConfig())

	// ~200m out with a wildly imprecise 500m accuracy. The allowance caps at
	// 50m, so this stays outside even though the ceiling warning also fires.
	result := engine.Verify(Input{
		Location: location(testFence.Latitude+0.0018, testFence.Longitude, 500),
		Fence:    testFence,
	})

	assert.False(t, result.Passed)
	assert.True(t, hasIssue(result, models.IssueOutsideGeofence))
	assert.True(t, hasIssue(result, models.IssueLowAccuracy))
}

func TestVerify_MockLocationAlwaysFails(t *testing.T) {
	engine := New(DefaultConfig())

	// Dead center of the fence. Distance must not override the mock finding.
	loc := location(testFence.Latitude, testFence.Longitude, 5)
	loc.MockLocationDetected = true

	result := engine.Verify(Input{Location: loc, Fence: testFence})

	assert.False(t, result.Passed)
	require.True(t, hasIssue(result, models.IssueMockLocation))
}

func TestVerify_DeviceIntegrityWarns(t *testing.T) {
	engine := New(DefaultConfig())

	result := engine.Verify(Input{
		Location: location(testFence.Latitude, testFence.Longitude, 10),
		Device:   models.DeviceInfo{IsRooted: true},
		Fence:    testFence,
	})

	assert.True(t, result.Passed, "integrity risk alone must not fail verification")
	assert.True(t, result.RequiresReview)
	assert.True(t, hasIssue(result, models.IssueDeviceIntegrityRisk))
}

func TestVerify_ImpossibleTravel(t *testing.T) {
	engine := New(DefaultConfig())

	loc := location(testFence.Latitude, testFence.Longitude, 10)
	prev := &PreviousPoint{
		// ~111km south, 20 minutes earlier: ~330 km/h implied.
		Latitude:  testFence.Latitude - 1.0,
		Longitude: testFence.Longitude,
		Timestamp: loc.Timestamp.Add(-20 * time.Minute),
	}

	result := engine.Verify(Input{Location: loc, Fence: testFence, Previous: prev})

	assert.False(t, result.Passed)
	assert.True(t, hasIssue(result, models.IssueImpossibleTravel))

	// Same distance over five hours is plausible.
	prev.Timestamp = loc.Timestamp.Add(-5 * time.Hour)
	result = engine.Verify(Input{Location: loc, Fence: testFence, Previous: prev})
	assert.True(t, result.Passed)
}

func TestVerify_JurisdictionTolerance(t *testing.T) {
	engine := New(DefaultConfig())

	// ~180m out, 10m accuracy: outside normally, inside with 100m tolerance.
	loc := location(testFence.Latitude+0.00162, testFence.Longitude, 10)

	result := engine.Verify(Input{Location: loc, Fence: testFence})
	assert.False(t, result.Passed)

	result = engine.Verify(Input{Location: loc, Fence: testFence, ExtraToleranceMeters: 100})
	assert.True(t, result.Passed)
}

func TestVerify_PolygonFence(t *testing.T) {
	engine := New(DefaultConfig())

	fence := testFence
	fence.Polygon = []models.LatLng{
		{Latitude: 39.9600, Longitude: -83.0000},
		{Latitude: 39.9600, Longitude: -82.9975},
		{Latitude: 39.9625, Longitude: -82.9975},
		{Latitude: 39.9625, Longitude: -83.0000},
	}

	inside := engine.Verify(Input{Location: location(39.9612, -82.9988, 10), Fence: fence})
	assert.True(t, inside.Passed)

	outside := engine.Verify(Input{Location: location(39.9700, -82.9988, 10), Fence: fence})
	assert.False(t, outside.Passed)
	assert.True(t, hasIssue(outside, models.IssueOutsideGeofence))
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is ~111.2km.
	d := Haversine(39.0, -83.0, 40.0, -83.0)
	assert.InDelta(t, 111195, d, 200)

	assert.Zero(t, Haversine(39.9612, -82.9988, 39.9612, -82.9988))
}
