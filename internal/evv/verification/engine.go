// Package verification scores reported locations against a client geofence
// and device-integrity signals. Scoring is a pure function of its inputs so
// results are reproducible for audit.
package verification

import (
	"fmt"
	"math"
	"time"

	"careverify/internal/evv/models"
)

const earthRadiusMeters = 6371000

// PreviousPoint is the caregiver's last verified location, used for the
// impossible-travel check.
type PreviousPoint struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// Input bundles everything one scoring pass looks at.
type Input struct {
	Location models.Location
	Device   models.DeviceInfo
	Fence    models.Geofence
	// ExtraToleranceMeters widens the fence by the jurisdiction's configured
	// tolerance. Zero when no jurisdiction override applies.
	ExtraToleranceMeters float64
	Previous             *PreviousPoint
}

// Engine scores clock events. Construct with New; zero value uses no
// thresholds and fails closed.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Verify scores a reported location. A CRITICAL finding fails verification
// outright; WARNING findings mark the result for review without failing it.
// Mock-location detection always fails regardless of distance.
func (e *Engine) Verify(in Input) models.VerificationResult {
	var issues []models.Issue

	if in.Location.MockLocationDetected {
		issues = append(issues, models.Issue{
			Code:     models.IssueMockLocation,
			Severity: models.SeverityCritical,
			Message:  "mock location provider detected on device",
		})
	}

	distance, inside := e.withinFence(in)
	if !inside {
		issues = append(issues, models.Issue{
			Code:     models.IssueOutsideGeofence,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("reported point is %.0fm from the service location", distance),
		})
	}

	if in.Location.AccuracyMeters > e.cfg.AccuracyCeilingMeters {
		issues = append(issues, models.Issue{
			Code:     models.IssueLowAccuracy,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("reported accuracy %.0fm exceeds %.0fm ceiling", in.Location.AccuracyMeters, e.cfg.AccuracyCeilingMeters),
		})
	}

	if in.Device.IsRooted || in.Device.IsJailbroken {
		issues = append(issues, models.Issue{
			Code:     models.IssueDeviceIntegrityRisk,
			Severity: models.SeverityWarning,
			Message:  "device reports rooted or jailbroken state",
		})
	}

	if iss, ok := e.travelCheck(in); ok {
		issues = append(issues, iss)
	}

	result := models.VerificationResult{Issues: issues}
	result.Passed = !result.HasCritical()
	for _, iss := range issues {
		if iss.Severity == models.SeverityWarning {
			result.RequiresReview = true
			break
		}
	}
	return result
}

// withinFence returns the distance to the fence reference point and whether
// the point counts as inside. Polygon fences use point-in-polygon directly;
// circular fences allow radius + min(accuracy, allowance) + jurisdiction
// tolerance.
func (e *Engine) withinFence(in Input) (distance float64, inside bool) {
	distance = Haversine(
		in.Location.Latitude, in.Location.Longitude,
		in.Fence.Latitude, in.Fence.Longitude,
	)

	if len(in.Fence.Polygon) >= 3 {
		return distance, pointInPolygon(in.Location.Latitude, in.Location.Longitude, in.Fence.Polygon)
	}

	allowance := math.Min(in.Location.AccuracyMeters, e.cfg.MaxAccuracyAllowanceMeters)
	effective := in.Fence.RadiusMeters + allowance + in.ExtraToleranceMeters
	return distance, distance <= effective
}

func (e *Engine) travelCheck(in Input) (models.Issue, bool) {
	if in.Previous == nil || e.cfg.MaxTravelSpeedKMH <= 0 {
		return models.Issue{}, false
	}

	elapsed := in.Location.Timestamp.Sub(in.Previous.Timestamp)
	if elapsed <= 0 {
		return models.Issue{}, false
	}

	meters := Haversine(in.Previous.Latitude, in.Previous.Longitude, in.Location.Latitude, in.Location.Longitude)
	kmh := (meters / 1000) / elapsed.Hours()
	if kmh <= e.cfg.MaxTravelSpeedKMH {
		return models.Issue{}, false
	}

	return models.Issue{
		Code:     models.IssueImpossibleTravel,
		Severity: models.SeverityCritical,
		Message:  fmt.Sprintf("implied travel speed %.0f km/h exceeds %.0f km/h ceiling", kmh, e.cfg.MaxTravelSpeedKMH),
	}, true
}

// Haversine returns the great-circle distance in meters between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// pointInPolygon uses ray casting on lat/lng treated as planar coordinates,
// adequate at service-address scale.
func pointInPolygon(lat, lng float64, polygon []models.LatLng) bool {
	inside := false
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		yi, xi := polygon[i].Latitude, polygon[i].Longitude
		yj, xj := polygon[j].Latitude, polygon[j].Longitude
		if (yi > lat) != (yj > lat) &&
			lng < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}
