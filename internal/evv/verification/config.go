package verification

// Config holds the tunable thresholds for location scoring. The regulatory
// sources do not pin exact values, so these are deployment configuration with
// the documented defaults below.
type Config struct {
	// MaxAccuracyAllowanceMeters caps how much reported GPS accuracy can
	// widen the effective geofence radius.
	MaxAccuracyAllowanceMeters float64

	// AccuracyCeilingMeters is the reported accuracy above which a
	// LOW_ACCURACY warning is raised.
	AccuracyCeilingMeters float64

	// MaxTravelSpeedKMH is the plausible-speed ceiling for travel between a
	// caregiver's consecutive verified points.
	MaxTravelSpeedKMH float64
}

// DefaultConfig returns the documented default thresholds: accuracy may widen
// the fence by at most 50m, accuracy worse than 100m is suspect, and implied
// travel above 120 km/h is implausible for home-care visits.
func DefaultConfig() Config {
	return Config{
		MaxAccuracyAllowanceMeters: 50,
		AccuracyCeilingMeters:      100,
		MaxTravelSpeedKMH:          120,
	}
}
