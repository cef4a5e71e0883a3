// Package models defines the EVV compliance core data model. Entities
// reference each other by typed identifier, never by pointer, so ownership
// stays acyclic and records can round-trip through storage unchanged.
package models

import (
	"time"

	id "careverify/pkg/domain"
)

// RecordStatus is the lifecycle state of an EVV record.
type RecordStatus string

const (
	StatusOpen                RecordStatus = "OPEN"
	StatusPendingVerification RecordStatus = "PENDING_VERIFICATION"
	StatusVerified            RecordStatus = "VERIFIED"
	StatusFlaggedForReview    RecordStatus = "FLAGGED_FOR_REVIEW"
	StatusManuallyOverridden  RecordStatus = "MANUALLY_OVERRIDDEN"
	StatusSubmitted           RecordStatus = "SUBMITTED"
	StatusRejected            RecordStatus = "REJECTED"
)

// VerificationLevel summarizes how much of the evidence checked out.
type VerificationLevel string

const (
	VerificationFull    VerificationLevel = "FULL"
	VerificationPartial VerificationLevel = "PARTIAL"
	VerificationFailed  VerificationLevel = "FAILED"
)

// EntryType classifies a discrete clock event.
type EntryType string

const (
	EntryClockIn          EntryType = "CLOCK_IN"
	EntryClockOut         EntryType = "CLOCK_OUT"
	EntryCheckIn          EntryType = "CHECK_IN"
	EntryManualAdjustment EntryType = "MANUAL_ADJUSTMENT"
)

// IssueCode identifies a verification finding.
type IssueCode string

const (
	IssueMockLocation        IssueCode = "MOCK_LOCATION"
	IssueOutsideGeofence     IssueCode = "OUTSIDE_GEOFENCE"
	IssueLowAccuracy         IssueCode = "LOW_ACCURACY"
	IssueDeviceIntegrityRisk IssueCode = "DEVICE_INTEGRITY_RISK"
	IssueImpossibleTravel    IssueCode = "IMPOSSIBLE_TRAVEL"
	IssueTamperDetected      IssueCode = "TAMPER_DETECTED"
)

// IssueSeverity ranks a finding. Any CRITICAL finding fails verification;
// WARNING findings only mark the result for review.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "CRITICAL"
	SeverityWarning  IssueSeverity = "WARNING"
)

// Issue is a single verification finding.
type Issue struct {
	Code     IssueCode     `json:"code"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// VerificationResult is the outcome of scoring one clock event.
type VerificationResult struct {
	Passed         bool    `json:"passed"`
	Issues         []Issue `json:"issues"`
	RequiresReview bool    `json:"requires_review"`
}

// HasCritical reports whether any finding is CRITICAL.
func (r VerificationResult) HasCritical() bool {
	for _, iss := range r.Issues {
		if iss.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// IssueCodes returns the finding codes for compliance flag bookkeeping.
func (r VerificationResult) IssueCodes() []IssueCode {
	codes := make([]IssueCode, 0, len(r.Issues))
	for _, iss := range r.Issues {
		codes = append(codes, iss.Code)
	}
	return codes
}

// Location is a reported position snapshot. Accuracy is the device-reported
// horizontal accuracy in meters.
type Location struct {
	Latitude             float64   `json:"latitude"`
	Longitude            float64   `json:"longitude"`
	AccuracyMeters       float64   `json:"accuracy_meters"`
	Timestamp            time.Time `json:"timestamp"`
	Method               string    `json:"method"`
	MockLocationDetected bool      `json:"mock_location_detected"`
}

// DeviceInfo captures device integrity signals at the moment of an event.
type DeviceInfo struct {
	DeviceID     id.DeviceID `json:"device_id"`
	Platform     string      `json:"platform"`
	AppVersion   string      `json:"app_version"`
	IsRooted     bool        `json:"is_rooted"`
	IsJailbroken bool        `json:"is_jailbroken"`
}

// LatLng is a polygon vertex.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Geofence is the virtual boundary around a client's service address. When
// Polygon is non-empty it takes precedence over the circular fence; the
// verification engine treats both as read-only.
type Geofence struct {
	ID             string            `json:"id"`
	OrganizationID id.OrganizationID `json:"organization_id"`
	ClientID       id.ClientID       `json:"client_id"`
	Latitude       float64           `json:"latitude"`
	Longitude      float64           `json:"longitude"`
	RadiusMeters   float64           `json:"radius_meters"`
	Polygon        []LatLng          `json:"polygon,omitempty"`
	Label          string            `json:"label,omitempty"`
}

// EVVRecord is one visit attempt. Once status reaches VERIFIED or later the
// clock-in evidence and identity fields are immutable except through the
// formal correction path; Version backs optimistic concurrency server-side.
type EVVRecord struct {
	ID              id.RecordID        `json:"id"`
	OrganizationID  id.OrganizationID  `json:"organization_id"`
	BranchID        id.BranchID        `json:"branch_id"`
	VisitID         id.VisitID         `json:"visit_id"`
	ClientID        id.ClientID        `json:"client_id"`
	CaregiverID     id.CaregiverID     `json:"caregiver_id"`
	ServiceType     id.ServiceTypeCode `json:"service_type"`
	Jurisdiction    id.Jurisdiction    `json:"jurisdiction"`
	ServiceDate     time.Time          `json:"service_date"`
	ClockInAt       time.Time          `json:"clock_in_at"`
	ClockInLoc      *Location          `json:"clock_in_location,omitempty"`
	ClockOutAt      *time.Time         `json:"clock_out_at,omitempty"`
	ClockOutLoc     *Location          `json:"clock_out_location,omitempty"`
	DurationMinutes int                `json:"duration_minutes"`
	Level           VerificationLevel  `json:"verification_level"`
	ComplianceFlags []IssueCode        `json:"compliance_flags,omitempty"`
	Status          RecordStatus       `json:"status"`
	IntegrityHash   string             `json:"integrity_hash"`
	Notes           string             `json:"notes,omitempty"`
	Version         int64              `json:"version"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Flag records a compliance finding on the record, deduplicating repeats.
func (r *EVVRecord) Flag(codes ...IssueCode) {
	for _, code := range codes {
		seen := false
		for _, existing := range r.ComplianceFlags {
			if existing == code {
				seen = true
				break
			}
		}
		if !seen {
			r.ComplianceFlags = append(r.ComplianceFlags, code)
		}
	}
}

// MissingMandatoryElements returns which of the six federally mandated data
// elements are absent: service type, recipient, provider, date of service,
// location of service, and start/end time. A complete record returns nil.
func (r *EVVRecord) MissingMandatoryElements() []string {
	var missing []string
	if r.ServiceType == "" {
		missing = append(missing, "service_type")
	}
	if r.ClientID.IsNil() {
		missing = append(missing, "recipient_identity")
	}
	if r.CaregiverID.IsNil() {
		missing = append(missing, "provider_identity")
	}
	if r.ServiceDate.IsZero() {
		missing = append(missing, "date_of_service")
	}
	if r.ClockInLoc == nil {
		missing = append(missing, "location_of_service")
	}
	if r.ClockInAt.IsZero() || r.ClockOutAt == nil {
		missing = append(missing, "start_end_time")
	}
	return missing
}

// TimeEntry is one discrete clock event. It references its record by ID only;
// ChainHash is this entry's link in the record's integrity chain.
type TimeEntry struct {
	ID          id.EntryID     `json:"id"`
	RecordID    id.RecordID    `json:"record_id"`
	CaregiverID id.CaregiverID `json:"caregiver_id"`
	Type        EntryType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	Location    *Location      `json:"location,omitempty"`
	Device      DeviceInfo     `json:"device"`
	Verified    bool           `json:"verified"`
	ChainHash   string         `json:"chain_hash"`
	Reason      string         `json:"reason,omitempty"`
	ReasonCode  string         `json:"reason_code,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
