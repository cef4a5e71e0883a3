// Package domain holds typed identifiers and small domain values shared by
// every EVV module. Typed IDs make cross-entity assignment a compile error;
// Parse helpers enforce the "valid, non-empty, non-nil UUID" invariant at
// trust boundaries.
package domain

import (
	"github.com/google/uuid"

	dErrors "careverify/pkg/domain-errors"
)

type (
	// OrganizationID identifies the provider organization that owns a record.
	OrganizationID uuid.UUID
	// BranchID identifies a branch/office within an organization.
	BranchID uuid.UUID
	// ClientID identifies the care recipient.
	ClientID uuid.UUID
	// CaregiverID identifies the caregiver delivering service.
	CaregiverID uuid.UUID
	// VisitID identifies the scheduled visit a record attests to.
	VisitID uuid.UUID
	// RecordID identifies an EVV record.
	RecordID uuid.UUID
	// EntryID identifies a discrete clock event.
	EntryID uuid.UUID
	// ChangeID identifies a locally originated change for idempotent delivery.
	ChangeID uuid.UUID
)

// DeviceID identifies the reporting device. Devices are enrolled with opaque
// vendor identifiers, so this stays a string rather than a UUID.
type DeviceID string

func (d DeviceID) String() string { return string(d) }

// ParseDeviceID validates a device identifier from external input.
func ParseDeviceID(s string) (DeviceID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "device id cannot be empty")
	}
	if len(s) > 128 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "device id too long")
	}
	return DeviceID(s), nil
}

func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s id cannot be empty", kind)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s id is not a valid uuid", kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s id cannot be the nil uuid", kind)
	}
	return u, nil
}

func ParseOrganizationID(s string) (OrganizationID, error) {
	u, err := parseUUID(s, "organization")
	return OrganizationID(u), err
}

func ParseBranchID(s string) (BranchID, error) {
	u, err := parseUUID(s, "branch")
	return BranchID(u), err
}

func ParseClientID(s string) (ClientID, error) {
	u, err := parseUUID(s, "client")
	return ClientID(u), err
}

func ParseCaregiverID(s string) (CaregiverID, error) {
	u, err := parseUUID(s, "caregiver")
	return CaregiverID(u), err
}

func ParseVisitID(s string) (VisitID, error) {
	u, err := parseUUID(s, "visit")
	return VisitID(u), err
}

func ParseRecordID(s string) (RecordID, error) {
	u, err := parseUUID(s, "record")
	return RecordID(u), err
}

func ParseEntryID(s string) (EntryID, error) {
	u, err := parseUUID(s, "entry")
	return EntryID(u), err
}

func ParseChangeID(s string) (ChangeID, error) {
	u, err := parseUUID(s, "change")
	return ChangeID(u), err
}

func NewRecordID() RecordID { return RecordID(uuid.New()) }
func NewEntryID() EntryID   { return EntryID(uuid.New()) }
func NewChangeID() ChangeID { return ChangeID(uuid.New()) }

func (id OrganizationID) String() string { return uuid.UUID(id).String() }
func (id BranchID) String() string       { return uuid.UUID(id).String() }
func (id ClientID) String() string       { return uuid.UUID(id).String() }
func (id CaregiverID) String() string    { return uuid.UUID(id).String() }
func (id VisitID) String() string        { return uuid.UUID(id).String() }
func (id RecordID) String() string       { return uuid.UUID(id).String() }
func (id EntryID) String() string        { return uuid.UUID(id).String() }
func (id ChangeID) String() string       { return uuid.UUID(id).String() }

func (id OrganizationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id BranchID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id ClientID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id CaregiverID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id VisitID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id EntryID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id ChangeID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
