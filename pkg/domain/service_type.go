package domain

import dErrors "careverify/pkg/domain-errors"

// ServiceTypeCode is the billing/service code for the delivered service
// (e.g. "T1019" personal care, "S5125" attendant care). The allowed set is
// payer-specific, so validation here is structural only; authorization per
// caregiver and client is the CaregiverProvider's concern.
type ServiceTypeCode string

// ParseServiceTypeCode constructs a ServiceTypeCode from external input.
func ParseServiceTypeCode(s string) (ServiceTypeCode, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "service type code cannot be empty")
	}
	if len(s) > 16 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "service type code too long")
	}
	for _, r := range s {
		if !isServiceCodeRune(r) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "service type code contains invalid characters")
		}
	}
	return ServiceTypeCode(s), nil
}

func isServiceCodeRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		return true
	}
	return false
}

func (c ServiceTypeCode) String() string { return string(c) }

// Jurisdiction is the two-letter state/territory code that selects aggregator
// rules. There is no default jurisdiction; an empty value is always invalid.
type Jurisdiction string

// ParseJurisdiction constructs a Jurisdiction from external input.
func ParseJurisdiction(s string) (Jurisdiction, error) {
	if len(s) != 2 {
		return "", dErrors.New(dErrors.CodeInvalidInput, "jurisdiction must be a two-letter code")
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return "", dErrors.New(dErrors.CodeInvalidInput, "jurisdiction must be uppercase letters")
		}
	}
	return Jurisdiction(s), nil
}

func (j Jurisdiction) String() string { return string(j) }
