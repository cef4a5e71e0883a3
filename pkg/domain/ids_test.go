package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "careverify/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// IDs must be valid, non-empty, non-nil UUIDs.
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseRecordID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseRecordID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseCaregiverID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		id, err := ParseClientID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, ClientID(valid), id)
	})

	t.Run("rejects attack vectors", func(t *testing.T) {
		for _, input := range []string{
			"'; DROP TABLE evv_records;--",
			"../../../etc/passwd",
			strings.Repeat("a", 1000),
		} {
			_, err := ParseVisitID(input)
			assert.Error(t, err, "input %q should be rejected", input)
		}
	})
}

func TestParseDeviceID(t *testing.T) {
	_, err := ParseDeviceID("")
	require.Error(t, err)

	_, err = ParseDeviceID(strings.Repeat("x", 200))
	require.Error(t, err)

	id, err := ParseDeviceID("tablet-ward3-0042")
	require.NoError(t, err)
	assert.Equal(t, DeviceID("tablet-ward3-0042"), id)
}

func TestParseServiceTypeCode(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"T1019", false},
		{"S5125", false},
		{"G0156-U1", false},
		{"", true},
		{"t1019", true},
		{"T1019;DROP", true},
		{strings.Repeat("A", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseServiceTypeCode(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseJurisdiction(t *testing.T) {
	j, err := ParseJurisdiction("OH")
	require.NoError(t, err)
	assert.Equal(t, Jurisdiction("OH"), j)

	for _, bad := range []string{"", "O", "Ohio", "oh", "0H"} {
		_, err := ParseJurisdiction(bad)
		assert.Error(t, err, "input %q should be rejected", bad)
	}
}
