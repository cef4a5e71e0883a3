package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "careverify/pkg/domain-errors"
)

func clockInSnapshot() Snapshot {
	s := Snapshot{
		"caregiver_id": "6fa1b4f2-1111-4f6e-9c1c-000000000001",
		"client_id":    "6fa1b4f2-2222-4f6e-9c1c-000000000002",
		"service_type": "T1019",
	}
	s.PutTime("clock_in_at", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	s.PutCoord("lat", 39.9612)
	s.PutCoord("lng", -82.9988)
	return s
}

func TestAppend_Deterministic(t *testing.T) {
	prev := Seed("rec-1")
	h1 := Append(prev, clockInSnapshot())
	h2 := Append(prev, clockInSnapshot())
	assert.Equal(t, h1, h2, "recomputing over an unmodified snapshot must match")
	assert.Len(t, h1, 64)
}

func TestAppend_OrderIndependent(t *testing.T) {
	// Same logical content built in a different insertion order.
	a := clockInSnapshot()
	b := Snapshot{}
	b.PutCoord("lng", -82.9988)
	b.PutCoord("lat", 39.9612)
	b["service_type"] = "T1019"
	b["client_id"] = "6fa1b4f2-2222-4f6e-9c1c-000000000002"
	b["caregiver_id"] = "6fa1b4f2-1111-4f6e-9c1c-000000000001"
	b.PutTime("clock_in_at", time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	prev := Seed("rec-1")
	assert.Equal(t, Append(prev, a), Append(prev, b))
}

func TestAppend_AnyFieldMutationChangesHash(t *testing.T) {
	prev := Seed("rec-1")
	base := Append(prev, clockInSnapshot())

	mutations := []func(Snapshot){
		func(s Snapshot) { s["service_type"] = "S5125" },
		func(s Snapshot) { s.PutCoord("lat", 39.9613) },
		func(s Snapshot) { s.PutTime("clock_in_at", time.Date(2026, 3, 10, 9, 1, 0, 0, time.UTC)) },
		func(s Snapshot) { s["caregiver_id"] = "6fa1b4f2-9999-4f6e-9c1c-000000000009" },
	}
	for _, mutate := range mutations {
		snap := clockInSnapshot()
		mutate(snap)
		assert.NotEqual(t, base, Append(prev, snap))
	}
}

func TestSeed_PerRecord(t *testing.T) {
	assert.NotEqual(t, Seed("rec-1"), Seed("rec-2"),
		"chains of distinct records must not be spliceable")
}

func TestVerify_Chain(t *testing.T) {
	in := clockInSnapshot()
	out := Snapshot{}
	out.PutTime("clock_out_at", time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC))
	out.PutCoord("lat", 39.9612)
	out.PutCoord("lng", -82.9988)

	h1 := Append(Seed("rec-1"), in)
	h2 := Append(h1, out)

	t.Run("intact chain verifies", func(t *testing.T) {
		require.NoError(t, Verify("rec-1", []Snapshot{in, out}, []string{h1, h2}))
	})

	t.Run("earlier-field edit detected even with later hash recomputed", func(t *testing.T) {
		tampered := clockInSnapshot()
		tampered.PutTime("clock_in_at", time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

		// Attacker recomputes the second link correctly over the tampered
		// predecessor; the chain still exposes the edit at link 0.
		err := Verify("rec-1", []Snapshot{tampered, out}, []string{h1, h2})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		assert.Contains(t, err.Error(), "TAMPER_DETECTED")
	})

	t.Run("length mismatch is tampering", func(t *testing.T) {
		err := Verify("rec-1", []Snapshot{in}, []string{h1, h2})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TAMPER_DETECTED")
	})
}
