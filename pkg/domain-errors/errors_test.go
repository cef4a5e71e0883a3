package domainerrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "careverify/pkg/domain-errors"
)

func TestHasCode(t *testing.T) {
	t.Run("matches the direct code", func(t *testing.T) {
		err := dErrors.New(dErrors.CodeNotFound, "record missing")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
		assert.False(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("matches a wrapped code", func(t *testing.T) {
		inner := dErrors.New(dErrors.CodeTimeout, "aggregator timed out")
		outer := dErrors.Wrap(inner, dErrors.CodeInternal, "submission failed")
		assert.True(t, dErrors.HasCode(outer, dErrors.CodeInternal))
		assert.True(t, dErrors.HasCode(outer, dErrors.CodeTimeout))
	})

	t.Run("foreign errors have no code", func(t *testing.T) {
		assert.False(t, dErrors.HasCode(errors.New("plain"), dErrors.CodeInternal))
	})
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := dErrors.Wrap(cause, dErrors.CodeUnavailable, "delivery failed")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "delivery failed")

	assert.Nil(t, dErrors.Wrap(nil, dErrors.CodeInternal, "ignored"))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout is retryable", dErrors.New(dErrors.CodeTimeout, "slow"), true},
		{"unavailable is retryable", dErrors.New(dErrors.CodeUnavailable, "down"), true},
		{"validation is terminal", dErrors.New(dErrors.CodeValidation, "bad"), false},
		{"not found is terminal", dErrors.New(dErrors.CodeNotFound, "gone"), false},
		{"forbidden is terminal", dErrors.New(dErrors.CodeForbidden, "no"), false},
		{"foreign errors are terminal", errors.New("plain"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dErrors.Retryable(tt.err))
		})
	}
}

func TestToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, dErrors.ToHTTPStatus(dErrors.CodeInvalidInput))
	assert.Equal(t, http.StatusNotFound, dErrors.ToHTTPStatus(dErrors.CodeNotFound))
	assert.Equal(t, http.StatusConflict, dErrors.ToHTTPStatus(dErrors.CodeInvariantViolation))
	assert.Equal(t, http.StatusInternalServerError, dErrors.ToHTTPStatus(dErrors.CodeInternal))
}
