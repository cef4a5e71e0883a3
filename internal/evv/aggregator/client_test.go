package aggregator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careverify/internal/evv/models"
	id "careverify/pkg/domain"
	dErrors "careverify/pkg/domain-errors"
)

func TestHTTPClientSubmitPostsRecord(t *testing.T) {
	var received models.EVVRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"sandata": srv.URL})
	record := models.EVVRecord{Jurisdiction: "OH", ServiceType: "T1019"}

	err := client.Submit(context.Background(), record, models.StateAggregatorConfig{
		Jurisdiction:      "OH",
		SubmissionTargets: []string{"sandata"},
	})

	require.NoError(t, err)
	assert.Equal(t, id.ServiceTypeCode("T1019"), received.ServiceType)
}

func TestHTTPClientRejectionIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"sandata": srv.URL})

	err := client.Submit(context.Background(), models.EVVRecord{}, models.StateAggregatorConfig{
		SubmissionTargets: []string{"sandata"},
	})

	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	assert.False(t, dErrors.Retryable(err))
}

func TestHTTPClientServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPClient(map[string]string{"sandata": srv.URL})

	err := client.Submit(context.Background(), models.EVVRecord{}, models.StateAggregatorConfig{
		SubmissionTargets: []string{"sandata"},
	})

	require.Error(t, err)
	assert.True(t, dErrors.Retryable(err))
}

func TestHTTPClientUnknownTargetFailsFast(t *testing.T) {
	client := NewHTTPClient(nil)

	err := client.Submit(context.Background(), models.EVVRecord{}, models.StateAggregatorConfig{
		SubmissionTargets: []string{"hhax"},
	})

	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}
