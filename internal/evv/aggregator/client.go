package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"careverify/internal/evv/models"
	dErrors "careverify/pkg/domain-errors"
)

const defaultSubmitTimeout = 15 * time.Second

// HTTPClient delivers records to state aggregators over HTTP. Each submission
// target named in a jurisdiction's config resolves to an endpoint URL; a
// target with no endpoint is a deployment error surfaced at submit time.
type HTTPClient struct {
	endpoints map[string]string
	http      *http.Client
}

// NewHTTPClient builds a client from a target-name to URL mapping.
func NewHTTPClient(endpoints map[string]string) *HTTPClient {
	return &HTTPClient{
		endpoints: endpoints,
		http:      &http.Client{Timeout: defaultSubmitTimeout},
	}
}

// Submit posts the record to every submission target configured for the
// jurisdiction. A 4xx from any target is a business rejection and stops the
// fan-out; 5xx and transport errors are retryable.
func (c *HTTPClient) Submit(ctx context.Context, record models.EVVRecord, cfg models.StateAggregatorConfig) error {
	if len(cfg.SubmissionTargets) == 0 {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"jurisdiction %s has no submission targets configured", cfg.Jurisdiction)
	}

	body, err := json.Marshal(record)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode record for submission")
	}

	for _, target := range cfg.SubmissionTargets {
		url, ok := c.endpoints[target]
		if !ok {
			return dErrors.Newf(dErrors.CodeInvariantViolation,
				"no endpoint configured for submission target %q", target)
		}
		if err := c.post(ctx, url, target, body); err != nil {
			return err
		}
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, url, target string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "build aggregator request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, fmt.Sprintf("deliver to %s", target))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return dErrors.Newf(dErrors.CodeValidation,
			"aggregator %s rejected record: status %d", target, resp.StatusCode)
	default:
		return dErrors.Newf(dErrors.CodeUnavailable,
			"aggregator %s returned status %d", target, resp.StatusCode)
	}
}
