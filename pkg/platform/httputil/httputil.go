// Package httputil centralizes JSON encoding and domain error translation for
// HTTP handlers so every endpoint produces the same error envelope.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "careverify/pkg/domain-errors"
)

// WriteJSON encodes v with the given status. Encoding failures are ignored;
// the status line has already been written.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into an HTTP response. Internal error
// details are never exposed to clients; other codes include the message as
// error_description.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	body := map[string]string{"error": string(code)}

	if code != dErrors.CodeInternal {
		var de *dErrors.Error
		if errors.As(err, &de) {
			body["error_description"] = de.Message
		}
	}

	WriteJSON(w, dErrors.ToHTTPStatus(code), body)
}

// Decode parses a JSON request body into T, rejecting unknown fields so typos
// surface as client errors instead of silently dropped data.
func Decode[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	return v, nil
}
