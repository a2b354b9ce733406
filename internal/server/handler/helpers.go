// Package handler implements the HTTP endpoints of the market service.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/txerror"
)

// maxBodyBytes caps request bodies. Signed groups are at most a few KiB.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// flowError is the body returned when a buy or claim fails after it
// started. It carries the same title and description as the toast.
type flowError struct {
	Error       string             `json:"error"`
	Category    txerror.Category   `json:"category"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Submission  *domain.Submission `json:"submission,omitempty"`
}

// writeFlowError maps err to a status code. Sentinels raised before a flow
// starts are client errors; anything later is classified for display.
func writeFlowError(w http.ResponseWriter, err error, sub *domain.Submission) {
	status := statusFor(err)
	if status != http.StatusBadGateway {
		writeError(w, status, err.Error())
		return
	}
	c := txerror.Classify(err)
	if c.Cancelled() {
		status = http.StatusConflict
	}
	writeJSON(w, status, flowError{
		Error:       err.Error(),
		Category:    c.Category,
		Title:       c.Title,
		Description: c.Description,
		Submission:  sub,
	})
}

// statusFor maps domain sentinels to HTTP status codes. Unknown errors are
// upstream failures.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidOutcome),
		errors.Is(err, domain.ErrNoProvider):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrFlowInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotDeployed),
		errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
