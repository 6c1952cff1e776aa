// Package httputil holds the JSON response helpers shared by handlers and
// middleware, including the unified error envelope writer.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sentinelops/sentinel/internal/apierr"
)

// OkJSON writes a JSON response with 200 OK status.
func OkJSON(w http.ResponseWriter, v any) {
	WriteJSON(w, http.StatusOK, v)
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto the error taxonomy and writes the unified
// {"error": {...}} envelope with the kind's HTTP status. A known
// Retry-After bound becomes a header.
func WriteError(w http.ResponseWriter, err error) {
	apiErr := apierr.From(err)
	if apiErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}
	WriteJSON(w, apiErr.Kind.Status(), apierr.Envelope{Error: apiErr})
}

// NotFoundHandler serves the unified envelope for unknown routes.
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, apierr.New(apierr.KindNotFound, "unknown endpoint %s", r.URL.Path))
	}
}

// MethodNotAllowedHandler keeps 405s in the same envelope shape.
func MethodNotAllowedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiErr := apierr.Invalid("", "method %s not allowed for %s", r.Method, r.URL.Path)
		WriteJSON(w, http.StatusMethodNotAllowed, apierr.Envelope{Error: apiErr})
	}
}
