// Package api holds the HTTP plumbing shared by the control-plane
// services: JSON responders, `{"detail": ...}` error bodies, request ids,
// request logging, and per-client rate limiting.
package api

import (
	"encoding/json"
	"net/http"
)

// Detail is the error body every service returns on failure. The detail
// string is machine-readable (`wall_not_found`, `invalid_hmac`, ...).
type Detail struct {
	Detail string `json:"detail"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteDetail writes a `{"detail": ...}` error response.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, Detail{Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusBadRequest, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "missing_authorization"
	}
	WriteDetail(w, http.StatusUnauthorized, detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "forbidden"
	}
	WriteDetail(w, http.StatusForbidden, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusNotFound, detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusConflict, detail)
}

// WriteBadGateway writes a 502 error response for unreachable peers.
func WriteBadGateway(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusBadGateway, detail)
}

// WriteInternal writes a 500 error response.
func WriteInternal(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "internal_error"
	}
	WriteDetail(w, http.StatusInternalServerError, detail)
}

// DecodeJSON decodes a request body into v, rejecting unknown garbage late
// rather than strictly; callers validate semantics themselves.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
