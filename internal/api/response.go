// Package api implements the operator-facing HTTP control plane: agent
// listing, command dispatch, broadcast, result polling, and the embedded
// browser UI. Chi is the router; all /api/* routes sit behind the bearer
// middleware.
package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeReason writes the standard error shape {"reason": "..."} used by
// every reject path on this API.
func writeReason(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"reason": reason})
}

// decodeJSON decodes the request body into dst with a 1 MB cap. Returns
// false (after writing a 400) if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		writeReason(w, http.StatusBadRequest, "invalid_request_body")
		return false
	}
	return true
}
