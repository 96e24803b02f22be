// Package httpapi is the HTTP surface of the analytics engine. Handlers
// parse requests, delegate to the core packages, and map the error
// taxonomy onto status codes; they hold no business logic of their own.
package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is the error body. Allowed enumerates the permitted
// values for allowlist rejections; Limit carries the configured daily
// limit for 429s.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Allowed []string `json:"allowed,omitempty"`
	Limit   int64    `json:"limit,omitempty"`
}

// writeJSON outputs a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// readJSON decodes the request body into value, replying 400 itself on
// malformed input.
func readJSON(w http.ResponseWriter, r *http.Request, value any) bool {
	if err := json.NewDecoder(r.Body).Decode(value); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "malformed JSON body"})
		return false
	}
	return true
}

// logError records an unexpected failure without leaking detail to the
// client.
func logError(log *slog.Logger, route string, err error) {
	log.Error("request failed", "route", route, "error", err)
}
