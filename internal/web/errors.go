package web

// errors.go provides unified error response handling for the web layer.
//
// Every handler error funnels through respondError:
//  1. The error is classified via the gis error taxonomy to pick a status.
//  2. The full technical error is logged with the request ID for correlation.
//  3. The client receives only the sanitized user message in the
//     {"message": "..."} envelope.

import (
	"encoding/json"
	"net/http"

	"github.com/mapgrid/gistab/internal/gis"
	"github.com/mapgrid/gistab/internal/logging"
)

// respondError translates a domain error into an HTTP response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := gis.HTTPStatus(err)
	msg := gis.UserMessage(err)

	logger := logging.FromContext(r.Context())
	logger.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	)

	writeMessage(w, status, msg)
}

// writeMessage writes the {"message": ...} envelope with the given status.
func writeMessage(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}

// respondJSON writes v as a JSON response body.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already written; encoding failures have nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}
