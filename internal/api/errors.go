package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nerrad567/meter-sim/internal/meter"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeNotEnabled     = "not_enabled" // optional component switched off in config
	ErrCodeUnauthorized   = "unauthorised"
	ErrCodeInternal       = "internal_error"
	ErrCodeInvalidCommand = "invalid_command"
	ErrCodeMethodNotAllow = "method_not_allowed"
)

// invalidCommandMessage lists the only payloads the control channel accepts.
var invalidCommandMessage = "command must be " + strconv.Quote(meter.PayloadConnect) +
	" or " + strconv.Quote(meter.PayloadDisconnect)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // connection may be gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotEnabled answers 404 for an endpoint whose backing component
// (journal, audit log) was not configured.
func writeNotEnabled(w http.ResponseWriter, component string) {
	writeError(w, http.StatusNotFound, ErrCodeNotEnabled, component+" is not enabled")
}

// writeInvalidCommand rejects a control command the meter would ignore.
// Matching is case-sensitive, so "connect" lands here too.
func writeInvalidCommand(w http.ResponseWriter) {
	writeError(w, http.StatusUnprocessableEntity, ErrCodeInvalidCommand, invalidCommandMessage)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}
