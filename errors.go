package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors returned by the store and credential layers. Handlers map
// them onto HTTP responses; nothing else about a failure reaches the client.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")

	// ErrInvalidCredentials covers both an unknown account and a wrong
	// password so the response shape cannot be used to enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// ValidationError reports malformed input, caught before any store access.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// APIError is the structured error body returned to clients.
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
