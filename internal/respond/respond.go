// Package respond writes the relay's JSON response bodies.
package respond

import (
	"encoding/json"
	"net/http"
)

// JSON writes v as the response body with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes an OAuth-style error body:
// {"error": code, "error_description": description}.
func Error(w http.ResponseWriter, status int, code, description string) {
	JSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
