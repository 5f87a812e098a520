// Package respond provides the shared JSON response helpers used by
// every HTTP handler, ported from the teacher's pkg/utils/response.go.
package respond

import (
	"encoding/json"
	"log"
	"net/http"
)

// JSON writes payload as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[respond] failed to encode response: %v", err)
	}
}

// Error writes a {"error": message} JSON body with the given status.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
