package handlers

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse - формат ошибки, единый для всех endpoints подсистемы.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// respondJSON сериализует payload и отправляет его с указанным статусом.
func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// respondError отправляет ErrorResponse с указанным статусом.
func respondError(w http.ResponseWriter, code int, message, details string) {
	respondJSON(w, code, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
