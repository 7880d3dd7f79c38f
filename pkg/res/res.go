package res

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`             // human readable message
	Code    string `json:"code"`              // stable machine readable code
	Details any    `json:"details,omitempty"` // e.g. validation errors
}

// JsonResponse writes data as JSON with the given status.
func JsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JsonErrorResponse writes an ErrorResponse with the given status.
func JsonErrorResponse(w http.ResponseWriter, code, message string, status int) {
	JsonResponse(w, ErrorResponse{Error: message, Code: code}, status)
}
