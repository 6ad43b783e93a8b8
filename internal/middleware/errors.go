package middleware

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON error envelope shared by every HTTP response that fails.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failed request.
type ErrorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Entity    string `json:"entity,omitempty"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// WriteError writes detail as a JSON error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, detail ErrorDetail) {
	if detail.RequestID == "" {
		detail.RequestID = w.Header().Get(RequestIDHeader)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: detail})
}
