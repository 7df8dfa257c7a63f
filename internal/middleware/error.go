package middleware

import (
	"encoding/json"
	"net/http"
)

// Local copy of the httpx envelope: httpx depends on this package for
// request ids, so middleware writes its own errors in the same shape.
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"requestId"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	envelope := errorEnvelope{
		Error:     errorBody{Code: code, Message: message, Details: details},
		RequestID: RequestIDFromContext(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}
