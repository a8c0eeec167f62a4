package utils

import (
	"encoding/json"
	"net/http"
	"time"
)

// Failure codes raised by the HTTP layer itself. Engine failures carry the
// engine's error kind (CAPACITY_EXCEEDED, ORDER_NOT_FOUND, ...) instead.
const (
	CodeInvalidBody      = "INVALID_BODY"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInvalidRange     = "INVALID_RANGE"
	CodeInternal         = "INTERNAL"
	CodeUnavailable      = "UNAVAILABLE"
)

// APIResponse is the envelope of every booking API response. Code is empty
// on success. Retryable marks failures the client may resend unchanged.
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Code      string      `json:"code,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func OK(message string, data interface{}) APIResponse {
	return APIResponse{Success: true, Message: message, Data: data, Timestamp: time.Now().UTC()}
}

func Fail(code, message string) APIResponse {
	return APIResponse{Code: code, Message: message, Timestamp: time.Now().UTC()}
}

// WithData attaches failure details, e.g. the seats still available.
func (r APIResponse) WithData(data interface{}) APIResponse {
	r.Data = data
	return r
}

func WriteJSON(w http.ResponseWriter, status int, resp APIResponse) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(resp)
}
