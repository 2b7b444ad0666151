package upstream

import (
	"encoding/json"
	"fmt"
)

// APIError is a non-2xx response from the admin API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Temporary reports whether the upstream itself failed, as opposed to
// rejecting the request
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// newAPIError builds an APIError from a response body. The message is the
// body's "error" or "message" field when present.
func newAPIError(status int, body []byte) *APIError {
	var parsed struct {
		Error   interface{} `json:"error"`
		Message interface{} `json:"message"`
	}

	msg := ""
	if err := json.Unmarshal(body, &parsed); err == nil {
		if s, ok := parsed.Error.(string); ok && s != "" {
			msg = s
		} else if s, ok := parsed.Message.(string); ok && s != "" {
			msg = s
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("API error: %d", status)
	}

	return &APIError{StatusCode: status, Message: msg}
}
