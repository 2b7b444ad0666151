package middleware

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/maltehedderich/brand-gateway/internal/logger"
)

// ResponseWriter records the status code and body size written through it
type ResponseWriter struct {
	http.ResponseWriter
	status      int
	size        int
	wroteHeader bool
}

// NewResponseWriter wraps w. The status defaults to 200.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Status returns the status code sent to the client
func (rw *ResponseWriter) Status() int { return rw.status }

// BytesWritten returns the number of body bytes written
func (rw *ResponseWriter) BytesWritten() int { return rw.size }

// Written reports whether the header has been sent
func (rw *ResponseWriter) Written() bool { return rw.wroteHeader }

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *ResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WriteJSON writes v as a JSON body with the given status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the body of every error returned by this service
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// WriteError writes an ErrorResponse carrying the request's correlation ID
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorResponse{
		Error:         code,
		Message:       message,
		CorrelationID: logger.GetCorrelationID(r.Context()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}
