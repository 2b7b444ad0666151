package logger

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// NewCorrelationID returns a random UUIDv4 string
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID stores a correlation ID in ctx
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKey{}, correlationID)
}

// GetCorrelationID returns the correlation ID stored in ctx, or ""
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
