package security

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

// requestIDContextKey is the context key for storing request IDs
type requestIDContextKey struct{}

// RequestIDHeader is the HTTP header for request IDs
const RequestIDHeader = "X-Request-ID"

// requestIDPattern accepts IDs from upstream proxies: alphanumeric, hyphens and
// underscores, 1-128 characters. Anything else could smuggle CRLF into headers.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// NewRequestID returns a random request ID
func NewRequestID() string {
	return uuid.NewString()
}

// ValidRequestID reports whether an upstream request ID may be propagated
func ValidRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext retrieves the request ID from the context, or ""
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDContextKey{}).(string); ok {
		return requestID
	}
	return ""
}
