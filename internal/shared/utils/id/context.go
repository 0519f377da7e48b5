package id

import "context"

type contextKey string

const (
	requestKey contextKey = "buildd_request_id"
	accountKey contextKey = "buildd_account_id"
)

// WithRequestID stores the request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestKey, requestID)
}

// RequestIDFromContext extracts the request identifier from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if requestID, ok := ctx.Value(requestKey).(string); ok {
		return requestID
	}
	return ""
}

// WithAccountID stores the authenticated account identifier on the context.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, accountKey, accountID)
}

// AccountIDFromContext extracts the authenticated account identifier from context.
func AccountIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if accountID, ok := ctx.Value(accountKey).(string); ok {
		return accountID
	}
	return ""
}

// EnsureRequestID guarantees a request identifier is present on the context.
// It returns the updated context and the resulting identifier.
func EnsureRequestID(ctx context.Context) (context.Context, string) {
	if existing := RequestIDFromContext(ctx); existing != "" {
		return ctx, existing
	}
	next := NewRequestID()
	return WithRequestID(ctx, next), next
}
