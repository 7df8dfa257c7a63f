package middleware

import (
	"context"
)

// Operator identifies the authenticated caller. The importer runs a
// single-operator model: one bearer token, no per-user accounts.
type Operator struct {
	TokenDigest string
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	operatorKey  contextKey = "operator"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok {
		return ""
	}
	return v
}

func WithOperator(ctx context.Context, operator Operator) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

func OperatorFromContext(ctx context.Context) (Operator, bool) {
	v, ok := ctx.Value(operatorKey).(Operator)
	return v, ok
}
