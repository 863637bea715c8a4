package shared

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}
type agentKeyKey struct{}

// WithRequestID attaches a chat request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestID extracts the chat request id from context. Returns "-" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithAgentKey attaches a history ledger agent key to the context.
func WithAgentKey(ctx context.Context, agentKey string) context.Context {
	return context.WithValue(ctx, agentKeyKey{}, agentKey)
}

// AgentKey extracts the ledger agent key from context. Returns "" if absent.
func AgentKey(ctx context.Context) string {
	if v, ok := ctx.Value(agentKeyKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRequestID generates a new request id.
func NewRequestID() string {
	return uuid.NewString()
}
