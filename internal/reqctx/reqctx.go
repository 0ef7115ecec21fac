// Package reqctx carries request-scoped identifiers through context.Context
// so logs emitted deep in the reconciler can be tied back to the HTTP request
// or sweep that caused them.
package reqctx

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	baggageKey
)

// HeaderRequestID is the header used to propagate request ids.
const HeaderRequestID = "X-Request-ID"

// NewRequestID returns a fresh globally unique id.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns a child context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithBaggage attaches optional key-value flags (e.g. the provider that
// triggered a webhook) without disturbing any baggage already present.
func WithBaggage(ctx context.Context, key, value string) context.Context {
	prev := Baggage(ctx)
	next := make(map[string]string, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[key] = value
	return context.WithValue(ctx, baggageKey, next)
}

// Baggage returns the flags stored in ctx. The map must not be modified.
func Baggage(ctx context.Context) map[string]string {
	if ctx == nil {
		return nil
	}
	b, _ := ctx.Value(baggageKey).(map[string]string)
	return b
}

// Detached returns a background context that keeps ctx's request id and
// baggage. Used for work that must outlive the request, such as deferred
// notifications.
func Detached(ctx context.Context) context.Context {
	out := context.Background()
	if id := RequestID(ctx); id != "" {
		out = WithRequestID(out, id)
	}
	if b := Baggage(ctx); b != nil {
		out = context.WithValue(out, baggageKey, b)
	}
	return out
}
