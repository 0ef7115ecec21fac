package reqctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	id := NewRequestID()
	ctx = WithRequestID(ctx, id)
	assert.Equal(t, id, RequestID(ctx))
	assert.NotEqual(t, id, NewRequestID())
}

func TestBaggageIsCopiedOnWrite(t *testing.T) {
	parent := WithBaggage(context.Background(), "provider", "fedapay")
	child := WithBaggage(parent, "source", "webhook")

	assert.Equal(t, map[string]string{"provider": "fedapay"}, Baggage(parent))
	assert.Equal(t, map[string]string{"provider": "fedapay", "source": "webhook"}, Baggage(child))
}

func TestDetachedKeepsIdentifiersButNotCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "req-1"))
	ctx = WithBaggage(ctx, "provider", "moov_money")
	cancel()

	d := Detached(ctx)
	assert.NoError(t, d.Err())
	assert.Equal(t, "req-1", RequestID(d))
	assert.Equal(t, "moov_money", Baggage(d)["provider"])
}
