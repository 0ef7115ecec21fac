// Package events fans transaction events out to every interested party:
// the Kafka topic, and payers watching their transaction over a websocket.
package events

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/payment-reconciler/internal/observability"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

// Publisher receives transaction events.
type Publisher interface {
	Publish(ctx context.Context, ev payment.Event) error
}

// Fanout publishes every event to each of its members. A failing member does
// not stop the others; their errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev payment.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StreamMessage is one frame on the status stream.
type StreamMessage struct {
	Type        string         `json:"type"` // "snapshot" or "event"
	Transaction *payment.View  `json:"transaction,omitempty"`
	Event       *payment.Event `json:"event,omitempty"`
}

const (
	subscriberBuffer = 16
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Hub routes events to websocket subscribers by transaction id.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[chan payment.Event]struct{}
	upgrader websocket.Upgrader
	logger   *observability.Logger
}

// NewHub creates a Hub.
func NewHub(logger *observability.Logger) *Hub {
	return &Hub{
		subs: make(map[string]map[chan payment.Event]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Component("events"),
	}
}

// Subscribe registers interest in transactionID. The returned cancel func
// must be called to release the subscription.
func (h *Hub) Subscribe(transactionID string) (<-chan payment.Event, func()) {
	ch := make(chan payment.Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[transactionID] == nil {
		h.subs[transactionID] = make(map[chan payment.Event]struct{})
	}
	h.subs[transactionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[transactionID], ch)
			if len(h.subs[transactionID]) == 0 {
				delete(h.subs, transactionID)
			}
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions for transactionID.
func (h *Hub) Subscribers(transactionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[transactionID])
}

// Publish delivers ev to current subscribers. Slow subscribers miss events
// rather than block the caller.
func (h *Hub) Publish(ctx context.Context, ev payment.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.TransactionID] {
		select {
		case ch <- ev:
		default:
			h.logger.WithContext(ctx).Warn("stream subscriber is slow, event dropped",
				slog.String("transaction_id", ev.TransactionID), slog.String("type", ev.Type))
		}
	}
	return nil
}

// ServeWS upgrades the request and streams the transaction: a snapshot
// first, then each event until the transaction settles or the client leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, snapshot payment.View) {
	events, cancel := h.Subscribe(snapshot.ID)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithContext(r.Context()).Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// The read loop only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.write(conn, StreamMessage{Type: "snapshot", Transaction: &snapshot}); err != nil {
		return
	}
	if snapshot.State.IsTerminal() {
		h.close(conn)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev := <-events:
			if err := h.write(conn, StreamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
			if ev.Type == payment.StateEventType(ev.State) && ev.State.IsTerminal() {
				h.close(conn)
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("stream write failed", slog.Any("error", err))
		return err
	}
	return nil
}

func (h *Hub) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "transaction settled")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
