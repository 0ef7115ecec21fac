package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yourorg/payment-reconciler/internal/payment"
)

type effectKey struct {
	txID   string
	effect string
}

type webhookKey struct {
	provider string
	eventID  string
}

// MemoryStore is an in-process Store used by tests and single-node development.
// Every read returns a copy.
type MemoryStore struct {
	mu        sync.RWMutex
	txs       map[string]*payment.Transaction
	byKey     map[string]string
	byRef     map[string]string
	events    map[string]*payment.WebhookEvent
	eventKeys map[webhookKey]string
	rejected  []*payment.WebhookEvent
	effects   map[effectKey]*payment.EffectEntry
	conflicts []payment.Conflict
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:       make(map[string]*payment.Transaction),
		byKey:     make(map[string]string),
		byRef:     make(map[string]string),
		events:    make(map[string]*payment.WebhookEvent),
		eventKeys: make(map[webhookKey]string),
		effects:   make(map[effectKey]*payment.EffectEntry),
	}
}

func (m *MemoryStore) CreateTransaction(_ context.Context, t *payment.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[t.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if t.Version == 0 {
		t.Version = 1
	}
	m.txs[t.ID] = t.Clone()
	m.byKey[t.IdempotencyKey] = t.ID
	m.byRef[t.Reference] = t.ID
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*payment.Transaction, error) {
	m.mu.RLock()
	id, ok := m.byRef[reference]
	m.mu.RUnlock()
	if !ok {
		return nil, payment.ErrNotFound
	}
	return m.GetTransaction(ctx, id)
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*payment.Transaction, error) {
	m.mu.RLock()
	id, ok := m.byKey[key]
	m.mu.RUnlock()
	if !ok {
		return nil, payment.ErrNotFound
	}
	return m.GetTransaction(ctx, id)
}

func (m *MemoryStore) GetByProviderReference(_ context.Context, provider, providerRef string) (*payment.Transaction, error) {
	if providerRef == "" {
		return nil, payment.ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.txs {
		if t.Provider == provider && t.ProviderReference == providerRef {
			return t.Clone(), nil
		}
	}
	return nil, payment.ErrNotFound
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, t *payment.Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txs[t.ID]
	if !ok {
		return payment.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := t.Clone()
	if cur.ProviderReference != "" {
		next.ProviderReference = cur.ProviderReference
	}
	next.Version = expectedVersion + 1
	m.txs[t.ID] = next
	t.Version = next.Version
	t.ProviderReference = next.ProviderReference
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, f Filter) ([]*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*payment.Transaction
	for _, t := range m.txs {
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*payment.Transaction
	for _, t := range m.txs {
		if t.State.InFlight() && t.UpdatedAt.Before(olderThan) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneEvent(ev *payment.WebhookEvent) *payment.WebhookEvent {
	c := *ev
	c.Payload = append([]byte(nil), ev.Payload...)
	if ev.ProcessedAt != nil {
		at := *ev.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

func (m *MemoryStore) InsertWebhookEvent(_ context.Context, ev *payment.WebhookEvent) (bool, *payment.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := webhookKey{provider: ev.Provider, eventID: ev.ExternalEventID}
	if id, ok := m.eventKeys[key]; ok {
		return false, cloneEvent(m.events[id]), nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.SignatureValid = true
	m.events[ev.ID] = cloneEvent(ev)
	m.eventKeys[key] = ev.ID
	return true, nil, nil
}

func (m *MemoryStore) RecordRejectedWebhook(_ context.Context, ev *payment.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.SignatureValid = false
	m.rejected = append(m.rejected, cloneEvent(ev))
	return nil
}

// RejectedWebhooks returns the unauthenticated events kept for audit.
func (m *MemoryStore) RejectedWebhooks() []*payment.WebhookEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*payment.WebhookEvent, 0, len(m.rejected))
	for _, ev := range m.rejected {
		out = append(out, cloneEvent(ev))
	}
	return out
}

func (m *MemoryStore) MarkWebhookProcessed(_ context.Context, id string, orphan bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return payment.ErrNotFound
	}
	ev.Processed = true
	ev.Orphan = orphan
	ev.ProcessedAt = &at
	return nil
}

func (m *MemoryStore) ListOrphanEvents(_ context.Context, limit int) ([]*payment.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*payment.WebhookEvent
	for _, ev := range m.events {
		if ev.Orphan {
			out = append(out, cloneEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordEffect(_ context.Context, transactionID, effect string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := effectKey{txID: transactionID, effect: effect}
	if _, ok := m.effects[key]; ok {
		return false, nil
	}
	m.effects[key] = &payment.EffectEntry{TransactionID: transactionID, Effect: effect, ExecutedAt: at}
	return true, nil
}

func (m *MemoryStore) CompleteEffect(_ context.Context, transactionID, effect string, at time.Time, effectErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.effects[effectKey{txID: transactionID, effect: effect}]
	if !ok {
		return payment.ErrNotFound
	}
	e.CompletedAt = &at
	if effectErr != nil {
		e.Error = effectErr.Error()
	}
	return nil
}

func (m *MemoryStore) GetEffect(_ context.Context, transactionID, effect string) (*payment.EffectEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.effects[effectKey{txID: transactionID, effect: effect}]
	if !ok {
		return nil, payment.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *MemoryStore) RecordConflict(_ context.Context, c payment.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts = append(m.conflicts, c)
	return nil
}

func (m *MemoryStore) ListConflicts(_ context.Context, transactionID string) ([]payment.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payment.Conflict
	for _, c := range m.conflicts {
		if transactionID == "" || c.TransactionID == transactionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSettlementGaps(_ context.Context, limit int) ([]*payment.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*payment.Transaction
	for _, t := range m.txs {
		effect, ok := EffectFor(t.State)
		if !ok {
			continue
		}
		if _, recorded := m.effects[effectKey{txID: t.ID, effect: effect}]; !recorded {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
