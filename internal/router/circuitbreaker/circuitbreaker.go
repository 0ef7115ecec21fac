// Package circuitbreaker tracks per-provider health so the router stops
// calling a provider that keeps failing and tries it again after a cooldown.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// State represents the state of a provider's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultResetTimeout     = 30 * time.Second
)

// Config tunes the breaker. Zero values take defaults.
type Config struct {
	FailureThreshold int           // consecutive failures that open the circuit
	ResetTimeout     time.Duration // time spent Open before a trial call is allowed
}

type providerState struct {
	state     State
	failures  int
	openUntil time.Time
}

// CircuitBreaker is safe for concurrent use.
type CircuitBreaker struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerState
	now       func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	return &CircuitBreaker{
		cfg:       cfg,
		providers: make(map[string]*providerState),
		now:       time.Now,
	}
}

// caller holds mu.
func (cb *CircuitBreaker) get(provider string) *providerState {
	ps, ok := cb.providers[provider]
	if !ok {
		ps = &providerState{state: StateClosed}
		cb.providers[provider] = ps
	}
	return ps
}

// AllowRequest reports whether provider may be called. An Open circuit whose
// timeout has passed moves to HalfOpen and lets a trial call through.
func (cb *CircuitBreaker) AllowRequest(provider string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.get(provider)
	switch ps.state {
	case StateOpen:
		if cb.now().Before(ps.openUntil) {
			return false
		}
		ps.state = StateHalfOpen
		ps.failures = 0
		return true
	default:
		return true
	}
}

// RecordFailure counts a failed call.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.get(provider)
	switch ps.state {
	case StateClosed:
		ps.failures++
		if ps.failures >= cb.cfg.FailureThreshold {
			cb.trip(ps)
		}
	case StateHalfOpen:
		cb.trip(ps)
	case StateOpen:
		// already open; the cooldown is not extended
	}
}

func (cb *CircuitBreaker) trip(ps *providerState) {
	ps.state = StateOpen
	ps.failures = cb.cfg.FailureThreshold
	ps.openUntil = cb.now().Add(cb.cfg.ResetTimeout)
}

// RecordSuccess closes a HalfOpen circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	ps := cb.get(provider)
	switch ps.state {
	case StateClosed, StateHalfOpen:
		ps.state = StateClosed
		ps.failures = 0
	case StateOpen:
		// a late success from a call started before the trip is ignored
	}
}

// GetProviderStatus returns the circuit state and consecutive failure count
// without triggering the Open to HalfOpen transition.
func (cb *CircuitBreaker) GetProviderStatus(provider string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	ps := cb.get(provider)
	return ps.state, ps.failures
}

// ProviderStatus is a point-in-time view of one circuit.
type ProviderStatus struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Snapshot lists every tracked circuit sorted by provider.
func (cb *CircuitBreaker) Snapshot() []ProviderStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]ProviderStatus, 0, len(cb.providers))
	for name, ps := range cb.providers {
		out = append(out, ProviderStatus{Provider: name, State: ps.state.String(), Failures: ps.failures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
