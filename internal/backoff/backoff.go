// Package backoff implements the spoke's reconnect backoff policy: simple
// exponential doubling with a cap, plus a per-identifier circuit breaker so a
// persistently failing peer stops being retried as aggressively.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker for one identifier.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// Manager tracks reconnect backoff and circuit-breaker state, keyed by an
// arbitrary identifier (a session's remote address, typically).
type Manager struct {
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	OpenAfterFailures int

	mu       sync.Mutex
	failures map[string]int
	state    map[string]CircuitState
}

// NewManager returns a Manager configured with the default reconnect
// numbers: 1 second base, doubling, capped at 30 seconds.
func NewManager() *Manager {
	return &Manager{
		BaseBackoff:       time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
		OpenAfterFailures: 5,
		failures:          make(map[string]int),
		state:             make(map[string]CircuitState),
	}
}

// NextBackoff returns the delay to wait before reconnect attempt number
// attempt (1-indexed): BaseBackoff * multiplier^(attempt-1), capped at
// MaxBackoff, with a small jitter applied.
func (m *Manager) NextBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(m.BaseBackoff) * math.Pow(m.BackoffMultiplier, float64(attempt-1))
	if delay > float64(m.MaxBackoff) {
		delay = float64(m.MaxBackoff)
	}
	jitter := delay * m.JitterFactor * (rand.Float64()*2 - 1)
	delay += jitter
	if delay < float64(m.BaseBackoff) {
		delay = float64(m.BaseBackoff)
	}
	return time.Duration(delay)
}

// RecordSuccess clears failure history for id and closes its circuit.
func (m *Manager) RecordSuccess(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, id)
	m.state[id] = CircuitClosed
}

// RecordFailure increments the failure count for id, opening the circuit
// once OpenAfterFailures consecutive failures have accumulated.
func (m *Manager) RecordFailure(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	if m.failures[id] >= m.OpenAfterFailures {
		m.state[id] = CircuitOpen
	}
}

// CircuitState returns the current circuit state for id (Closed if unseen).
func (m *Manager) CircuitState(id string) CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.state[id]; ok {
		return s
	}
	return CircuitClosed
}

// HalfOpen transitions id's circuit to half-open, allowing one trial
// reconnect attempt through even while previously marked open.
func (m *Manager) HalfOpen(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state[id] == CircuitOpen {
		m.state[id] = CircuitHalfOpen
	}
}
