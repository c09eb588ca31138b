package backoff

import "testing"

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	m := NewManager()
	m.JitterFactor = 0 // deterministic for this test

	cases := []struct {
		attempt int
		want    float64
	}{
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 8},
		{5, 16},
		{6, 30}, // would be 32, capped at 30
		{20, 30},
	}
	for _, c := range cases {
		got := m.NextBackoff(c.attempt).Seconds()
		if got != c.want {
			t.Fatalf("attempt %d: got %v want %v", c.attempt, got, c.want)
		}
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	m := NewManager()
	id := "peer-1"

	if m.CircuitState(id) != CircuitClosed {
		t.Fatalf("expected unseen id to start closed")
	}
	for i := 0; i < m.OpenAfterFailures; i++ {
		m.RecordFailure(id)
	}
	if m.CircuitState(id) != CircuitOpen {
		t.Fatalf("expected circuit to open after %d failures", m.OpenAfterFailures)
	}

	m.RecordSuccess(id)
	if m.CircuitState(id) != CircuitClosed {
		t.Fatalf("expected success to close the circuit")
	}
}

func TestHalfOpenOnlyAffectsOpenCircuit(t *testing.T) {
	m := NewManager()
	id := "peer-2"

	m.HalfOpen(id)
	if m.CircuitState(id) != CircuitClosed {
		t.Fatalf("expected half-open to be a no-op on a closed circuit")
	}

	for i := 0; i < m.OpenAfterFailures; i++ {
		m.RecordFailure(id)
	}
	m.HalfOpen(id)
	if m.CircuitState(id) != CircuitHalfOpen {
		t.Fatalf("expected open circuit to transition to half-open")
	}
}
