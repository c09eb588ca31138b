package telemetry

import (
	"testing"
	"time"
)

func TestRecordBytesSentIgnoresNonPositive(t *testing.T) {
	c := NewTelemetryCollector()
	c.RecordBytesSent(0)
	c.RecordBytesSent(-5)
	if bw := c.BandwidthMbps(); bw != 0 {
		t.Fatalf("expected zero bandwidth with no bytes recorded, got %v", bw)
	}
}

func TestRecordRTTAndLatencyMs(t *testing.T) {
	c := NewTelemetryCollector()
	if c.LatencyMs() != 0 {
		t.Fatalf("expected zero latency before any RTT recorded")
	}
	c.RecordRTT(150 * time.Millisecond)
	if got := c.LatencyMs(); got != 150 {
		t.Fatalf("expected 150ms latency, got %v", got)
	}
	c.RecordRTT(-1)
	if got := c.LatencyMs(); got != 150 {
		t.Fatalf("expected negative RTT to be ignored, got %v", got)
	}
}

func TestBandwidthMbpsWithBytesSent(t *testing.T) {
	c := NewTelemetryCollector()
	c.RecordBytesSent(1024)
	if c.BandwidthMbps() <= 0 {
		t.Fatalf("expected positive bandwidth after recording bytes")
	}
}

func TestSnapshotResetsBandwidthWindow(t *testing.T) {
	c := NewTelemetryCollector()
	c.RecordBytesSent(1024)
	c.RecordRTT(20 * time.Millisecond)

	bw, latency := c.Snapshot()
	if bw <= 0 {
		t.Fatalf("expected positive bandwidth on first snapshot, got %v", bw)
	}
	if latency != 20 {
		t.Fatalf("expected 20ms latency, got %v", latency)
	}

	bw2, latency2 := c.Snapshot()
	if bw2 != 0 {
		t.Fatalf("expected zero bandwidth for an empty window after reset, got %v", bw2)
	}
	if latency2 != 20 {
		t.Fatalf("expected latency to persist across snapshots, got %v", latency2)
	}
}
