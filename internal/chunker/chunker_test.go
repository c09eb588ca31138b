package chunker

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPlanCoversWholeFileContiguously(t *testing.T) {
	data := make([]byte, 10*1024*1024)
	rand.New(rand.NewSource(1)).Read(data)

	p := NewPlanner(10 * 1024 * 1024)
	plan := p.Plan("r.bin", data, 256*1024)

	var reassembled []byte
	for i, c := range plan.Chunks {
		if c.Index != i {
			t.Fatalf("chunk index out of order: got %d at position %d", c.Index, i)
		}
		reassembled = append(reassembled, data[c.Offset:c.Offset+c.Size]...)
	}
	if !bytes.Equal(reassembled, data) {
		t.Fatalf("reassembled bytes do not match original")
	}
}

func TestPlanChunkCountAndNonFinalChunkSize(t *testing.T) {
	p := NewPlanner(1)
	data := make([]byte, 12*1024*1024) // 12 MiB
	plan := p.Plan("r.bin", data, 256*1024)

	wantChunks := 48 // ceil(12MiB / 256KiB)
	if len(plan.Chunks) != wantChunks {
		t.Fatalf("expected %d chunks, got %d", wantChunks, len(plan.Chunks))
	}
	for _, c := range plan.Chunks[:len(plan.Chunks)-1] {
		if c.Size != 256*1024 {
			t.Fatalf("expected non-final chunk size 256KiB, got %d", c.Size)
		}
	}
}

func TestPlanExactMultipleOfChunkSize(t *testing.T) {
	p := NewPlanner(1)
	data := make([]byte, 512*1024) // exactly 2 chunks of 256KiB
	plan := p.Plan("r.bin", data, 256*1024)

	if len(plan.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(plan.Chunks))
	}
	last := plan.Chunks[len(plan.Chunks)-1]
	if last.Size != 256*1024 {
		t.Fatalf("expected last chunk to equal chunk size when file size is an exact multiple, got %d", last.Size)
	}
}

func TestVerifyChunkAndWhole(t *testing.T) {
	p := NewPlanner(1)
	data := []byte("hello world, this is a test payload")
	plan := p.Plan("f.txt", data, 8)

	for _, c := range plan.Chunks {
		window := data[c.Offset : c.Offset+c.Size]
		if !p.VerifyChunk(window, c) {
			t.Fatalf("expected chunk %d to verify", c.Index)
		}
	}
	if !p.VerifyWhole(data, plan) {
		t.Fatalf("expected whole-file hash to verify")
	}

	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0xFF
	if p.VerifyWhole(corrupted, plan) {
		t.Fatalf("expected corrupted data to fail whole-file verification")
	}
}

func TestNeedsChunkingBoundary(t *testing.T) {
	p := NewPlanner(10 * 1024 * 1024)
	if !p.NeedsChunking(10 * 1024 * 1024) {
		t.Fatalf("expected size exactly at threshold to need chunking")
	}
	if p.NeedsChunking(10*1024*1024 - 1) {
		t.Fatalf("expected size one byte under threshold to not need chunking")
	}
}
