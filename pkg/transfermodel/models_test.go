package models

import "testing"

func buildPlan() ChunkPlan {
	return ChunkPlan{
		TransferID: "tid-1",
		Filename:   "r.bin",
		FileSize:   10,
		FileHash:   "deadbeef",
		ChunkSize:  6,
		Chunks: []ChunkDescriptor{
			{Index: 0, Offset: 0, Size: 6, Checksum: "aaa"},
			{Index: 1, Offset: 6, Size: 4, Checksum: "bbb"},
		},
	}
}

func TestChunkPlanValidate(t *testing.T) {
	p := buildPlan()
	if err := p.Validate(); err != nil {
		t.Fatalf("expected valid plan, got error: %v", err)
	}

	bad := buildPlan()
	bad.Chunks[1].Offset = 7
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for non-contiguous chunk offsets")
	}
}

func TestChunkPlanValidateRejectsEmptyFields(t *testing.T) {
	p := buildPlan()
	p.FileHash = ""
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for empty file hash")
	}
}

func TestTransferTaskProgress(t *testing.T) {
	task := NewTransferTask(buildPlan(), true)
	if task.State != TransferStatePending {
		t.Fatalf("expected new task to be Pending, got %s", task.State)
	}
	if got := task.Progress(); got != 0 {
		t.Fatalf("expected zero progress, got %v", got)
	}

	task.Transferred[0] = true
	task.TransferredChunks = 1
	if got := task.Progress(); got != 0.5 {
		t.Fatalf("expected 0.5 progress, got %v", got)
	}
}

func TestTransferTaskMissingIndices(t *testing.T) {
	task := NewTransferTask(buildPlan(), false)
	task.Transferred[0] = true
	task.TransferredChunks = 1

	missing := task.MissingIndices()
	if len(missing) != 1 || missing[0] != 1 {
		t.Fatalf("expected missing=[1], got %v", missing)
	}
}

func TestTransferTaskIsTerminal(t *testing.T) {
	task := NewTransferTask(buildPlan(), true)
	if task.IsTerminal() {
		t.Fatalf("pending task should not be terminal")
	}
	task.State = TransferStateCompleted
	if !task.IsTerminal() {
		t.Fatalf("completed task should be terminal")
	}
}

func TestReceiveBufferWriteAtBounds(t *testing.T) {
	buf := NewReceiveBuffer(10)
	if err := buf.WriteAt(6, []byte("abcd")); err != nil {
		t.Fatalf("expected in-bounds write to succeed: %v", err)
	}
	if err := buf.WriteAt(8, []byte("abcd")); err == nil {
		t.Fatalf("expected out-of-bounds write to fail")
	}
}

func TestHubTransferRouteIsHubOriginated(t *testing.T) {
	r := HubTransferRoute{TransferID: "tid-1"}
	if !r.IsHubOriginated() {
		t.Fatalf("nil origin should be hub-originated")
	}
	origin := "spoke-1"
	r.OriginSessionID = &origin
	if r.IsHubOriginated() {
		t.Fatalf("non-nil origin should not be hub-originated")
	}
}

func TestSessionStateRecentHashRing(t *testing.T) {
	s := NewSessionState()
	for i := 0; i < 10; i++ {
		s.RememberHash(string(rune('a' + i)))
	}
	if len(s.RecentHashes) != recentHashRingSize {
		t.Fatalf("expected ring capped at %d, got %d", recentHashRingSize, len(s.RecentHashes))
	}
	if !s.HasSeenHash("j") {
		t.Fatalf("expected most recent hash to be present")
	}
	if s.HasSeenHash("a") {
		t.Fatalf("expected oldest hash to have been evicted")
	}
}
