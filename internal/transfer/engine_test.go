package transfer

import (
	"math/rand"
	"os"
	"testing"

	"github.com/clipmesh/clipmesh/internal/message"
	"github.com/clipmesh/clipmesh/pkg/clipitem"
	models "github.com/clipmesh/clipmesh/pkg/transfermodel"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	var received []clipitem.ClipboardItem
	e, err := NewEngine(Options{
		BaseDir:        t.TempDir(),
		ChunkThreshold: 1,
		ChunkSize:      64,
		OnItemReceived: func(item clipitem.ClipboardItem) { received = append(received, item) },
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func driveFullTransfer(t *testing.T, sender, receiver *Engine, filename string, data []byte) (transferID string, item *clipitem.ClipboardItem) {
	t.Helper()
	task, ok := sender.PrepareSend(filename, data)
	if !ok {
		t.Fatalf("expected PrepareSend to need chunking")
	}
	initMsg := TransferInitMessage(task)

	var got clipitem.ClipboardItem
	var gotOK bool
	receiver.onItemReceived = func(i clipitem.ClipboardItem) { got = i; gotOK = true }

	ack := receiver.HandleTransferInit(initMsg)
	for _, idx := range ack.NeededChunks {
		chunk, err := sender.ChunkPayload(task.Plan.TransferID, idx)
		if err != nil {
			t.Fatalf("ChunkPayload(%d): %v", idx, err)
		}
		result, err := receiver.HandleChunkData(chunk)
		if err != nil {
			t.Fatalf("HandleChunkData(%d): %v", idx, err)
		}
		if result.Nack != nil {
			t.Fatalf("unexpected nack at chunk %d: %+v", idx, result.Nack)
		}
		if err := sender.MarkChunkSent(task.Plan.TransferID, idx); err != nil {
			t.Fatalf("MarkChunkSent(%d): %v", idx, err)
		}
	}
	if !gotOK {
		t.Fatalf("expected OnItemReceived to fire")
	}
	return task.Plan.TransferID, &got
}

func TestFullChunkedTransferRoundTrip(t *testing.T) {
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	data := make([]byte, 1000)
	rand.New(rand.NewSource(7)).Read(data)

	_, item := driveFullTransfer(t, sender, receiver, "r.bin", data)
	if len(item.Files) != 1 || string(item.Files[0].Bytes) != string(data) {
		t.Fatalf("received file content mismatch")
	}
}

func TestHandleTransferInitIdempotentResume(t *testing.T) {
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	data := make([]byte, 500)
	rand.New(rand.NewSource(3)).Read(data)
	task, _ := sender.PrepareSend("r.bin", data)
	initMsg := TransferInitMessage(task)

	first := receiver.HandleTransferInit(initMsg)
	if len(first.NeededChunks) != task.Plan.TotalChunks() {
		t.Fatalf("expected full chunk list on first init")
	}

	// simulate partial delivery of chunk 0 only
	chunk0, _ := sender.ChunkPayload(task.Plan.TransferID, 0)
	if _, err := receiver.HandleChunkData(chunk0); err != nil {
		t.Fatalf("HandleChunkData: %v", err)
	}

	// disconnect: force the task back to Paused as resume() would
	receiver.mu.Lock()
	receiver.incoming[task.Plan.TransferID].task.State = models.TransferStatePaused
	receiver.mu.Unlock()

	second := receiver.HandleTransferInit(initMsg)
	if len(second.NeededChunks) >= len(first.NeededChunks) {
		t.Fatalf("expected second init to return a strict subset of needed chunks")
	}
	for _, idx := range second.NeededChunks {
		if idx == 0 {
			t.Fatalf("expected chunk 0 to no longer be needed after resume")
		}
	}
}

func TestHandleChunkDataNacksChecksumMismatch(t *testing.T) {
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	data := make([]byte, 200)
	task, _ := sender.PrepareSend("r.bin", data)
	initMsg := TransferInitMessage(task)
	receiver.HandleTransferInit(initMsg)

	chunk, _ := sender.ChunkPayload(task.Plan.TransferID, 0)
	chunk.Checksum = "0000000000000000000000000000000"

	result, err := receiver.HandleChunkData(chunk)
	if err != nil {
		t.Fatalf("HandleChunkData: %v", err)
	}
	if result.Nack == nil || result.Nack.Error != message.NackChecksumError {
		t.Fatalf("expected checksum_error nack, got %+v", result)
	}
}

func TestHandleChunkDataNacksDecodeError(t *testing.T) {
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	task, _ := sender.PrepareSend("r.bin", make([]byte, 200))
	receiver.HandleTransferInit(TransferInitMessage(task))

	chunk, _ := sender.ChunkPayload(task.Plan.TransferID, 0)
	chunk.Data = "!!! not base64 !!!"

	result, err := receiver.HandleChunkData(chunk)
	if err != nil {
		t.Fatalf("HandleChunkData: %v", err)
	}
	if result.Nack == nil || result.Nack.Error != message.NackDecodeError {
		t.Fatalf("expected decode_error nack, got %+v", result)
	}
}

func TestUnknownTransferIDReturnsSentinel(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.HandleChunkData(message.ChunkData{TransferID: "nonexistent"}); err != ErrUnknownTransfer {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
	if _, err := e.ChunkPayload("nonexistent", 0); err != ErrUnknownTransfer {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestMarkChunkSentTransitionsState(t *testing.T) {
	e := newTestEngine(t)
	task, _ := e.PrepareSend("r.bin", make([]byte, 130))
	if task.State != models.TransferStatePending {
		t.Fatalf("expected new task to start Pending")
	}
	for i := 0; i < task.Plan.TotalChunks(); i++ {
		if err := e.MarkChunkSent(task.Plan.TransferID, i); err != nil {
			t.Fatalf("MarkChunkSent: %v", err)
		}
	}
	got, _ := e.OutgoingTask(task.Plan.TransferID)
	if got.State != models.TransferStateCompleted {
		t.Fatalf("expected task to complete once every chunk sent, got %s", got.State)
	}
}

func TestCancelRemovesOutgoingAndIncoming(t *testing.T) {
	sender := newTestEngine(t)
	receiver := newTestEngine(t)

	task, _ := sender.PrepareSend("r.bin", make([]byte, 130))
	receiver.HandleTransferInit(TransferInitMessage(task))

	if !sender.Cancel(task.Plan.TransferID) {
		t.Fatalf("expected cancel to find the outgoing transfer")
	}
	if !receiver.Cancel(task.Plan.TransferID) {
		t.Fatalf("expected cancel to find the incoming transfer")
	}
	if sender.Cancel(task.Plan.TransferID) {
		t.Fatalf("expected second cancel to report not-found")
	}
}

func TestResumeFromDiskAfterRestart(t *testing.T) {
	dir := t.TempDir()
	sender := newTestEngine(t)

	data := make([]byte, 300)
	rand.New(rand.NewSource(11)).Read(data)
	task, _ := sender.PrepareSend("r.bin", data)
	initMsg := TransferInitMessage(task)

	receiver, err := NewEngine(Options{BaseDir: dir, ChunkThreshold: 1, ChunkSize: 64})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	receiver.HandleTransferInit(initMsg)
	chunk0, _ := sender.ChunkPayload(task.Plan.TransferID, 0)
	if _, err := receiver.HandleChunkData(chunk0); err != nil {
		t.Fatalf("HandleChunkData: %v", err)
	}
	receiver.mu.Lock()
	receiver.persistIncomingLocked(task.Plan.TransferID, receiver.incoming[task.Plan.TransferID])
	receiver.mu.Unlock()

	restarted, err := NewEngine(Options{BaseDir: dir, ChunkThreshold: 1, ChunkSize: 64})
	if err != nil {
		t.Fatalf("NewEngine restart: %v", err)
	}
	restarted.mu.Lock()
	entry, ok := restarted.incoming[task.Plan.TransferID]
	restarted.mu.Unlock()
	if !ok {
		t.Fatalf("expected restarted engine to resume the incoming transfer")
	}
	if entry.task.State != models.TransferStatePaused {
		t.Fatalf("expected resumed task to be Paused, got %s", entry.task.State)
	}
	if entry.buffer.Data[0] != data[0] {
		t.Fatalf("expected resumed buffer to retain already-written bytes")
	}
}

func TestCorruptStateFileStartsClean(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/transfer_state.json", []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	e, err := NewEngine(Options{BaseDir: dir, ChunkThreshold: 1, ChunkSize: 64})
	if err != nil {
		t.Fatalf("NewEngine should tolerate a corrupt state file: %v", err)
	}
	if len(e.incoming) != 0 {
		t.Fatalf("expected no resumed transfers from corrupt state")
	}
}
