// Package transfer implements the TransferEngine component (C4): the state
// machine for outgoing and incoming chunked transfers, with durable resume
// state across reconnects.
package transfer

import (
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/clipmesh/clipmesh/internal/chunker"
	"github.com/clipmesh/clipmesh/internal/codec"
	"github.com/clipmesh/clipmesh/internal/message"
	"github.com/clipmesh/clipmesh/pkg/clipitem"
	models "github.com/clipmesh/clipmesh/pkg/transfermodel"
)

// ErrUnknownTransfer is returned for any operation referencing a
// transfer_id the engine has no record of. Callers should drop the
// triggering message silently and log, not propagate this further.
var ErrUnknownTransfer = errors.New("transfer: unknown transfer id")

// ErrChunkIndexOutOfRange is returned when a requested chunk index is not
// part of the transfer's plan.
var ErrChunkIndexOutOfRange = errors.New("transfer: chunk index out of range")

const saveEveryNChunks = 10

type outgoingEntry struct {
	task *models.TransferTask
	data []byte
}

type incomingEntry struct {
	task            *models.TransferTask
	buffer          *models.ReceiveBuffer
	writesSinceSave int
}

// Options configures a new Engine.
type Options struct {
	BaseDir        string
	ChunkThreshold int64
	ChunkSize      int64
	Logger         *log.Logger

	// OnItemReceived fires once a chunked transfer completes and whole-file
	// integrity has been verified.
	OnItemReceived func(item clipitem.ClipboardItem)
	// OnTransferProgress is stored on the Engine but not invoked by it; the
	// code that calls MarkChunkSent/MarkChunkAcked reports progress itself.
	OnTransferProgress func(transferID string, percent float64)
	// OnTransferError fires on terminal transfer failure.
	OnTransferError func(transferID, reason string)
}

// Engine is the TransferEngine (C4): the single mutable owner of
// TransferTasks, their buffers, and their disk artifacts.
type Engine struct {
	mu        sync.Mutex
	baseDir   string
	chunkSize int64
	planner   chunker.Planner
	logger    *log.Logger

	outgoing map[string]*outgoingEntry
	incoming map[string]*incomingEntry

	onItemReceived     func(item clipitem.ClipboardItem)
	onTransferProgress func(transferID string, percent float64)
	onTransferError    func(transferID, reason string)
}

// NewEngine creates an Engine rooted at opts.BaseDir, scanning it for
// resumable incoming transfers from a prior run.
func NewEngine(opts Options) (*Engine, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("transfer: BaseDir must not be empty")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
		return nil, err
	}

	e := &Engine{
		baseDir:            opts.BaseDir,
		chunkSize:          opts.ChunkSize,
		planner:            chunker.NewPlanner(opts.ChunkThreshold),
		logger:             opts.Logger,
		outgoing:           make(map[string]*outgoingEntry),
		incoming:           make(map[string]*incomingEntry),
		onItemReceived:     opts.OnItemReceived,
		onTransferProgress: opts.OnTransferProgress,
		onTransferError:    opts.OnTransferError,
	}
	e.resume()
	return e, nil
}

// resume restores incoming tasks from transfer_state.json, coercing their
// state to Paused and rebinding their partial-data sidecars.
func (e *Engine) resume() {
	state := loadState(e.baseDir, e.logger)
	for id, task := range state.Incoming {
		task.State = models.TransferStatePaused
		buffer := &models.ReceiveBuffer{Data: loadPartial(e.baseDir, id, task.Plan.FileSize)}
		e.incoming[id] = &incomingEntry{task: task, buffer: buffer}
		e.logger.Printf("[transfer] resumed incoming transfer %s (%s), %d/%d chunks", id, task.Plan.Filename, task.TransferredChunks, task.Plan.TotalChunks())
	}
}

// NeedsChunking reports whether a payload of size bytes should be sent as a
// chunked transfer rather than inlined in a clipboard message.
func (e *Engine) NeedsChunking(size int64) bool {
	return e.planner.NeedsChunking(size)
}

// PrepareSend builds an outgoing TransferTask for data if it meets the chunk
// threshold. ok is false if data is too small to need chunking.
func (e *Engine) PrepareSend(filename string, data []byte) (task *models.TransferTask, ok bool) {
	if !e.planner.NeedsChunking(int64(len(data))) {
		return nil, false
	}
	plan := e.planner.Plan(filename, data, e.chunkSize)
	t := models.NewTransferTask(plan, true)

	e.mu.Lock()
	e.outgoing[plan.TransferID] = &outgoingEntry{task: t, data: data}
	e.mu.Unlock()
	return t, true
}

// TransferInitMessage builds the descriptor-only chunked_transfer_init
// envelope for an outgoing task.
func TransferInitMessage(task *models.TransferTask) message.ChunkInit {
	descs := make([]message.ChunkDescriptor, len(task.Plan.Chunks))
	for i, c := range task.Plan.Chunks {
		descs[i] = message.ChunkDescriptor{ChunkIndex: c.Index, Offset: c.Offset, Size: c.Size, Checksum: c.Checksum}
	}
	return message.ChunkInit{
		Type:        message.TypeChunkedTransferInit,
		TransferID:  task.Plan.TransferID,
		Filename:    task.Plan.Filename,
		FileSize:    task.Plan.FileSize,
		FileHash:    task.Plan.FileHash,
		TotalChunks: task.Plan.TotalChunks(),
		ChunkSize:   task.Plan.ChunkSize,
		Chunks:      descs,
	}
}

// ChunkPayload slices the source bytes for one chunk of an outgoing transfer
// and Codec-encodes them. Pure: it does not mutate task state.
func (e *Engine) ChunkPayload(transferID string, index int) (message.ChunkData, error) {
	e.mu.Lock()
	entry, ok := e.outgoing[transferID]
	e.mu.Unlock()
	if !ok {
		return message.ChunkData{}, ErrUnknownTransfer
	}
	if index < 0 || index >= len(entry.task.Plan.Chunks) {
		return message.ChunkData{}, ErrChunkIndexOutOfRange
	}

	desc := entry.task.Plan.Chunks[index]
	window := entry.data[desc.Offset : desc.Offset+desc.Size]
	encoded, compressed := codec.Encode(window)

	return message.ChunkData{
		Type:       message.TypeChunkData,
		TransferID: transferID,
		ChunkIndex: desc.Index,
		Offset:     desc.Offset,
		Size:       desc.Size,
		Checksum:   desc.Checksum,
		Data:       encoded,
		Compressed: compressed,
	}, nil
}

// MarkChunkSent records that chunk index has been transmitted on an
// outgoing transfer, transitioning Pending→Transferring on the first chunk
// and →Completed once every chunk has been sent.
func (e *Engine) MarkChunkSent(transferID string, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.outgoing[transferID]
	if !ok {
		return ErrUnknownTransfer
	}
	if index < 0 || index >= len(entry.task.Transferred) {
		return ErrChunkIndexOutOfRange
	}
	if entry.task.Transferred[index] {
		return nil
	}

	entry.task.Transferred[index] = true
	entry.task.TransferredChunks++
	entry.task.UpdatedAt = time.Now()
	if entry.task.State == models.TransferStatePending {
		entry.task.State = models.TransferStateTransferring
	}
	if entry.task.TransferredChunks == entry.task.Plan.TotalChunks() && entry.task.State != models.TransferStateCancelled {
		entry.task.State = models.TransferStateCompleted
		now := time.Now()
		entry.task.CompletedAt = &now
	}
	return nil
}

// MarkChunkAcked records that the receiver has confirmed chunk index. For a
// hub-originated outgoing transfer, ack count (not send count) drives
// end-to-end completion; callers compute that split themselves from
// AckProgress.
func (e *Engine) MarkChunkAcked(transferID string, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.outgoing[transferID]
	if !ok {
		return ErrUnknownTransfer
	}
	if index < 0 || index >= len(entry.task.Acked) {
		return ErrChunkIndexOutOfRange
	}
	if entry.task.Acked[index] {
		return nil
	}
	entry.task.Acked[index] = true
	entry.task.AckedChunks++
	entry.task.UpdatedAt = time.Now()
	return nil
}

// OutgoingTask returns the in-progress outgoing task for transferID, if any.
func (e *Engine) OutgoingTask(transferID string) (*models.TransferTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.outgoing[transferID]
	if !ok {
		return nil, false
	}
	return entry.task, true
}

// HandleTransferInit implements the receiver's idempotent resume rule: a
// Paused incoming task with matching transfer_id and file_hash resumes
// (returning only missing indices); otherwise a fresh task is allocated.
func (e *Engine) HandleTransferInit(init message.ChunkInit) message.ChunkedTransferAck {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.incoming[init.TransferID]; ok &&
		existing.task.State == models.TransferStatePaused &&
		existing.task.Plan.FileHash == init.FileHash {
		existing.task.State = models.TransferStateTransferring
		existing.task.UpdatedAt = time.Now()
		return message.ChunkedTransferAck{
			Type:         message.TypeChunkedTransferAck,
			TransferID:   init.TransferID,
			NeededChunks: existing.task.MissingIndices(),
		}
	}

	plan := models.ChunkPlan{
		TransferID: init.TransferID,
		Filename:   init.Filename,
		FileSize:   init.FileSize,
		FileHash:   init.FileHash,
		ChunkSize:  init.ChunkSize,
		Chunks:     make([]models.ChunkDescriptor, len(init.Chunks)),
	}
	for i, c := range init.Chunks {
		plan.Chunks[i] = models.ChunkDescriptor{Index: c.ChunkIndex, Offset: c.Offset, Size: c.Size, Checksum: c.Checksum}
	}

	task := models.NewTransferTask(plan, false)
	buffer := models.NewReceiveBuffer(plan.FileSize)
	e.incoming[init.TransferID] = &incomingEntry{task: task, buffer: buffer}
	if err := e.saveStateLocked(); err != nil {
		e.logger.Printf("[transfer] failed to persist state for new incoming transfer %s: %v", init.TransferID, err)
	}

	needed := make([]int, plan.TotalChunks())
	for i := range needed {
		needed[i] = i
	}
	return message.ChunkedTransferAck{
		Type:         message.TypeChunkedTransferAck,
		TransferID:   init.TransferID,
		NeededChunks: needed,
	}
}

// ChunkResult is the outcome of HandleChunkData: exactly one of Ack, Nack is
// always set; Complete and TransferErr are set only on the final chunk.
type ChunkResult struct {
	Ack         *message.ChunkAck
	Nack        *message.ChunkNack
	Complete    *message.TransferComplete
	TransferErr *message.TransferError
}

// HandleChunkData decodes, verifies, and stores one incoming chunk. On the
// final chunk it verifies the whole-file hash and fires OnItemReceived or
// OnTransferError accordingly.
func (e *Engine) HandleChunkData(data message.ChunkData) (ChunkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.incoming[data.TransferID]
	if !ok {
		return ChunkResult{}, ErrUnknownTransfer
	}

	raw, err := codec.Decode(data.Data, data.Compressed)
	if err != nil {
		return ChunkResult{Nack: &message.ChunkNack{
			Type: message.TypeChunkNack, TransferID: data.TransferID, ChunkIndex: data.ChunkIndex, Error: message.NackDecodeError,
		}}, nil
	}

	desc := models.ChunkDescriptor{Index: data.ChunkIndex, Offset: data.Offset, Size: data.Size, Checksum: data.Checksum}
	if !e.planner.VerifyChunk(raw, desc) {
		return ChunkResult{Nack: &message.ChunkNack{
			Type: message.TypeChunkNack, TransferID: data.TransferID, ChunkIndex: data.ChunkIndex, Error: message.NackChecksumError,
		}}, nil
	}

	if err := entry.buffer.WriteAt(data.Offset, raw); err != nil {
		return ChunkResult{Nack: &message.ChunkNack{
			Type: message.TypeChunkNack, TransferID: data.TransferID, ChunkIndex: data.ChunkIndex, Error: message.NackChecksumError,
		}}, nil
	}

	if data.ChunkIndex >= 0 && data.ChunkIndex < len(entry.task.Transferred) && !entry.task.Transferred[data.ChunkIndex] {
		entry.task.Transferred[data.ChunkIndex] = true
		entry.task.TransferredChunks++
	}
	entry.task.State = models.TransferStateTransferring
	entry.task.UpdatedAt = time.Now()
	entry.writesSinceSave++

	ack := &message.ChunkAck{Type: message.TypeChunkAck, TransferID: data.TransferID, ChunkIndex: data.ChunkIndex}

	if entry.task.TransferredChunks < entry.task.Plan.TotalChunks() {
		if entry.writesSinceSave >= saveEveryNChunks {
			e.persistIncomingLocked(data.TransferID, entry)
		}
		return ChunkResult{Ack: ack}, nil
	}

	// final chunk: verify whole-file integrity
	if !e.planner.VerifyWhole(entry.buffer.Data, entry.task.Plan) {
		entry.task.State = models.TransferStateFailed
		entry.task.ErrorMessage = "hash_mismatch"
		e.persistIncomingLocked(data.TransferID, entry)
		if e.onTransferError != nil {
			e.onTransferError(data.TransferID, "hash_mismatch")
		}
		return ChunkResult{
			Ack:         ack,
			TransferErr: &message.TransferError{Type: message.TypeTransferError, TransferID: data.TransferID, Error: "hash_mismatch"},
		}, nil
	}

	entry.task.State = models.TransferStateCompleted
	now := time.Now()
	entry.task.CompletedAt = &now

	item := clipitem.FromReceivedFiles([]clipitem.FileBlob{{
		Name:  clipitem.SanitizeFilename(entry.task.Plan.Filename),
		Bytes: entry.buffer.Data,
	}}, clipitem.SourceRemote)
	if e.onItemReceived != nil {
		e.onItemReceived(item)
	}

	delete(e.incoming, data.TransferID)
	e.removeDiskArtifactsLocked(data.TransferID)

	return ChunkResult{
		Ack: ack,
		Complete: &message.TransferComplete{
			Type: message.TypeTransferComplete, TransferID: data.TransferID,
			Filename: entry.task.Plan.Filename, FileSize: entry.task.Plan.FileSize,
		},
	}, nil
}

// persistIncomingLocked saves both the task state and the partial buffer for
// an incoming transfer. Must be called with e.mu held.
func (e *Engine) persistIncomingLocked(transferID string, entry *incomingEntry) {
	entry.writesSinceSave = 0
	if err := e.savePartialLocked(transferID, entry.buffer.Data); err != nil {
		e.logger.Printf("[transfer] failed to persist partial buffer for %s: %v", transferID, err)
	}
	if err := e.saveStateLocked(); err != nil {
		e.logger.Printf("[transfer] failed to persist state for %s: %v", transferID, err)
	}
}

// Cancel terminates a transfer (outgoing or incoming) and removes its disk
// artifacts. Returns false if transferID is unknown.
func (e *Engine) Cancel(transferID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	found := false
	if entry, ok := e.outgoing[transferID]; ok {
		entry.task.State = models.TransferStateCancelled
		delete(e.outgoing, transferID)
		found = true
	}
	if _, ok := e.incoming[transferID]; ok {
		delete(e.incoming, transferID)
		e.removeDiskArtifactsLocked(transferID)
		found = true
	}
	return found
}
