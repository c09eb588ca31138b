// Package models holds the chunked-transfer data types shared between the
// chunker, the transfer engine, and the hub's routing table.
package models

import (
	"errors"
	"time"
)

// TransferState is the lifecycle state of a TransferTask.
type TransferState string

const (
	TransferStatePending      TransferState = "pending"
	TransferStateTransferring TransferState = "transferring"
	TransferStatePaused       TransferState = "paused"
	TransferStateCompleted    TransferState = "completed"
	TransferStateFailed       TransferState = "failed"
	TransferStateCancelled    TransferState = "cancelled"
)

// ChunkDescriptor describes one slice of a chunked file.
type ChunkDescriptor struct {
	Index    int    `json:"chunk_index"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"` // hex MD5 of the byte window
}

// Validate checks structural invariants of a ChunkDescriptor.
func (c *ChunkDescriptor) Validate() error {
	if c.Index < 0 {
		return errors.New("models: chunk index must be non-negative")
	}
	if c.Offset < 0 {
		return errors.New("models: chunk offset must be non-negative")
	}
	if c.Size <= 0 {
		return errors.New("models: chunk size must be greater than zero")
	}
	if c.Checksum == "" {
		return errors.New("models: chunk checksum must not be empty")
	}
	return nil
}

// ChunkPlan is the descriptor-only layout of a chunked transfer, derived from
// a byte sequence and a configured chunk size.
type ChunkPlan struct {
	TransferID string            `json:"transfer_id"`
	Filename   string            `json:"filename"`
	FileSize   int64             `json:"file_size"`
	FileHash   string            `json:"file_hash"` // hex MD5 over the full byte sequence
	ChunkSize  int64             `json:"chunk_size"`
	Chunks     []ChunkDescriptor `json:"chunks"`
}

// Validate checks structural invariants of a ChunkPlan: contiguous,
// non-overlapping coverage of [0, FileSize) in index order.
func (p *ChunkPlan) Validate() error {
	if p.TransferID == "" {
		return errors.New("models: transfer id must not be empty")
	}
	if p.Filename == "" {
		return errors.New("models: filename must not be empty")
	}
	if p.FileSize <= 0 {
		return errors.New("models: file size must be greater than zero")
	}
	if p.FileHash == "" {
		return errors.New("models: file hash must not be empty")
	}
	if len(p.Chunks) == 0 {
		return errors.New("models: chunk plan must have at least one chunk")
	}
	var offset int64
	for i, c := range p.Chunks {
		if err := c.Validate(); err != nil {
			return err
		}
		if c.Index != i {
			return errors.New("models: chunk indices must be contiguous starting at 0")
		}
		if c.Offset != offset {
			return errors.New("models: chunk offsets must cover the file contiguously without overlap")
		}
		offset += c.Size
	}
	if offset != p.FileSize {
		return errors.New("models: chunk coverage must sum to file size")
	}
	return nil
}

// TotalChunks returns the number of chunks in the plan.
func (p *ChunkPlan) TotalChunks() int {
	return len(p.Chunks)
}

// TransferTask is the lifecycle record for one outgoing or incoming chunked
// transfer.
type TransferTask struct {
	Plan              ChunkPlan     `json:"plan"`
	State             TransferState `json:"state"`
	Outgoing          bool          `json:"outgoing"`
	Transferred       []bool        `json:"transferred"` // outgoing: sent; incoming: received & validated
	Acked             []bool        `json:"acked"`       // outgoing only: receiver confirmed
	TransferredChunks int           `json:"transferred_chunks"`
	AckedChunks       int           `json:"acked_chunks"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
}

// NewTransferTask builds a Pending task for the given plan.
func NewTransferTask(plan ChunkPlan, outgoing bool) *TransferTask {
	now := time.Now()
	return &TransferTask{
		Plan:        plan,
		State:       TransferStatePending,
		Outgoing:    outgoing,
		Transferred: make([]bool, plan.TotalChunks()),
		Acked:       make([]bool, plan.TotalChunks()),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Progress returns transferred_chunks / total_chunks, or 0 if the plan is empty.
func (t *TransferTask) Progress() float64 {
	total := t.Plan.TotalChunks()
	if total == 0 {
		return 0
	}
	return float64(t.TransferredChunks) / float64(total)
}

// AckProgress returns acked_chunks / total_chunks, used for hub-originated
// outgoing transfers where completion is ack-driven rather than send-driven.
func (t *TransferTask) AckProgress() float64 {
	total := t.Plan.TotalChunks()
	if total == 0 {
		return 0
	}
	return float64(t.AckedChunks) / float64(total)
}

// MissingIndices returns the indices not yet marked transferred, in order.
func (t *TransferTask) MissingIndices() []int {
	var missing []int
	for i, done := range t.Transferred {
		if !done {
			missing = append(missing, i)
		}
	}
	return missing
}

// IsTerminal reports whether the task has reached a terminal state.
func (t *TransferTask) IsTerminal() bool {
	switch t.State {
	case TransferStateCompleted, TransferStateFailed, TransferStateCancelled:
		return true
	default:
		return false
	}
}

// Validate checks structural invariants of a TransferTask.
func (t *TransferTask) Validate() error {
	if err := t.Plan.Validate(); err != nil {
		return err
	}
	switch t.State {
	case TransferStatePending, TransferStateTransferring, TransferStatePaused,
		TransferStateCompleted, TransferStateFailed, TransferStateCancelled:
	default:
		return errors.New("models: invalid transfer state")
	}
	if len(t.Transferred) != t.Plan.TotalChunks() {
		return errors.New("models: transferred flags must match chunk count")
	}
	if t.TransferredChunks < 0 || t.TransferredChunks > t.Plan.TotalChunks() {
		return errors.New("models: transferred chunk count out of range")
	}
	return nil
}

// ReceiveBuffer is a pre-allocated mutable byte buffer that incoming chunks
// are written into at their declared offset.
type ReceiveBuffer struct {
	Data []byte
}

// NewReceiveBuffer allocates a zeroed buffer of the given size.
func NewReceiveBuffer(size int64) *ReceiveBuffer {
	return &ReceiveBuffer{Data: make([]byte, size)}
}

// WriteAt copies chunk bytes into the buffer at offset. It returns an error
// if the window falls outside the buffer.
func (b *ReceiveBuffer) WriteAt(offset int64, data []byte) error {
	end := offset + int64(len(data))
	if offset < 0 || end > int64(len(b.Data)) {
		return errors.New("models: chunk write window out of bounds")
	}
	copy(b.Data[offset:end], data)
	return nil
}

// HubTransferRoute records, per active transfer at the hub, which session (if
// any) originated it. A nil OriginSessionID denotes a hub-originated
// transfer; a non-nil one denotes a relay from that spoke.
type HubTransferRoute struct {
	TransferID      string
	OriginSessionID *string
	Filename        string
	// PendingChunks is the hub-originated batch sender's outstanding
	// chunk-index worklist for the current receiver.
	PendingChunks []int
}

// IsHubOriginated reports whether the hub itself is the source of this
// transfer (as opposed to relaying from a spoke).
func (r *HubTransferRoute) IsHubOriginated() bool {
	return r.OriginSessionID == nil
}

// SessionState is the per-peer-session bookkeeping: auth completion,
// echo-suppression history, reconnect backoff, and liveness.
type SessionState struct {
	AuthPhaseCompleted bool
	// RecentHashes is a small ring of the most recently processed content
	// hashes (sent or received on this session), used for echo suppression.
	// A ring of several entries closes the ABA gap a single last-seen-hash
	// leaves open, while the most recent entry alone still satisfies the
	// plain last-seen-hash invariant.
	RecentHashes     []string
	ReconnectBackoff time.Duration
	LastPingAt       time.Time
	LastPongAt       time.Time
}

const recentHashRingSize = 8

// NewSessionState returns a zero-value SessionState ready for use.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// RememberHash pushes a hash onto the ring, evicting the oldest entry once
// full.
func (s *SessionState) RememberHash(hash string) {
	s.RecentHashes = append(s.RecentHashes, hash)
	if len(s.RecentHashes) > recentHashRingSize {
		s.RecentHashes = s.RecentHashes[len(s.RecentHashes)-recentHashRingSize:]
	}
}

// HasSeenHash reports whether hash is in the recent ring.
func (s *SessionState) HasSeenHash(hash string) bool {
	for _, h := range s.RecentHashes {
		if h == hash {
			return true
		}
	}
	return false
}
