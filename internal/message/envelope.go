// Package message defines the wire schema shared by every PeerSession and
// the Hub: one JSON object per message, tagged by a required "type" field,
// matching the canonical message table of the sync protocol.
package message

import (
	"encoding/json"
	"fmt"
)

// Type enumerates every message type on the wire.
type Type string

const (
	TypeAuth                Type = "auth"
	TypePing                Type = "ping"
	TypePong                Type = "pong"
	TypeClipboard           Type = "clipboard"
	TypeChunkedTransferInit Type = "chunked_transfer_init"
	TypeChunkedTransferAck  Type = "chunked_transfer_ack"
	TypeChunkData           Type = "chunk_data"
	TypeChunkAck            Type = "chunk_ack"
	TypeChunkNack           Type = "chunk_nack"
	TypeTransferComplete    Type = "transfer_complete"
	TypeTransferError       Type = "transfer_error"
)

// ContentType enumerates the clipboard variants a clipboard message carries.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentFiles ContentType = "files"
)

// NackReason enumerates the reasons a receiver can reject a chunk.
type NackReason string

const (
	NackDecodeError   NackReason = "decode_error"
	NackChecksumError NackReason = "checksum_error"
)

// Envelope is the minimal shape every message shares: enough to read `type`
// before deciding how to unmarshal the rest.
type Envelope struct {
	Type Type `json:"type"`
}

// AuthRequest is sent spoke→hub as the first message on an authenticated
// session.
type AuthRequest struct {
	Type     Type   `json:"type"`
	Password string `json:"password"`
}

// NewAuthRequest builds an AuthRequest envelope.
func NewAuthRequest(password string) AuthRequest {
	return AuthRequest{Type: TypeAuth, Password: password}
}

// AuthResponse is sent hub→spoke in reply to AuthRequest.
type AuthResponse struct {
	Type    Type `json:"type"`
	Success bool `json:"success"`
}

// NewAuthResponse builds an AuthResponse envelope.
func NewAuthResponse(success bool) AuthResponse {
	return AuthResponse{Type: TypeAuth, Success: success}
}

// Ping is an empty liveness probe in either direction.
type Ping struct {
	Type Type `json:"type"`
}

// NewPing builds a Ping envelope.
func NewPing() Ping { return Ping{Type: TypePing} }

// Pong answers a Ping.
type Pong struct {
	Type Type `json:"type"`
}

// NewPong builds a Pong envelope.
func NewPong() Pong { return Pong{Type: TypePong} }

// ClipboardFile is one entry of a small-file clipboard bundle.
type ClipboardFile struct {
	Filename   string `json:"filename"`
	Content    string `json:"content"`
	Compressed bool   `json:"compressed"`
	Size       int64  `json:"size"`
}

// Clipboard carries a text, image, or small-file-bundle clipboard item.
type Clipboard struct {
	Type        Type            `json:"type"`
	ContentType ContentType     `json:"content_type"`
	ContentHash string          `json:"content_hash"`
	Timestamp   int64           `json:"timestamp"`
	Compressed  bool            `json:"compressed"`
	Content     string          `json:"content,omitempty"`
	ImageData   string          `json:"image_data,omitempty"`
	Files       []ClipboardFile `json:"files,omitempty"`
	FilePaths   []string        `json:"file_paths,omitempty"`
}

// ChunkInit describes a chunked transfer about to begin.
type ChunkInit struct {
	Type        Type              `json:"type"`
	TransferID  string            `json:"transfer_id"`
	Filename    string            `json:"filename"`
	FileSize    int64             `json:"file_size"`
	FileHash    string            `json:"file_hash"`
	TotalChunks int               `json:"total_chunks"`
	ChunkSize   int64             `json:"chunk_size"`
	Chunks      []ChunkDescriptor `json:"chunks"`
}

// ChunkDescriptor mirrors transfermodel.ChunkDescriptor on the wire.
type ChunkDescriptor struct {
	ChunkIndex int    `json:"chunk_index"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
}

// ChunkedTransferAck tells the sender which chunk indices are still needed.
type ChunkedTransferAck struct {
	Type         Type   `json:"type"`
	TransferID   string `json:"transfer_id"`
	NeededChunks []int  `json:"needed_chunks"`
}

// ChunkData carries one chunk's encoded bytes.
type ChunkData struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	Data       string `json:"data"`
	Compressed bool   `json:"compressed"`
}

// ChunkAck confirms receipt of one chunk.
type ChunkAck struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// ChunkNack rejects one chunk.
type ChunkNack struct {
	Type       Type       `json:"type"`
	TransferID string     `json:"transfer_id"`
	ChunkIndex int        `json:"chunk_index"`
	Error      NackReason `json:"error"`
}

// TransferComplete signals the final chunk of a transfer has been verified.
type TransferComplete struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
}

// TransferError signals an unrecoverable, whole-transfer failure.
type TransferError struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
	Error      string `json:"error"`
}

// PeekType reads just the `type` field from a raw JSON message so the caller
// can dispatch to the right concrete envelope.
func PeekType(raw []byte) (Type, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", fmt.Errorf("message: invalid json: %w", err)
	}
	if e.Type == "" {
		return "", fmt.Errorf("message: missing required type field")
	}
	return e.Type, nil
}
