// Package chunker splits byte sequences into checksum-verified chunk plans
// and verifies them on the receiving side.
package chunker

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/google/uuid"

	models "github.com/clipmesh/clipmesh/pkg/transfermodel"
)

// Planner is the ChunkPlanner component (C3): split/reassemble plus
// per-chunk and whole-file digests.
type Planner interface {
	// Plan populates a ChunkPlan's descriptors over [0, len(data)) using the
	// given chunk size, assigning a fresh random transfer_id.
	Plan(filename string, data []byte, chunkSize int64) models.ChunkPlan
	// NeedsChunking reports whether size is large enough to require a
	// chunked transfer rather than an inline send.
	NeedsChunking(size int64) bool
	// VerifyChunk recomputes the MD5 of the given bytes and compares it to
	// the descriptor's checksum.
	VerifyChunk(data []byte, descriptor models.ChunkDescriptor) bool
	// VerifyWhole recomputes the MD5 over the full buffer and compares it to
	// the plan's file_hash.
	VerifyWhole(data []byte, plan models.ChunkPlan) bool
}

type planner struct {
	chunkThreshold int64
}

// NewPlanner returns a Planner that treats any payload >= chunkThreshold
// bytes as requiring chunked transfer.
func NewPlanner(chunkThreshold int64) Planner {
	return &planner{chunkThreshold: chunkThreshold}
}

func (p *planner) NeedsChunking(size int64) bool {
	return size >= p.chunkThreshold
}

func (p *planner) Plan(filename string, data []byte, chunkSize int64) models.ChunkPlan {
	if chunkSize <= 0 {
		chunkSize = p.chunkThreshold
	}

	var (
		offset int64
		index  int
		descs  []models.ChunkDescriptor
		total  = int64(len(data))
	)
	for offset < total {
		size := chunkSize
		if remaining := total - offset; remaining < size {
			size = remaining
		}
		window := data[offset : offset+size]
		descs = append(descs, models.ChunkDescriptor{
			Index:    index,
			Offset:   offset,
			Size:     size,
			Checksum: hashHex(window),
		})
		offset += size
		index++
	}

	return models.ChunkPlan{
		TransferID: uuid.NewString(),
		Filename:   filename,
		FileSize:   total,
		FileHash:   hashHex(data),
		ChunkSize:  chunkSize,
		Chunks:     descs,
	}
}

func (p *planner) VerifyChunk(data []byte, descriptor models.ChunkDescriptor) bool {
	return hashHex(data) == descriptor.Checksum
}

func (p *planner) VerifyWhole(data []byte, plan models.ChunkPlan) bool {
	return hashHex(data) == plan.FileHash
}

func hashHex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
