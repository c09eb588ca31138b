// Package hub implements the Hub component (C7): the peer that accepts many
// PeerSessions, relays clipboard and chunked-transfer messages between
// spokes, and can itself originate a chunked transfer toward every connected
// spoke.
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/clipmesh/clipmesh/internal/codec"
	"github.com/clipmesh/clipmesh/internal/message"
	"github.com/clipmesh/clipmesh/internal/peer"
	"github.com/clipmesh/clipmesh/internal/transfer"
	"github.com/clipmesh/clipmesh/pkg/clipitem"
	models "github.com/clipmesh/clipmesh/pkg/transfermodel"
	"github.com/clipmesh/clipmesh/pkg/utils"
)

const (
	batchSize       = 3
	interChunkDelay = 50 * time.Millisecond
	interBatchDelay = 100 * time.Millisecond
)

// Options configures a Hub.
type Options struct {
	Password       string
	ChunkThreshold int64
	ChunkSize      int64
	BaseDir        string
	Logger         *log.Logger

	// OnTransferProgress fires for hub-originated transfers, percent in
	// [0,100] split 0-50% send / 50-100% ack.
	OnTransferProgress func(transferID string, percent float64)
	OnLog              func(line string)
}

type clientConn struct {
	id      string
	session *peer.Session
}

// Hub is the single mutable owner of the clients set and the routes map.
type Hub struct {
	cfg      Options
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu         sync.RWMutex
	clients    map[string]*clientConn
	sessionIDs map[*peer.Session]string
	routes     map[string]*models.HubTransferRoute

	// engine backs transfers the hub itself originates (origin = nil route).
	engine *transfer.Engine
}

// New creates a Hub rooted at opts.BaseDir for its own outgoing-transfer
// state.
func New(opts Options) (*Hub, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	engine, err := transfer.NewEngine(transfer.Options{
		BaseDir:        filepath.Join(opts.BaseDir, "_hub"),
		ChunkThreshold: opts.ChunkThreshold,
		ChunkSize:      opts.ChunkSize,
		Logger:         opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("hub: create transfer engine: %w", err)
	}
	return &Hub{
		cfg:        opts,
		logger:     opts.Logger,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		clients:    make(map[string]*clientConn),
		sessionIDs: make(map[*peer.Session]string),
		routes:     make(map[string]*models.HubTransferRoute),
		engine:     engine,
	}, nil
}

// RegisterRoutes registers the websocket upgrade endpoint and the read-only
// status endpoint on mux.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleWebSocket)
	mux.HandleFunc("/status", h.handleStatus)
}

// ClientCount returns the number of currently connected peer sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[hub] upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	var sess *peer.Session
	cfg := peer.Config{
		Password:       h.cfg.Password,
		ChunkThreshold: h.cfg.ChunkThreshold,
		ChunkSize:      h.cfg.ChunkSize,
		BaseDir:        filepath.Join(h.cfg.BaseDir, id),
		Logger:         h.logger,
		Callbacks: peer.Callbacks{
			OnConnected: func(ok bool) {
				if ok {
					h.addClient(id, sess)
				} else {
					h.removeClient(id)
				}
			},
			OnLog: h.cfg.OnLog,
		},
		Handlers: peer.Handlers{
			OnClipboard:           h.onClipboard,
			OnChunkedTransferInit: h.onChunkedTransferInit,
			OnChunkedTransferAck:  h.onChunkedTransferAck,
			OnChunkData:           h.onChunkData,
			OnChunkAck:            h.onChunkAck,
			OnChunkNack:           h.onChunkNack,
			OnTransferComplete:    h.onTransferComplete,
			OnTransferError:       h.onTransferError,
		},
	}

	s, err := peer.NewAccepted(conn, cfg)
	if err != nil {
		h.logger.Printf("[hub] accept session: %v", err)
		conn.Close()
		return
	}
	sess = s
	s.Start()
}

func (h *Hub) addClient(id string, s *peer.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[id] = &clientConn{id: id, session: s}
	h.sessionIDs[s] = id
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.sessionIDs, c.session)
		delete(h.clients, id)
	}
}

func (h *Hub) idFor(s *peer.Session) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.sessionIDs[s]
	return id, ok
}

func (h *Hub) sessionByID(id string) *peer.Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[id]; ok {
		return c.session
	}
	return nil
}

// broadcastExcept writes raw (an already-serialized envelope) to every
// connected client other than except.
func (h *Hub) broadcastExcept(except *peer.Session, raw []byte) {
	h.mu.RLock()
	targets := make([]*peer.Session, 0, len(h.clients))
	for _, c := range h.clients {
		if c.session != except {
			targets = append(targets, c.session)
		}
	}
	h.mu.RUnlock()
	for _, t := range targets {
		if err := t.SendRaw(raw); err != nil {
			h.logger.Printf("[hub] broadcast write failed: %v", err)
		}
	}
}

func (h *Hub) broadcastAll(raw []byte) {
	h.broadcastExcept(nil, raw)
}

// onClipboard relays a small-payload clipboard envelope from S verbatim to
// every other client.
func (h *Hub) onClipboard(s *peer.Session, raw []byte, _ message.Clipboard) {
	h.broadcastExcept(s, raw)
}

// onChunkedTransferInit records the route for a spoke-originated transfer
// and broadcasts the descriptor to every other client.
func (h *Hub) onChunkedTransferInit(s *peer.Session, init message.ChunkInit) {
	id, ok := h.idFor(s)
	if !ok {
		return
	}
	origin := id
	h.mu.Lock()
	h.routes[init.TransferID] = &models.HubTransferRoute{
		TransferID:      init.TransferID,
		OriginSessionID: &origin,
		Filename:        init.Filename,
	}
	h.mu.Unlock()

	raw, err := json.Marshal(init)
	if err != nil {
		h.logger.Printf("[hub] marshal chunked_transfer_init: %v", err)
		return
	}
	h.broadcastExcept(s, raw)
}

// onChunkedTransferAck either kicks off the hub's own batch sender (for a
// hub-originated transfer) or forwards the ack back to the spoke that
// originated it (relay case).
func (h *Hub) onChunkedTransferAck(receiver *peer.Session, ack message.ChunkedTransferAck) {
	route := h.routeFor(ack.TransferID)
	if route == nil {
		h.logger.Printf("[hub] chunked_transfer_ack for unknown transfer %s, dropping", ack.TransferID)
		return
	}

	if route.IsHubOriginated() {
		h.mu.Lock()
		route.PendingChunks = ack.NeededChunks
		h.mu.Unlock()
		go h.batchSend(receiver, ack.TransferID, ack.NeededChunks)
		return
	}

	origin := h.sessionByID(*route.OriginSessionID)
	if origin == nil {
		return
	}
	if err := origin.SendEnvelope(ack); err != nil {
		h.logger.Printf("[hub] forward chunked_transfer_ack to origin: %v", err)
	}
}

// onChunkData broadcasts a chunk from its origin to every other client
// (spoke-originated relay case only; the hub's own sends go straight to the
// requesting receiver via batchSend, not through this handler).
func (h *Hub) onChunkData(origin *peer.Session, data message.ChunkData) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("[hub] marshal chunk_data: %v", err)
		return
	}
	h.broadcastExcept(origin, raw)
}

// onChunkAck drives end-to-end progress for a hub-originated transfer (ack
// count, not send count) or forwards to the relay's origin spoke.
func (h *Hub) onChunkAck(receiver *peer.Session, ack message.ChunkAck) {
	route := h.routeFor(ack.TransferID)
	if route == nil {
		h.logger.Printf("[hub] chunk_ack for unknown transfer %s, dropping", ack.TransferID)
		return
	}

	if route.IsHubOriginated() {
		if err := h.engine.MarkChunkAcked(ack.TransferID, ack.ChunkIndex); err != nil {
			h.logger.Printf("[hub] mark chunk acked %s/%d: %v", ack.TransferID, ack.ChunkIndex, err)
			return
		}
		task, ok := h.engine.OutgoingTask(ack.TransferID)
		if !ok {
			return
		}
		if h.cfg.OnTransferProgress != nil {
			h.cfg.OnTransferProgress(ack.TransferID, 50+task.AckProgress()*50)
		}
		if task.AckedChunks == task.Plan.TotalChunks() {
			h.removeRoute(ack.TransferID)
		}
		return
	}

	origin := h.sessionByID(*route.OriginSessionID)
	if origin == nil {
		return
	}
	if err := origin.SendEnvelope(ack); err != nil {
		h.logger.Printf("[hub] forward chunk_ack to origin: %v", err)
	}
}

// onChunkNack resends the specific chunk immediately for a hub-originated
// transfer, or forwards the nack to the relay's origin spoke.
func (h *Hub) onChunkNack(receiver *peer.Session, nack message.ChunkNack) {
	route := h.routeFor(nack.TransferID)
	if route == nil {
		h.logger.Printf("[hub] chunk_nack for unknown transfer %s, dropping", nack.TransferID)
		return
	}

	if route.IsHubOriginated() {
		chunk, err := h.engine.ChunkPayload(nack.TransferID, nack.ChunkIndex)
		if err != nil {
			h.logger.Printf("[hub] resend after nack %s/%d: %v", nack.TransferID, nack.ChunkIndex, err)
			return
		}
		if err := receiver.SendEnvelope(chunk); err != nil {
			h.logger.Printf("[hub] resend after nack write: %v", err)
		}
		return
	}

	origin := h.sessionByID(*route.OriginSessionID)
	if origin == nil {
		return
	}
	if err := origin.SendEnvelope(nack); err != nil {
		h.logger.Printf("[hub] forward chunk_nack to origin: %v", err)
	}
}

// onTransferComplete removes the route and broadcasts the completion to the
// rest of the mesh.
func (h *Hub) onTransferComplete(s *peer.Session, msg message.TransferComplete) {
	h.removeRoute(msg.TransferID)
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("[hub] marshal transfer_complete: %v", err)
		return
	}
	h.broadcastExcept(s, raw)
}

// onTransferError removes the route; a whole-transfer hash mismatch is
// terminal and not retried by the hub.
func (h *Hub) onTransferError(s *peer.Session, msg message.TransferError) {
	h.removeRoute(msg.TransferID)
}

func (h *Hub) routeFor(transferID string) *models.HubTransferRoute {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.routes[transferID]
}

func (h *Hub) removeRoute(transferID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routes, transferID)
}

// batchSend implements the hub's flow-control policy for a hub-originated
// transfer: three chunks per batch, a 50ms pause after each chunk, and a
// 100ms pause between batches.
func (h *Hub) batchSend(dest *peer.Session, transferID string, indices []int) {
	for i := 0; i < len(indices); i += batchSize {
		end := i + batchSize
		if end > len(indices) {
			end = len(indices)
		}
		for _, idx := range indices[i:end] {
			chunk, err := h.engine.ChunkPayload(transferID, idx)
			if err != nil {
				h.logger.Printf("[hub] chunk payload %s/%d: %v", transferID, idx, err)
				return
			}
			if err := dest.SendEnvelope(chunk); err != nil {
				h.logger.Printf("[hub] send chunk %s/%d: %v", transferID, idx, err)
				return
			}
			if err := h.engine.MarkChunkSent(transferID, idx); err != nil {
				h.logger.Printf("[hub] mark chunk sent %s/%d: %v", transferID, idx, err)
			}
			if task, ok := h.engine.OutgoingTask(transferID); ok && h.cfg.OnTransferProgress != nil {
				h.cfg.OnTransferProgress(transferID, task.Progress()*50)
			}
			time.Sleep(interChunkDelay)
		}
		if end < len(indices) {
			time.Sleep(interBatchDelay)
		}
	}
}

// PublishItem originates a clipboard item from the hub's own local
// clipboard, broadcasting small payloads directly and routing any large
// files through PublishFile's chunked-transfer path.
func (h *Hub) PublishItem(item clipitem.ClipboardItem) error {
	switch item.ContentType {
	case clipitem.ContentTypeText:
		encoded, compressed := codec.Encode([]byte(item.Text))
		return h.publishClipboard(message.Clipboard{
			Type: message.TypeClipboard, ContentType: message.ContentText,
			ContentHash: item.ContentHash, Timestamp: item.Timestamp.Unix(),
			Content: encoded, Compressed: compressed,
		})
	case clipitem.ContentTypeImage:
		encoded, compressed := codec.Encode(item.ImageBytes)
		return h.publishClipboard(message.Clipboard{
			Type: message.TypeClipboard, ContentType: message.ContentImage,
			ContentHash: item.ContentHash, Timestamp: item.Timestamp.Unix(),
			ImageData: encoded, Compressed: compressed,
		})
	case clipitem.ContentTypeFiles:
		return h.publishFiles(item)
	default:
		return fmt.Errorf("hub: unknown content type %q", item.ContentType)
	}
}

func (h *Hub) publishClipboard(msg message.Clipboard) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("hub: marshal clipboard: %w", err)
	}
	h.broadcastAll(raw)
	return nil
}

func (h *Hub) publishFiles(item clipitem.ClipboardItem) error {
	var small []clipitem.FileBlob
	for _, f := range item.Files {
		if !h.engine.NeedsChunking(int64(len(f.Bytes))) {
			small = append(small, f)
			continue
		}
		if _, ok := h.PublishFile(f.Name, f.Bytes); !ok {
			return fmt.Errorf("hub: prepare chunked send for %q failed", f.Name)
		}
	}
	if len(small) == 0 {
		return nil
	}
	files := make([]message.ClipboardFile, 0, len(small))
	for _, f := range small {
		encoded, compressed := codec.Encode(f.Bytes)
		files = append(files, message.ClipboardFile{
			Filename: f.Name, Content: encoded, Compressed: compressed, Size: int64(len(f.Bytes)),
		})
	}
	return h.publishClipboard(message.Clipboard{
		Type: message.TypeClipboard, ContentType: message.ContentFiles,
		ContentHash: item.ContentHash, Timestamp: item.Timestamp.Unix(), Files: files,
	})
}

// PublishFile originates a hub-side chunked transfer for a large file: it
// records a hub-originated route (nil origin) and broadcasts the transfer's
// descriptor to every connected spoke.
func (h *Hub) PublishFile(filename string, data []byte) (transferID string, ok bool) {
	task, ok := h.engine.PrepareSend(filename, data)
	if !ok {
		return "", false
	}
	id := task.Plan.TransferID
	h.mu.Lock()
	h.routes[id] = &models.HubTransferRoute{TransferID: id, OriginSessionID: nil, Filename: filename}
	h.mu.Unlock()
	h.logger.Printf("[hub] originating transfer %s for %q (%s)", id, filename, utils.HumanBytes(int64(len(data))))

	raw, err := json.Marshal(transfer.TransferInitMessage(task))
	if err != nil {
		h.logger.Printf("[hub] marshal chunked_transfer_init: %v", err)
		return id, true
	}
	h.broadcastAll(raw)
	return id, true
}
