// Package peer implements PeerSession (C6): one duplex channel between a
// spoke and a hub, covering the connection state machine, auth handshake,
// ping/pong liveness, echo suppression, and clipboard/chunk send-receive.
package peer

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clipmesh/clipmesh/internal/backoff"
	"github.com/clipmesh/clipmesh/internal/codec"
	"github.com/clipmesh/clipmesh/internal/message"
	"github.com/clipmesh/clipmesh/internal/telemetry"
	"github.com/clipmesh/clipmesh/internal/transfer"
	"github.com/clipmesh/clipmesh/pkg/clipitem"
	models "github.com/clipmesh/clipmesh/pkg/transfermodel"
)

// State is the connection state machine's current phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDisconnecting
)

const (
	pingInterval  = 60 * time.Second
	pongTimeout   = 30 * time.Second
	authTimeout   = 10 * time.Second
	chunkPaceGap  = 10 * time.Millisecond
	maxFrameBytes = 10 * 1024 * 1024
)

// Callbacks are the event sink the owner (spoke app or Hub) observes.
type Callbacks struct {
	OnConnected        func(bool)
	OnReconnecting     func()
	OnItemReceived     func(clipitem.ClipboardItem)
	OnTransferProgress func(transferID string, percent float64)
	OnLog              func(line string)
}

// Handlers override the default per-message behavior. A nil field falls
// back to Session's own TransferEngine-backed default, which is correct for
// a spoke talking directly to one hub; for OnTransferComplete and
// OnTransferError there is no default, and a nil field means the message is
// ignored. The Hub supplies its own Handlers to implement cross-session
// relay and routing instead.
type Handlers struct {
	// OnClipboard overrides default clipboard handling (decode + deliver via
	// OnItemReceived). A Hub sets this to relay the envelope verbatim to its
	// other clients instead of materializing it locally.
	OnClipboard           func(s *Session, raw []byte, msg message.Clipboard)
	OnChunkedTransferInit func(s *Session, init message.ChunkInit)
	OnChunkedTransferAck  func(s *Session, ack message.ChunkedTransferAck)
	OnChunkData           func(s *Session, data message.ChunkData)
	OnChunkAck            func(s *Session, ack message.ChunkAck)
	OnChunkNack           func(s *Session, nack message.ChunkNack)
	OnTransferComplete    func(s *Session, msg message.TransferComplete)
	OnTransferError       func(s *Session, msg message.TransferError)
}

// Config configures a Session.
type Config struct {
	// URL dials out as a spoke; leave empty when wrapping an already-accepted
	// hub-side connection via NewAccepted.
	URL            string
	Password       string
	ChunkThreshold int64
	ChunkSize      int64
	BaseDir        string
	Callbacks      Callbacks
	Handlers       Handlers
	Logger         *log.Logger
}

// Session is one duplex channel: PeerSession (C6).
type Session struct {
	cfg      Config
	isServer bool

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	writeMu sync.Mutex

	sessionState *models.SessionState
	engine       *transfer.Engine
	backoffMgr   *backoff.Manager
	telemetry    *telemetry.TelemetryCollector

	stopCh         chan struct{}
	lastPongAt     time.Time
	lastPingSentAt time.Time
	logger         *log.Logger
}

// Telemetry exposes the session's bandwidth/RTT collector, used by a Hub's
// status endpoint.
func (s *Session) Telemetry() *telemetry.TelemetryCollector { return s.telemetry }

// NewSpoke returns a Session that dials cfg.URL and auto-reconnects with
// exponential backoff.
func NewSpoke(cfg Config) (*Session, error) {
	return newSession(cfg, false)
}

// NewAccepted wraps an already-upgraded websocket connection accepted by a
// Hub listener. It does not reconnect on disconnect; the Hub is responsible
// for removing it from its client set.
func NewAccepted(conn *websocket.Conn, cfg Config) (*Session, error) {
	s, err := newSession(cfg, true)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.state = StateConnecting
	return s, nil
}

func newSession(cfg Config, isServer bool) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	engine, err := transfer.NewEngine(transfer.Options{
		BaseDir:            cfg.BaseDir,
		ChunkThreshold:     cfg.ChunkThreshold,
		ChunkSize:          cfg.ChunkSize,
		Logger:             cfg.Logger,
		OnItemReceived:     cfg.Callbacks.OnItemReceived,
		OnTransferProgress: cfg.Callbacks.OnTransferProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("peer: create transfer engine: %w", err)
	}

	return &Session{
		cfg:          cfg,
		isServer:     isServer,
		state:        StateDisconnected,
		sessionState: models.NewSessionState(),
		engine:       engine,
		backoffMgr:   backoff.NewManager(),
		telemetry:    telemetry.NewTelemetryCollector(),
		stopCh:       make(chan struct{}),
		logger:       cfg.Logger,
	}, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the connection lifecycle. For a spoke (NewSpoke) this runs
// the dial-and-reconnect loop in the background; for an accepted connection
// it starts the read loop and liveness ticker directly.
func (s *Session) Start() {
	if s.isServer {
		go s.runAccepted()
		return
	}
	go s.connectLoop()
}

// Stop closes the channel and, for a spoke, breaks the reconnect loop.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateDisconnecting || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnecting
	conn := s.conn
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if conn != nil {
		conn.Close()
	}
	s.setState(StateDisconnected)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) connectLoop() {
	attempt := 0
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if s.backoffMgr.CircuitState(s.cfg.URL) == backoff.CircuitOpen {
			s.logf("[peer] circuit open for %s, holding before trial reconnect", s.cfg.URL)
			select {
			case <-time.After(s.backoffMgr.MaxBackoff):
			case <-s.stopCh:
				return
			}
			s.backoffMgr.HalfOpen(s.cfg.URL)
		}

		attempt++
		s.setState(StateConnecting)
		conn, _, err := websocket.DefaultDialer.Dial(s.cfg.URL, nil)
		if err != nil {
			s.logf("[peer] dial %s failed: %v", s.cfg.URL, err)
			if s.cfg.Callbacks.OnReconnecting != nil {
				s.cfg.Callbacks.OnReconnecting()
			}
			s.backoffMgr.RecordFailure(s.cfg.URL)
			delay := s.backoffMgr.NextBackoff(attempt)
			select {
			case <-time.After(delay):
				continue
			case <-s.stopCh:
				return
			}
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		if err := s.handshakeAsClient(); err != nil {
			s.logf("[peer] handshake failed: %v", err)
			conn.Close()
			if s.cfg.Callbacks.OnConnected != nil {
				s.cfg.Callbacks.OnConnected(false)
			}
			s.backoffMgr.RecordFailure(s.cfg.URL)
			delay := s.backoffMgr.NextBackoff(attempt)
			select {
			case <-time.After(delay):
				continue
			case <-s.stopCh:
				return
			}
		}

		s.backoffMgr.RecordSuccess(s.cfg.URL)
		attempt = 0
		s.setState(StateConnected)
		if s.cfg.Callbacks.OnConnected != nil {
			s.cfg.Callbacks.OnConnected(true)
		}

		s.runConnected()

		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

func (s *Session) runAccepted() {
	if err := s.handshakeAsServer(); err != nil {
		s.logf("[peer] inbound handshake failed: %v", err)
		s.conn.Close()
		return
	}
	s.setState(StateConnected)
	if s.cfg.Callbacks.OnConnected != nil {
		s.cfg.Callbacks.OnConnected(true)
	}
	s.runConnected()
	if s.cfg.Callbacks.OnConnected != nil {
		s.cfg.Callbacks.OnConnected(false)
	}
}

func (s *Session) handshakeAsClient() error {
	s.conn.SetReadLimit(maxFrameBytes)
	if s.cfg.Password == "" {
		return nil
	}
	s.setState(StateAuthenticating)

	if err := s.writeEnvelope(message.NewAuthRequest(s.cfg.Password)); err != nil {
		return err
	}
	s.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("peer: auth response read: %w", err)
	}
	var resp message.AuthResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("peer: auth response decode: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("peer: auth rejected")
	}
	return nil
}

func (s *Session) handshakeAsServer() error {
	s.conn.SetReadLimit(maxFrameBytes)
	if s.cfg.Password == "" {
		return nil
	}
	s.conn.SetReadDeadline(time.Now().Add(authTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("peer: auth request read: %w", err)
	}
	var req message.AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("peer: auth request decode: %w", err)
	}
	success := req.Password == s.cfg.Password
	if err := s.writeEnvelope(message.NewAuthResponse(success)); err != nil {
		return err
	}
	if !success {
		return fmt.Errorf("peer: auth rejected")
	}
	return nil
}

// runConnected drives the read loop and ping ticker until the channel
// closes, then transitions back to Disconnected.
func (s *Session) runConnected() {
	s.mu.Lock()
	s.lastPongAt = time.Now()
	s.mu.Unlock()

	done := make(chan struct{})
	go s.pingLoop(done)
	s.readLoop()
	close(done)

	s.setState(StateDisconnected)
}

func (s *Session) pingLoop(done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			since := time.Since(s.lastPongAt)
			s.mu.Unlock()
			if since > pingInterval+pongTimeout {
				s.logf("[peer] missed pong, closing channel")
				s.conn.Close()
				return
			}
			s.mu.Lock()
			s.lastPingSentAt = time.Now()
			s.mu.Unlock()
			if err := s.writeEnvelope(message.NewPing()); err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logf("[peer] read error: %v", err)
			return
		}
		s.dispatch(raw)
	}
}

func (s *Session) dispatch(raw []byte) {
	typ, err := message.PeekType(raw)
	if err != nil {
		s.logf("[peer] dropping invalid message: %v", err)
		return
	}

	switch typ {
	case message.TypePing:
		s.writeEnvelope(message.NewPong())
	case message.TypePong:
		s.mu.Lock()
		s.lastPongAt = time.Now()
		sentAt := s.lastPingSentAt
		s.mu.Unlock()
		if !sentAt.IsZero() {
			s.telemetry.RecordRTT(time.Since(sentAt))
		}
	case message.TypeClipboard:
		if h := s.cfg.Handlers.OnClipboard; h != nil {
			var msg message.Clipboard
			if json.Unmarshal(raw, &msg) == nil {
				h(s, raw, msg)
			}
			return
		}
		s.handleClipboard(raw)
	case message.TypeChunkedTransferInit:
		var init message.ChunkInit
		if json.Unmarshal(raw, &init) == nil {
			s.handleChunkedTransferInit(init)
		}
	case message.TypeChunkedTransferAck:
		var ack message.ChunkedTransferAck
		if json.Unmarshal(raw, &ack) == nil {
			s.handleChunkedTransferAck(ack)
		}
	case message.TypeChunkData:
		var data message.ChunkData
		if json.Unmarshal(raw, &data) == nil {
			s.handleChunkData(data)
		}
	case message.TypeChunkAck:
		var ack message.ChunkAck
		if json.Unmarshal(raw, &ack) == nil {
			s.handleChunkAck(ack)
		}
	case message.TypeChunkNack:
		var nack message.ChunkNack
		if json.Unmarshal(raw, &nack) == nil {
			s.handleChunkNack(nack)
		}
	case message.TypeTransferComplete:
		var tc message.TransferComplete
		if json.Unmarshal(raw, &tc) == nil && s.cfg.Handlers.OnTransferComplete != nil {
			s.cfg.Handlers.OnTransferComplete(s, tc)
		}
	case message.TypeTransferError:
		var te message.TransferError
		if json.Unmarshal(raw, &te) == nil && s.cfg.Handlers.OnTransferError != nil {
			s.cfg.Handlers.OnTransferError(s, te)
		}
	default:
		// unknown type: forward-compatible no-op
	}
}

func (s *Session) handleClipboard(raw []byte) {
	var msg message.Clipboard
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logf("[peer] invalid clipboard message: %v", err)
		return
	}
	if s.sessionState.HasSeenHash(msg.ContentHash) {
		return
	}
	s.sessionState.RememberHash(msg.ContentHash)

	item, err := decodeClipboardItem(msg)
	if err != nil {
		s.logf("[peer] failed to decode clipboard item: %v", err)
		return
	}
	if s.cfg.Callbacks.OnItemReceived != nil {
		s.cfg.Callbacks.OnItemReceived(item)
	}
}

func decodeClipboardItem(msg message.Clipboard) (clipitem.ClipboardItem, error) {
	switch msg.ContentType {
	case message.ContentText:
		raw, err := codec.Decode(msg.Content, msg.Compressed)
		if err != nil {
			return clipitem.ClipboardItem{}, err
		}
		return clipitem.FromText(string(raw), clipitem.SourceRemote), nil
	case message.ContentImage:
		raw, err := codec.Decode(msg.ImageData, msg.Compressed)
		if err != nil {
			return clipitem.ClipboardItem{}, err
		}
		return clipitem.FromImage(raw, clipitem.SourceRemote), nil
	case message.ContentFiles:
		blobs := make([]clipitem.FileBlob, 0, len(msg.Files))
		for _, f := range msg.Files {
			raw, err := codec.Decode(f.Content, f.Compressed)
			if err != nil {
				return clipitem.ClipboardItem{}, err
			}
			blobs = append(blobs, clipitem.FileBlob{Name: clipitem.SanitizeFilename(f.Filename), Bytes: raw})
		}
		return clipitem.FromReceivedFiles(blobs, clipitem.SourceRemote), nil
	default:
		return clipitem.ClipboardItem{}, fmt.Errorf("peer: unknown content_type %q", msg.ContentType)
	}
}

func (s *Session) handleChunkedTransferInit(init message.ChunkInit) {
	if h := s.cfg.Handlers.OnChunkedTransferInit; h != nil {
		h(s, init)
		return
	}
	ack := s.engine.HandleTransferInit(init)
	s.writeEnvelope(ack)
}

func (s *Session) handleChunkedTransferAck(ack message.ChunkedTransferAck) {
	if h := s.cfg.Handlers.OnChunkedTransferAck; h != nil {
		h(s, ack)
		return
	}
	go s.sendChunksPaced(ack.TransferID, ack.NeededChunks)
}

// sendChunksPaced implements the spoke-originated pacing rule: transmit
// chunks in order with a 10ms intra-send delay.
func (s *Session) sendChunksPaced(transferID string, indices []int) {
	for _, idx := range indices {
		chunk, err := s.engine.ChunkPayload(transferID, idx)
		if err != nil {
			s.logf("[peer] chunk payload %s/%d: %v", transferID, idx, err)
			return
		}
		if err := s.writeEnvelope(chunk); err != nil {
			return
		}
		if err := s.engine.MarkChunkSent(transferID, idx); err != nil {
			s.logf("[peer] mark chunk sent %s/%d: %v", transferID, idx, err)
		}
		if task, ok := s.engine.OutgoingTask(transferID); ok && s.cfg.Callbacks.OnTransferProgress != nil {
			s.cfg.Callbacks.OnTransferProgress(transferID, task.Progress()*100)
		}
		time.Sleep(chunkPaceGap)
	}
}

func (s *Session) handleChunkData(data message.ChunkData) {
	if h := s.cfg.Handlers.OnChunkData; h != nil {
		h(s, data)
		return
	}
	result, err := s.engine.HandleChunkData(data)
	if err != nil {
		s.logf("[peer] unknown transfer %s in chunk_data, dropping", data.TransferID)
		return
	}
	if result.Nack != nil {
		s.writeEnvelope(result.Nack)
		return
	}
	s.writeEnvelope(result.Ack)
	if result.TransferErr != nil {
		s.writeEnvelope(result.TransferErr)
		return
	}
	if result.Complete != nil {
		s.writeEnvelope(result.Complete)
	}
}

func (s *Session) handleChunkAck(ack message.ChunkAck) {
	if h := s.cfg.Handlers.OnChunkAck; h != nil {
		h(s, ack)
		return
	}
	if err := s.engine.MarkChunkAcked(ack.TransferID, ack.ChunkIndex); err != nil {
		s.logf("[peer] mark chunk acked %s/%d: %v", ack.TransferID, ack.ChunkIndex, err)
		return
	}
	if task, ok := s.engine.OutgoingTask(ack.TransferID); ok && s.cfg.Callbacks.OnTransferProgress != nil {
		s.cfg.Callbacks.OnTransferProgress(ack.TransferID, task.AckProgress()*100)
	}
}

func (s *Session) handleChunkNack(nack message.ChunkNack) {
	if h := s.cfg.Handlers.OnChunkNack; h != nil {
		h(s, nack)
		return
	}
	chunk, err := s.engine.ChunkPayload(nack.TransferID, nack.ChunkIndex)
	if err != nil {
		s.logf("[peer] resend after nack %s/%d: %v", nack.TransferID, nack.ChunkIndex, err)
		return
	}
	s.writeEnvelope(chunk)
}

// SendText sends a plain-text clipboard item. A thin convenience wrapper
// around SendItem.
func (s *Session) SendText(text string) error {
	return s.SendItem(clipitem.FromText(text, clipitem.SourceLocal))
}

// SendItem sends a ClipboardItem per the send-path rules: text and images
// are always Codec-encoded (base64, zstd-compressed when that is smaller),
// so even short text is not carried verbatim in the content field; files
// are partitioned into a small bundle plus one chunked TransferTask per
// large file.
func (s *Session) SendItem(item clipitem.ClipboardItem) error {
	if s.sessionState.HasSeenHash(item.ContentHash) {
		return nil
	}
	s.sessionState.RememberHash(item.ContentHash)

	switch item.ContentType {
	case clipitem.ContentTypeText:
		return s.sendText(item)
	case clipitem.ContentTypeImage:
		return s.sendImage(item)
	case clipitem.ContentTypeFiles:
		return s.sendFiles(item)
	default:
		return fmt.Errorf("peer: unknown content type %q", item.ContentType)
	}
}

func (s *Session) sendText(item clipitem.ClipboardItem) error {
	encoded, compressed := codec.Encode([]byte(item.Text))
	msg := message.Clipboard{
		Type: message.TypeClipboard, ContentType: message.ContentText,
		ContentHash: item.ContentHash, Timestamp: item.Timestamp.Unix(),
		Content: encoded, Compressed: compressed,
	}
	return s.writeEnvelope(msg)
}

func (s *Session) sendImage(item clipitem.ClipboardItem) error {
	encoded, compressed := codec.Encode(item.ImageBytes)
	msg := message.Clipboard{
		Type: message.TypeClipboard, ContentType: message.ContentImage,
		ContentHash: item.ContentHash, Timestamp: item.Timestamp.Unix(),
		ImageData: encoded, Compressed: compressed,
	}
	return s.writeEnvelope(msg)
}

func (s *Session) sendFiles(item clipitem.ClipboardItem) error {
	var small []clipitem.FileBlob
	for _, f := range item.Files {
		if !s.engine.NeedsChunking(int64(len(f.Bytes))) {
			small = append(small, f)
			continue
		}
		task, ok := s.engine.PrepareSend(f.Name, f.Bytes)
		if !ok {
			continue
		}
		if err := s.writeEnvelope(transfer.TransferInitMessage(task)); err != nil {
			return err
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
	msg := message.Clipboard{
		Type: message.TypeClipboard, ContentType: message.ContentFiles,
		ContentHash: item.ContentHash, Timestamp: item.Timestamp.Unix(), Files: files,
	}
	return s.writeEnvelope(msg)
}

// Engine exposes the session's own TransferEngine, used by default Handlers
// and by an owning Hub that wants to drive the same engine directly.
func (s *Session) Engine() *transfer.Engine { return s.engine }

// SendEnvelope marshals and writes any envelope value, serializing writes
// against concurrent senders on this session.
func (s *Session) SendEnvelope(v any) error {
	return s.writeEnvelope(v)
}

func (s *Session) writeEnvelope(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("peer: marshal envelope: %w", err)
	}
	return s.SendRaw(raw)
}

// SendRaw writes an already-serialized JSON frame verbatim. A Hub uses this
// to relay an envelope to other clients without decoding and re-encoding it.
func (s *Session) SendRaw(raw []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("peer: no active connection")
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("peer: write message: %w", err)
	}
	s.telemetry.RecordBytesSent(len(raw))
	return nil
}

func (s *Session) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.logger.Print(line)
	if s.cfg.Callbacks.OnLog != nil {
		s.cfg.Callbacks.OnLog(line)
	}
}
