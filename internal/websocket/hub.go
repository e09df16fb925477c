// Package websocket carries the two live surfaces of the pipeline: the
// upload connection that receives audio chunks and the broadcast hub that
// fans transcript events out to session listeners.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Listeners only send pongs and the occasional close frame.
	listenerReadLimit = 1024
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the web client's domains are fixed
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub maintains per-session subscriber sets and fans pipeline events out to
// them. It satisfies the queue manager's Broadcaster.
type Hub struct {
	// Subscribers keyed by session id. Empty sets are pruned.
	sessions map[string]map[*Listener]bool

	// Register requests from listeners.
	register chan *Listener

	// Unregister requests from listeners.
	unregister chan *Listener

	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub creates the broadcast hub. Call Run in a goroutine.
func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		sessions:   make(map[string]map[*Listener]bool),
		register:   make(chan *Listener),
		unregister: make(chan *Listener),
		metrics:    m,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Run processes register and unregister requests until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case listener := <-h.register:
			h.subscribe(listener)
		case listener := <-h.unregister:
			h.unsubscribe(listener)
		case <-h.stop:
			h.closeAll()
			return
		}
	}
}

// Stop shuts the hub down and closes every listener connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) subscribe(listener *Listener) {
	h.mu.Lock()
	set, ok := h.sessions[listener.sessionID]
	if !ok {
		set = make(map[*Listener]bool)
		h.sessions[listener.sessionID] = set
	}
	if set[listener] {
		h.mu.Unlock()
		return
	}
	set[listener] = true
	h.mu.Unlock()

	h.metrics.Subscribers.Inc()
	h.logger.Info("Listener subscribed",
		zap.String("session_id", listener.sessionID))
}

func (h *Hub) unsubscribe(listener *Listener) {
	h.mu.Lock()
	set, ok := h.sessions[listener.sessionID]
	if !ok || !set[listener] {
		h.mu.Unlock()
		return
	}
	delete(set, listener)
	if len(set) == 0 {
		delete(h.sessions, listener.sessionID)
	}
	h.mu.Unlock()

	listener.closeSend()
	h.metrics.Subscribers.Dec()
	h.logger.Info("Listener unsubscribed",
		zap.String("session_id", listener.sessionID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, set := range h.sessions {
		for listener := range set {
			listener.closeSend()
			h.metrics.Subscribers.Dec()
		}
		delete(h.sessions, sessionID)
	}
}

// SubscriberCount reports the number of live listeners for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// Broadcast delivers payload to every listener of one session. A session
// with no listeners is a no-op. A listener whose send buffer is full is
// dropped so one stuck client cannot stall the rest.
func (h *Hub) Broadcast(sessionID string, payload []byte) {
	h.mu.RLock()
	listeners := make([]*Listener, 0, len(h.sessions[sessionID]))
	for listener := range h.sessions[sessionID] {
		listeners = append(listeners, listener)
	}
	h.mu.RUnlock()

	for _, listener := range listeners {
		h.deliver(listener, payload)
	}
}

// BroadcastAll delivers payload to every listener of every session. Used
// for backlog events, which are not scoped to one session.
func (h *Hub) BroadcastAll(payload []byte) {
	h.mu.RLock()
	var listeners []*Listener
	for _, set := range h.sessions {
		for listener := range set {
			listeners = append(listeners, listener)
		}
	}
	h.mu.RUnlock()

	for _, listener := range listeners {
		h.deliver(listener, payload)
	}
}

func (h *Hub) deliver(listener *Listener, payload []byte) {
	if listener.enqueue(payload) {
		return
	}
	h.logger.Warn("Dropping stalled listener",
		zap.String("session_id", listener.sessionID))
	h.unsubscribe(listener)
}

// BroadcastPhase tells a session's listeners its lifecycle phase changed.
func (h *Hub) BroadcastPhase(sessionID, phase string) {
	h.Broadcast(sessionID, marshalPhase(phase))
}

// BroadcastSegment delivers a transcribed segment to a session's listeners.
func (h *Hub) BroadcastSegment(sessionID string, segment *entities.TranscriptSegment) {
	h.Broadcast(sessionID, marshalSegment(segment))
}

// BroadcastTranscriptComplete signals that a completed session's transcript
// is fully drained.
func (h *Hub) BroadcastTranscriptComplete(sessionID string, segmentCount int) {
	h.Broadcast(sessionID, marshalTranscriptComplete(sessionID, segmentCount))
}

// BroadcastError reports a per-chunk pipeline failure to listeners.
func (h *Hub) BroadcastError(sessionID, errType, message string, sequence uint32) {
	h.Broadcast(sessionID, marshalPipelineError(errType, message, sequence))
}

// BroadcastBacklog warns every listener about transcription queue depth.
func (h *Hub) BroadcastBacklog(queueSize int, estimatedWaitMinutes float64) {
	h.BroadcastAll(marshalBacklog(queueSize, estimatedWaitMinutes))
}

// BroadcastBacklogCleared tells every listener the backlog drained.
func (h *Hub) BroadcastBacklogCleared(queueSize int) {
	h.BroadcastAll(marshalBacklogCleared(queueSize))
}

// Listener is one live subscriber connection for a session.
type Listener struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. sendMu orders broadcast
	// sends against the close on unsubscribe; a send may not land after
	// the channel is closed.
	sendMu sync.Mutex
	send   chan []byte
	closed bool

	sessionID string

	logger *zap.Logger
}

// enqueue hands a payload to the write pump. A closed listener swallows the
// payload; a full buffer reports false so the hub can drop the listener.
func (l *Listener) enqueue(payload []byte) bool {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed {
		return true
	}
	select {
	case l.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once.
func (l *Listener) closeSend() {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.send)
}

// ServeListener upgrades the request and joins the session's broadcast set.
func ServeListener(hub *Hub, c echo.Context, sessionID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	listener := &Listener{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, 64),
		sessionID: sessionID,
		logger:    logger,
	}

	listener.hub.register <- listener

	go listener.writePump()
	go listener.readPump()

	return nil
}

// readPump discards inbound frames and detects the close.
func (l *Listener) readPump() {
	defer func() {
		l.hub.unregister <- l
		l.conn.Close()
	}()

	l.conn.SetReadLimit(listenerReadLimit)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := l.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.logger.Error("Listener read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps hub messages to the connection and keeps it alive with
// pings.
func (l *Listener) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				l.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				l.logger.Error("Failed to write to listener", zap.Error(err))
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
