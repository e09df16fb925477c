package websocket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/usecase"
)

const (
	// Close the upload connection when the client goes quiet.
	uploadIdleTimeout = 90 * time.Second

	// Sequence prefix plus the largest accepted chunk.
	maxUploadFrame = usecase.MaxChunkSize + sequencePrefixSize

	// Binary frames start with a 4-byte little-endian sequence number.
	sequencePrefixSize = 4

	ingestTimeout = 30 * time.Second
)

// ChunkSink is the slice of the ingest service the upload connection needs.
type ChunkSink interface {
	Ingest(ctx context.Context, sessionID string, sequence uint32, data []byte) error
	Received(ctx context.Context, sessionID string) ([]uint32, error)
}

// SessionStarter flips a session into the recording state when its upload
// connection opens.
type SessionStarter interface {
	Start(ctx context.Context, id string) (*entities.RecordingSession, error)
}

// uploadConn is one persistent chunk-upload connection for a session.
type uploadConn struct {
	conn      *websocket.Conn
	sink      ChunkSink
	sessionID string
	send      chan []byte
	logger    *zap.Logger
}

// ServeUpload upgrades the request into the persistent upload connection.
// Opening it puts the session into the recording state.
func ServeUpload(c echo.Context, sessionID string, sessions SessionStarter, sink ChunkSink, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if _, err := sessions.Start(ctx, sessionID); err != nil {
		return echo.NewHTTPError(409, err.Error())
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	u := &uploadConn{
		conn:      conn,
		sink:      sink,
		sessionID: sessionID,
		send:      make(chan []byte, 64),
		logger:    logger,
	}

	go u.writePump()
	go u.readPump()

	return nil
}

// readPump consumes binary chunk frames and JSON control messages until the
// client closes or goes idle.
func (u *uploadConn) readPump() {
	defer func() {
		close(u.send)
		u.conn.Close()
	}()

	u.conn.SetReadLimit(maxUploadFrame)
	u.conn.SetReadDeadline(time.Now().Add(uploadIdleTimeout))

	for {
		messageType, message, err := u.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				u.logger.Warn("Upload connection closed",
					zap.String("session_id", u.sessionID),
					zap.Error(err))
			}
			return
		}
		u.conn.SetReadDeadline(time.Now().Add(uploadIdleTimeout))

		switch messageType {
		case websocket.BinaryMessage:
			u.handleChunkFrame(message)
		case websocket.TextMessage:
			u.handleControl(message)
		default:
			u.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps responses to the connection and keeps it alive with pings.
func (u *uploadConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		u.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-u.send:
			u.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				u.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := u.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				u.logger.Error("Failed to write upload response", zap.Error(err))
				return
			}

		case <-ticker.C:
			u.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := u.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleChunkFrame ingests one [sequence][container bytes] frame. A
// duplicate sequence is re-acknowledged without reprocessing.
func (u *uploadConn) handleChunkFrame(frame []byte) {
	if len(frame) < sequencePrefixSize {
		u.reply(marshalError("binary frame shorter than sequence prefix"))
		return
	}
	sequence := binary.LittleEndian.Uint32(frame[:sequencePrefixSize])
	payload := frame[sequencePrefixSize:]

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	err := u.sink.Ingest(ctx, u.sessionID, sequence, payload)
	switch {
	case err == nil:
		u.reply(marshalAck(sequence))
	case errors.Is(err, usecase.ErrDuplicateSequence):
		u.reply(marshalAck(sequence))
	default:
		u.logger.Warn("Chunk rejected",
			zap.String("session_id", u.sessionID),
			zap.Uint32("sequence", sequence),
			zap.Error(err))
		u.reply(marshalUploadError(sequence, err.Error()))
	}
}

func (u *uploadConn) handleControl(message []byte) {
	var msg controlMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		u.reply(marshalError("malformed control message"))
		return
	}

	switch msg.Type {
	case msgHeartbeat:
		u.reply(marshalHeartbeatAck())

	case msgRequestMissing:
		received, err := u.received()
		if err != nil {
			u.reply(marshalError("failed to list received chunks"))
			return
		}
		u.reply(marshalChunkStatus(received))

	case msgUploadComplete:
		received, err := u.received()
		if err != nil {
			u.reply(marshalError("failed to list received chunks"))
			return
		}
		u.reply(marshalAllChunksReceived())
		u.reply(marshalUploadCompleteAck(len(received)))

	default:
		u.reply(marshalError("unknown control message type"))
	}
}

func (u *uploadConn) received() ([]uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return u.sink.Received(ctx, u.sessionID)
}

// reply queues one response; a full buffer means the client stopped
// reading, so drop and let the idle deadline close the connection.
func (u *uploadConn) reply(payload []byte) {
	select {
	case u.send <- payload:
	default:
		u.logger.Warn("Upload response buffer full",
			zap.String("session_id", u.sessionID))
	}
}
