package websocket

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/usecase"
)

type fakeSink struct {
	mu       sync.Mutex
	ingested map[uint32][]byte
	fail     error
}

func newFakeSink() *fakeSink {
	return &fakeSink{ingested: make(map[uint32][]byte)}
}

func (s *fakeSink) Ingest(ctx context.Context, sessionID string, sequence uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.ingested[sequence]; ok {
		return usecase.ErrDuplicateSequence
	}
	s.ingested[sequence] = append([]byte(nil), data...)
	return nil
}

func (s *fakeSink) Received(ctx context.Context, sessionID string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sequences := make([]uint32, 0, len(s.ingested))
	for sequence := range s.ingested {
		sequences = append(sequences, sequence)
	}
	return sequences, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ingested)
}

type fakeStarter struct{}

func (f *fakeStarter) Start(ctx context.Context, id string) (*entities.RecordingSession, error) {
	session := entities.NewRecordingSession(id, "owner", "en-US")
	session.StartRecording()
	return session, nil
}

func dialUpload(t *testing.T, sink ChunkSink) *websocket.Conn {
	t.Helper()

	e := echo.New()
	e.GET("/ws/sessions/:id/upload", func(c echo.Context) error {
		return ServeUpload(c, c.Param("id"), &fakeStarter{}, sink, zap.NewNop())
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/sessions/sess-1/upload"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func chunkFrame(sequence uint32, payload []byte) []byte {
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, sequence)
	copy(frame[4:], payload)
	return frame
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		t.Fatalf("Unmarshal %s failed: %v", payload, err)
	}
}

func TestUploadChunkAcked(t *testing.T) {
	sink := newFakeSink()
	conn := dialUpload(t, sink)

	audio := []byte{0x1a, 0x45, 0xdf, 0xa3, 1, 2, 3, 4}
	if err := conn.WriteMessage(websocket.BinaryMessage, chunkFrame(3, audio)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var ack AckMessage
	readJSON(t, conn, &ack)
	if ack.Type != "ack" || ack.ChunkSequence != 3 {
		t.Errorf("Unexpected ack: %+v", ack)
	}

	sink.mu.Lock()
	stored := sink.ingested[3]
	sink.mu.Unlock()
	if string(stored) != string(audio) {
		t.Errorf("Sequence prefix not stripped, stored %x", stored)
	}
}

func TestUploadDuplicateReacked(t *testing.T) {
	sink := newFakeSink()
	conn := dialUpload(t, sink)

	frame := chunkFrame(1, []byte{9, 9, 9, 9, 9, 9, 9, 9})
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
		var ack AckMessage
		readJSON(t, conn, &ack)
		if ack.Type != "ack" || ack.ChunkSequence != 1 {
			t.Errorf("Upload %d: unexpected response %+v", i, ack)
		}
	}

	if sink.count() != 1 {
		t.Errorf("Duplicate must not be stored twice, have %d", sink.count())
	}
}

func TestUploadRejectionReported(t *testing.T) {
	sink := newFakeSink()
	sink.fail = usecase.ErrSessionNotRecording
	conn := dialUpload(t, sink)

	if err := conn.WriteMessage(websocket.BinaryMessage, chunkFrame(0, []byte{1, 2, 3, 4, 5, 6, 7, 8})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var msg UploadErrorMessage
	readJSON(t, conn, &msg)
	if msg.Type != "upload_error" || msg.ChunkSequence != 0 {
		t.Errorf("Unexpected response: %+v", msg)
	}
	if msg.Error == "" {
		t.Error("Expected an error description")
	}
}

func TestUploadHeartbeat(t *testing.T) {
	conn := dialUpload(t, newFakeSink())

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var ack HeartbeatAckMessage
	readJSON(t, conn, &ack)
	if ack.Type != "heartbeat_ack" {
		t.Errorf("Unexpected response: %+v", ack)
	}
}

func TestUploadRequestMissing(t *testing.T) {
	sink := newFakeSink()
	conn := dialUpload(t, sink)

	for _, sequence := range []uint32{0, 2} {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunkFrame(sequence, []byte{1, 2, 3, 4, 5, 6, 7, 8})); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		var ack AckMessage
		readJSON(t, conn, &ack)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"request_missing"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var status ChunkStatusMessage
	readJSON(t, conn, &status)
	if status.Type != "chunk_status" || status.TotalReceived != 2 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestUploadComplete(t *testing.T) {
	sink := newFakeSink()
	conn := dialUpload(t, sink)

	if err := conn.WriteMessage(websocket.BinaryMessage, chunkFrame(0, []byte{1, 2, 3, 4, 5, 6, 7, 8})); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var ack AckMessage
	readJSON(t, conn, &ack)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"upload_complete"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var first AllChunksReceivedMessage
	readJSON(t, conn, &first)
	if first.Type != "all_chunks_received" {
		t.Errorf("Expected all_chunks_received first, got %s", first.Type)
	}

	var second UploadCompleteAckMessage
	readJSON(t, conn, &second)
	if second.Type != "upload_complete_ack" || second.TotalChunks != 1 {
		t.Errorf("Unexpected completion ack: %+v", second)
	}
}

func TestUploadShortFrameRejected(t *testing.T) {
	conn := dialUpload(t, newFakeSink())

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var msg ErrorMessage
	readJSON(t, conn, &msg)
	if msg.Type != "error" {
		t.Errorf("Unexpected response: %+v", msg)
	}
}
