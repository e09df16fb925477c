package websocket

import (
	"encoding/json"

	"github.com/scribelive/server/domain/entities"
)

// Control messages received on the upload connection.
const (
	msgHeartbeat      = "heartbeat"
	msgRequestMissing = "request_missing"
	msgUploadComplete = "upload_complete"
)

// controlMessage is the envelope for JSON frames on the upload connection.
type controlMessage struct {
	Type string `json:"type"`
}

// AckMessage acknowledges one accepted (or re-acknowledged duplicate) chunk.
type AckMessage struct {
	Type          string `json:"type"`
	ChunkSequence uint32 `json:"chunk_sequence"`
}

// UploadErrorMessage reports a per-chunk ingestion failure.
type UploadErrorMessage struct {
	Type          string `json:"type"`
	ChunkSequence uint32 `json:"chunk_sequence"`
	Error         string `json:"error"`
}

// ErrorMessage reports a connection-level problem not tied to one chunk.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HeartbeatAckMessage answers a client heartbeat.
type HeartbeatAckMessage struct {
	Type string `json:"type"`
}

// ChunkStatusMessage answers request_missing with everything received so far.
type ChunkStatusMessage struct {
	Type           string   `json:"type"`
	ReceivedChunks []uint32 `json:"received_chunks"`
	TotalReceived  int      `json:"total_received"`
}

// AllChunksReceivedMessage is sent first in reply to upload_complete.
type AllChunksReceivedMessage struct {
	Type string `json:"type"`
}

// UploadCompleteAckMessage closes out the upload_complete exchange.
type UploadCompleteAckMessage struct {
	Type        string `json:"type"`
	TotalChunks int    `json:"total_chunks"`
}

// PhaseMessage tells listeners the session moved between waiting, active
// and completed.
type PhaseMessage struct {
	Phase string `json:"phase"`
}

// SegmentMessage carries one transcribed segment to listeners.
type SegmentMessage struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"session_id"`
	SegmentID     string  `json:"segment_id"`
	Text          string  `json:"text"`
	ChunkSequence uint32  `json:"chunk_sequence"`
	StartTime     float64 `json:"start_time"`
	EndTime       float64 `json:"end_time"`
	Confidence    float64 `json:"confidence"`
}

// TranscriptCompleteMessage signals that every chunk of a completed session
// has been processed.
type TranscriptCompleteMessage struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	SegmentCount int    `json:"segment_count"`
}

// PipelineErrorMessage reports a transcription or persistence failure for
// one chunk to listeners.
type PipelineErrorMessage struct {
	Type          string `json:"type"`
	ErrorType     string `json:"error_type"`
	Message       string `json:"message"`
	ChunkSequence uint32 `json:"chunk_sequence"`
}

// BacklogMessage warns all listeners that the transcription queue is deep.
type BacklogMessage struct {
	Event                string  `json:"event"`
	QueueSize            int     `json:"queue_size"`
	EstimatedWaitMinutes float64 `json:"estimated_wait_minutes,omitempty"`
}

func marshalAck(sequence uint32) []byte {
	return mustMarshal(AckMessage{Type: "ack", ChunkSequence: sequence})
}

func marshalUploadError(sequence uint32, message string) []byte {
	return mustMarshal(UploadErrorMessage{Type: "upload_error", ChunkSequence: sequence, Error: message})
}

func marshalError(message string) []byte {
	return mustMarshal(ErrorMessage{Type: "error", Message: message})
}

func marshalHeartbeatAck() []byte {
	return mustMarshal(HeartbeatAckMessage{Type: "heartbeat_ack"})
}

func marshalChunkStatus(received []uint32) []byte {
	if received == nil {
		received = []uint32{}
	}
	return mustMarshal(ChunkStatusMessage{
		Type:           "chunk_status",
		ReceivedChunks: received,
		TotalReceived:  len(received),
	})
}

func marshalAllChunksReceived() []byte {
	return mustMarshal(AllChunksReceivedMessage{Type: "all_chunks_received"})
}

func marshalUploadCompleteAck(total int) []byte {
	return mustMarshal(UploadCompleteAckMessage{Type: "upload_complete_ack", TotalChunks: total})
}

func marshalPhase(phase string) []byte {
	return mustMarshal(PhaseMessage{Phase: phase})
}

func marshalSegment(segment *entities.TranscriptSegment) []byte {
	return mustMarshal(SegmentMessage{
		Type:          "transcript_segment",
		SessionID:     segment.SessionID,
		SegmentID:     segment.ID,
		Text:          segment.Text,
		ChunkSequence: segment.Sequence,
		StartTime:     segment.StartTime,
		EndTime:       segment.EndTime,
		Confidence:    segment.Confidence,
	})
}

func marshalTranscriptComplete(sessionID string, segmentCount int) []byte {
	return mustMarshal(TranscriptCompleteMessage{
		Type:         "transcript_complete",
		SessionID:    sessionID,
		SegmentCount: segmentCount,
	})
}

func marshalPipelineError(errType, message string, sequence uint32) []byte {
	return mustMarshal(PipelineErrorMessage{
		Type:          errType,
		ErrorType:     errType,
		Message:       message,
		ChunkSequence: sequence,
	})
}

func marshalBacklog(queueSize int, estimatedWaitMinutes float64) []byte {
	return mustMarshal(BacklogMessage{
		Event:                "stt_backlog",
		QueueSize:            queueSize,
		EstimatedWaitMinutes: estimatedWaitMinutes,
	})
}

func marshalBacklogCleared(queueSize int) []byte {
	return mustMarshal(BacklogMessage{Event: "stt_backlog_cleared", QueueSize: queueSize})
}

// mustMarshal is safe here: every message above is a plain struct of
// marshalable fields.
func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
