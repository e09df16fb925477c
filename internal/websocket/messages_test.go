package websocket

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshalChunkStatusEmpty(t *testing.T) {
	payload := marshalChunkStatus(nil)
	if strings.Contains(string(payload), "null") {
		t.Errorf("Empty received list must encode as [], got %s", payload)
	}

	var msg ChunkStatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != "chunk_status" || msg.TotalReceived != 0 {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestMarshalChunkStatusCountsReceived(t *testing.T) {
	var msg ChunkStatusMessage
	if err := json.Unmarshal(marshalChunkStatus([]uint32{0, 1, 5}), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.TotalReceived != 3 {
		t.Errorf("Expected total_received 3, got %d", msg.TotalReceived)
	}
	if len(msg.ReceivedChunks) != 3 || msg.ReceivedChunks[2] != 5 {
		t.Errorf("Unexpected received chunks: %v", msg.ReceivedChunks)
	}
}

func TestMarshalAck(t *testing.T) {
	var msg AckMessage
	if err := json.Unmarshal(marshalAck(42), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Type != "ack" || msg.ChunkSequence != 42 {
		t.Errorf("Unexpected ack: %+v", msg)
	}
}

func TestMarshalPipelineError(t *testing.T) {
	payload := marshalPipelineError("transcription_error", "provider exploded", 9)

	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if raw["type"] != "transcription_error" || raw["error_type"] != "transcription_error" {
		t.Errorf("Unexpected error payload: %v", raw)
	}
	if raw["chunk_sequence"].(float64) != 9 {
		t.Errorf("Unexpected chunk_sequence: %v", raw["chunk_sequence"])
	}
}

func TestMarshalBacklogCleared(t *testing.T) {
	var msg BacklogMessage
	if err := json.Unmarshal(marshalBacklogCleared(3), &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Event != "stt_backlog_cleared" || msg.QueueSize != 3 {
		t.Errorf("Unexpected cleared event: %+v", msg)
	}
}

func TestMarshalUploadCompleteSequence(t *testing.T) {
	var first AllChunksReceivedMessage
	if err := json.Unmarshal(marshalAllChunksReceived(), &first); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if first.Type != "all_chunks_received" {
		t.Errorf("Unexpected type: %s", first.Type)
	}

	var second UploadCompleteAckMessage
	if err := json.Unmarshal(marshalUploadCompleteAck(17), &second); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if second.Type != "upload_complete_ack" || second.TotalChunks != 17 {
		t.Errorf("Unexpected ack: %+v", second)
	}
}
