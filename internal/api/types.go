package api

import "time"

// CreateSessionRequest is the payload for creating a recording session
type CreateSessionRequest struct {
	OwnerID  string `json:"owner_id"`
	Language string `json:"language"`
	Provider string `json:"provider,omitempty"`
}

// SessionResponse returns a session with the tokens that scope clients
// to it
type SessionResponse struct {
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	Language    string    `json:"language"`
	Provider    string    `json:"provider,omitempty"`
	UploadToken string    `json:"upload_token,omitempty"`
	ListenToken string    `json:"listen_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkAcceptedResponse acknowledges a one-shot chunk upload
type ChunkAcceptedResponse struct {
	Ack    uint32 `json:"ack"`
	Size   int    `json:"size"`
	Status string `json:"status"`
}

// HealthResponse reports service availability per backing component
type HealthResponse struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Components map[string]string `json:"components,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
