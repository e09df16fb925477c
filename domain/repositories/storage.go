package repositories

import "context"

// BlobStore persists raw audio chunk bytes keyed by session and sequence.
// Backed by an external object store; the pipeline treats it as a simple
// key/value collaborator.
type BlobStore interface {
	// Put stores one chunk's raw bytes.
	Put(ctx context.Context, sessionID string, sequence uint32, data []byte) error
	// Get retrieves a previously stored chunk.
	Get(ctx context.Context, sessionID string, sequence uint32) ([]byte, error)
	// Has reports whether a chunk with this sequence was already stored.
	Has(ctx context.Context, sessionID string, sequence uint32) (bool, error)
	// Sequences lists the sequence numbers stored for a session.
	Sequences(ctx context.Context, sessionID string) ([]uint32, error)
}
