package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/entities"
	"github.com/scribelive/server/domain/repositories"
)

// SegmentRepository stores transcript segments in the segments collection.
type SegmentRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewSegmentRepository creates a new MongoDB segment repository
func NewSegmentRepository(db *mongo.Database, logger *zap.Logger) repositories.SegmentRepository {
	collection := db.Collection("segments")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// One segment per chunk; listing is ordered by chunk sequence.
		sessionSequenceIndex := mongo.IndexModel{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "chunk_sequence", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		}

		if _, err := collection.Indexes().CreateOne(ctx, sessionSequenceIndex); err != nil {
			logger.Error("Failed to create segment index", zap.Error(err))
		}
	}()

	return &SegmentRepository{
		collection: collection,
		logger:     logger,
	}
}

// Insert implements repositories.SegmentRepository
func (r *SegmentRepository) Insert(ctx context.Context, segment *entities.TranscriptSegment) error {
	if segment == nil {
		return errors.New("segment cannot be nil")
	}

	if _, err := r.collection.InsertOne(ctx, segment); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			// A retried job already persisted this chunk's segment.
			r.logger.Warn("Segment already persisted",
				zap.String("session_id", segment.SessionID),
				zap.Uint32("chunk_sequence", segment.Sequence))
			return nil
		}
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return nil
}

// ListBySession implements repositories.SegmentRepository
func (r *SegmentRepository) ListBySession(ctx context.Context, sessionID string) ([]*entities.TranscriptSegment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "chunk_sequence", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer cursor.Close(ctx)

	var segments []*entities.TranscriptSegment
	if err := cursor.All(ctx, &segments); err != nil {
		return nil, fmt.Errorf("failed to decode segments: %w", err)
	}
	return segments, nil
}
