// Package blob stores raw audio chunk bytes in Redis, keyed by session and
// sequence, with a per-session set tracking which sequences arrived.
package blob

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/scribelive/server/domain/repositories"
)

const keyPrefix = "chunks:"

// RedisStore implements repositories.BlobStore on a Redis client. Chunks
// expire with the configured TTL; the sequence set expires with them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates the store. The client is owned by the caller.
func NewRedisStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func chunkKey(sessionID string, sequence uint32) string {
	return fmt.Sprintf("%s%s:%d", keyPrefix, sessionID, sequence)
}

func sequenceSetKey(sessionID string) string {
	return keyPrefix + sessionID + ":sequences"
}

// Put stores one chunk and records its sequence in the session set.
func (s *RedisStore) Put(ctx context.Context, sessionID string, sequence uint32, data []byte) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, chunkKey(sessionID, sequence), data, s.ttl)
	pipe.SAdd(ctx, sequenceSetKey(sessionID), sequence)
	pipe.Expire(ctx, sequenceSetKey(sessionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put chunk %s/%d: %w", sessionID, sequence, err)
	}
	return nil
}

// Get retrieves a stored chunk's bytes.
func (s *RedisStore) Get(ctx context.Context, sessionID string, sequence uint32) ([]byte, error) {
	data, err := s.client.Get(ctx, chunkKey(sessionID, sequence)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("redis get chunk %s/%d: %w", sessionID, sequence, err)
	}
	return data, nil
}

// Has reports whether a sequence was already stored for the session.
func (s *RedisStore) Has(ctx context.Context, sessionID string, sequence uint32) (bool, error) {
	member, err := s.client.SIsMember(ctx, sequenceSetKey(sessionID), sequence).Result()
	if err != nil {
		return false, fmt.Errorf("redis check chunk %s/%d: %w", sessionID, sequence, err)
	}
	return member, nil
}

// Sequences lists the stored sequence numbers for a session in ascending
// order.
func (s *RedisStore) Sequences(ctx context.Context, sessionID string) ([]uint32, error) {
	members, err := s.client.SMembers(ctx, sequenceSetKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sequences %s: %w", sessionID, err)
	}

	sequences := make([]uint32, 0, len(members))
	for _, member := range members {
		n, err := strconv.ParseUint(member, 10, 32)
		if err != nil {
			s.logger.Warn("Skipping malformed sequence member",
				zap.String("session_id", sessionID),
				zap.String("member", member))
			continue
		}
		sequences = append(sequences, uint32(n))
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	return sequences, nil
}

// Ping verifies the Redis connection for health checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ repositories.BlobStore = (*RedisStore)(nil)
