package sentiment

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store tracks which session owns which sentiment job so the proxy
// endpoints can refuse status/result lookups for jobs they never issued.
// Entries expire with the TTL; nothing here outlives a session by much.
type Store struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore creates a job registry on the given Redis client.
func NewStore(client *redis.Client, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Store{redis: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(jobID string) string {
	return s.prefix + "sentiment:job:" + jobID
}

// Record associates a job id with the session that submitted it.
func (s *Store) Record(ctx context.Context, jobID, sessionID string) error {
	if s.redis == nil {
		return fmt.Errorf("redis client not configured")
	}
	if err := s.redis.Set(ctx, s.key(jobID), sessionID, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record sentiment job %s: %w", jobID, err)
	}
	return nil
}

// Owner returns the session that submitted a job. A missing key means the
// job is unknown (never issued here, or expired).
func (s *Store) Owner(ctx context.Context, jobID string) (string, error) {
	if s.redis == nil {
		return "", fmt.Errorf("redis client not configured")
	}
	val, err := s.redis.Get(ctx, s.key(jobID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up sentiment job %s: %w", jobID, err)
	}
	return val, nil
}

// Known reports whether the job id was issued by this service.
func (s *Store) Known(ctx context.Context, jobID string) (bool, error) {
	owner, err := s.Owner(ctx, jobID)
	if err != nil {
		return false, err
	}
	return owner != "", nil
}
