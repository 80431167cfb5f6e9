package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"localchat/internal/redis"
)

// RedisStore keeps each user's window as a JSON-encoded list of unix-milli
// timestamps under a key that expires with the window. Read-modify-write is
// not atomic across instances; single-instance deployments are the target
// and the limiter fails open on any redis error.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Admit(ctx context.Context, userID int64, now time.Time, window time.Duration, max int) (bool, error) {
	key := fmt.Sprintf("ratelimit:%d", userID)

	var stamps []int64
	raw, err := s.client.Get(ctx, key)
	if err != nil && err != redis.ErrCacheMiss {
		return false, fmt.Errorf("load window: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &stamps); err != nil {
			// A corrupt window resets rather than wedging the user.
			stamps = nil
		}
	}

	cutoff := now.Add(-window).UnixMilli()
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= max {
		return false, nil
	}

	kept = append(kept, now.UnixMilli())
	data, err := json.Marshal(kept)
	if err != nil {
		return false, fmt.Errorf("encode window: %w", err)
	}
	if err := s.client.Set(ctx, key, data, window); err != nil {
		return false, fmt.Errorf("store window: %w", err)
	}
	return true, nil
}
