package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"localchat/internal/config"
	"localchat/internal/events"
)

// Store keeps the per-user request timestamps behind the limiter. The memory
// store is the default; a redis-backed store exists for deployments that
// already run redis.
type Store interface {
	// Admit purges entries older than the window, rejects without recording
	// when the remaining count has reached max, and otherwise records now
	// and accepts.
	Admit(ctx context.Context, userID int64, now time.Time, window time.Duration, max int) (bool, error)
}

// Limiter applies a per-user sliding-window admission check. Rate limiting is
// a non-critical control: store failures admit the request (fail open) so an
// unhealthy backing store never blocks users.
type Limiter struct {
	window time.Duration
	max    int
	store  Store
	log    events.Logger
}

func NewLimiter(cfg config.RateLimitConfig, store Store, log events.Logger) *Limiter {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = 60 * time.Second
	}
	max := cfg.MaxRequests
	if max <= 0 {
		max = 20
	}
	return &Limiter{window: window, max: max, store: store, log: log}
}

// Admit reports whether the user may start another chat turn right now.
func (l *Limiter) Admit(ctx context.Context, userID int64) bool {
	ok, err := l.store.Admit(ctx, userID, time.Now(), l.window, l.max)
	if err != nil {
		l.log.Emit(events.Event{
			Name:   "ratelimit.store_error",
			Level:  events.LevelWarn,
			UserID: userID,
			Detail: fmt.Sprintf("admitting request despite store failure: %v", err),
		})
		return true
	}
	return ok
}

// MemoryStore is the in-process store. A single mutex serializes the
// append-and-trim so concurrent requests from the same user cannot corrupt
// the window.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[int64][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[int64][]time.Time)}
}

func (s *MemoryStore) Admit(_ context.Context, userID int64, now time.Time, window time.Duration, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := trim(s.windows[userID], now, window)
	if len(kept) >= max {
		s.windows[userID] = kept
		return false, nil
	}
	s.windows[userID] = append(kept, now)
	return true, nil
}

func trim(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
