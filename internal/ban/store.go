// Package ban provides user-level ban management backed by Redis. Ban
// records are simple key-value pairs with TTL-based expiry:
//
//	Key:   ban:<user_id>
//	Value: <reason>
//	TTL:   ban duration (0 for permanent)
//
// The gateway consults this store during the upgrade handshake; a banned
// user is refused before any WebSocket frame is exchanged. Bans are written
// by the moderation tooling, never by the gateway itself.
package ban

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// BanPrefix is the Redis key prefix for ban records.
const BanPrefix = "ban:"

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// IsBanned checks whether a user is currently banned.
// Returns (isBanned, remaining, reason, error). If the user is not banned,
// isBanned is false and the other values are zero. Redis errors are
// returned so callers can decide how to handle them (the gateway fails
// open).
func (s *Store) IsBanned(ctx context.Context, userID string) (bool, time.Duration, string, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		// The ban exists but the TTL is unreadable. Report banned with 0
		// remaining rather than swallowing the ban.
		return true, 0, reason, nil
	}

	var remaining time.Duration
	if ttl > 0 {
		remaining = ttl
	}
	return true, remaining, reason, nil
}

// Ban records a ban for a user with the given duration and reason. The ban
// expires automatically; a zero duration makes it permanent.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+userID, reason, duration).Err()
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BanPrefix+userID).Err()
}
