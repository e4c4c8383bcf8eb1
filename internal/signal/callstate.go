// Package signal relays WebRTC signaling envelopes point-to-point between
// users and enforces the per-user busy state: a user can be the target of
// at most one live offer/call at a time, guarded by a TTL'd record in Redis
// shared across all gateway processes.
package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CallBusyPrefix is the Redis key prefix for busy records:
	// call:busy:<user_id> -> offering peer's user id.
	CallBusyPrefix = "call:busy:"

	// DefaultCallTTL bounds how long a user stays busy without an explicit
	// clear: an offer that is never answered releases the target on its
	// own.
	DefaultCallTTL = 300 * time.Second
)

// CallStore manages per-user busy records. A user is IDLE when no record
// exists and BUSY while one does; the only IDLE -> BUSY path is a single
// set-if-absent with TTL, so two concurrent offers can never both engage
// the same target.
type CallStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCallStore creates a CallStore. A non-positive ttl falls back to
// DefaultCallTTL.
func NewCallStore(client *redis.Client, ttl time.Duration) *CallStore {
	if ttl <= 0 {
		ttl = DefaultCallTTL
	}
	return &CallStore{client: client, ttl: ttl}
}

// TryEngage attempts the IDLE -> BUSY transition for targetID on behalf of
// peerID. It returns false when the target is already busy; existing state
// is never overwritten.
func (s *CallStore) TryEngage(ctx context.Context, targetID, peerID string) (bool, error) {
	key := CallBusyPrefix + targetID
	ok, err := s.client.SetNX(ctx, key, peerID, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("signal: engage %s: %w", key, err)
	}
	return ok, nil
}

// Clear releases the busy record for userID, reverting them to IDLE.
// Called when the user's session disconnects.
func (s *CallStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, CallBusyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("signal: clear %s: %w", userID, err)
	}
	return nil
}

// Peer returns the peer id of the busy record for userID, or "" when the
// user is IDLE.
func (s *CallStore) Peer(ctx context.Context, userID string) (string, error) {
	peer, err := s.client.Get(ctx, CallBusyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("signal: read state for %s: %w", userID, err)
	}
	return peer, nil
}
