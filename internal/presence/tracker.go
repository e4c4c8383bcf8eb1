// Package presence maintains each user's online/offline visibility. The
// source of truth is a reference count in Redis shared by all gateway
// processes: a user is online while at least one connection exists anywhere.
// Transitions are announced to every room the user belongs to through the
// shared broadcast channel.
package presence

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/limaxs/chat-gateway/internal/protocol"
)

const (
	// ConnCountPrefix is the Redis key prefix for per-user connection counts.
	ConnCountPrefix = "presence:conn:"

	// LastSeenPrefix is the Redis key prefix for last-seen timestamps.
	LastSeenPrefix = "presence:seen:"

	// CountTTL bounds how long a count can outlive its connections. It is
	// refreshed on every transition, so it only matters when a gateway dies
	// without running its disconnect path.
	CountTTL = 1 * time.Hour
)

// Publisher pushes a presence envelope onto the shared broadcast channel
// for one room.
type Publisher interface {
	PublishPresence(roomID string, data []byte) error
}

// Tracker implements the presence reference counting and announcements.
type Tracker struct {
	client *redis.Client
	pub    Publisher
}

// NewTracker creates a Tracker over the given Redis client and publisher.
func NewTracker(client *redis.Client, pub Publisher) *Tracker {
	return &Tracker{client: client, pub: pub}
}

// Connected records a new connection for the user. When it is the user's
// first connection anywhere (count 0 -> 1) an ONLINE announcement is
// published to every room in roomIDs. Announcements are delivered by each
// gateway to the room's local subscribers except the user's own sessions;
// that exclusion happens at delivery, not here.
func (t *Tracker) Connected(ctx context.Context, userID, userName string, roomIDs []string) error {
	key := ConnCountPrefix + userID
	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("presence: incr %s: %w", key, err)
	}
	if err := t.client.Expire(ctx, key, CountTTL).Err(); err != nil {
		log.Printf("presence: expire %s: %v", key, err)
	}

	if count == 1 {
		t.announce(userID, userName, protocol.StatusOnline, roomIDs)
	}
	return nil
}

// Disconnected records a closed connection. When it was the user's last
// connection anywhere (count reaches 0) the counter key is deleted, the
// last-seen timestamp is written, and an OFFLINE announcement is published.
func (t *Tracker) Disconnected(ctx context.Context, userID, userName string, roomIDs []string) error {
	key := ConnCountPrefix + userID
	count, err := t.client.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("presence: decr %s: %w", key, err)
	}

	if count <= 0 {
		// Delete rather than leave a zero (or, after a crashed peer's TTL
		// reaped the key, negative) counter behind.
		if err := t.client.Del(ctx, key).Err(); err != nil {
			log.Printf("presence: del %s: %v", key, err)
		}
		seen := time.Now().UTC().Format(time.RFC3339)
		if err := t.client.Set(ctx, LastSeenPrefix+userID, seen, 0).Err(); err != nil {
			log.Printf("presence: set last seen for %s: %v", userID, err)
		}
		t.announce(userID, userName, protocol.StatusOffline, roomIDs)
	}
	return nil
}

// IsOnline reports whether the user has at least one live connection on any
// gateway process.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	count, err := t.client.Get(ctx, ConnCountPrefix+userID).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: get count for %s: %w", userID, err)
	}
	return count > 0, nil
}

// LastSeen returns the recorded last-seen timestamp for an offline user, or
// the zero string when none was recorded.
func (t *Tracker) LastSeen(ctx context.Context, userID string) (string, error) {
	seen, err := t.client.Get(ctx, LastSeenPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: get last seen for %s: %w", userID, err)
	}
	return seen, nil
}

// announce publishes one PRESENCE envelope per room. These are
// gateway-originated events, so each carries a fresh traceId.
func (t *Tracker) announce(userID, userName, status string, roomIDs []string) {
	for _, roomID := range roomIDs {
		data, err := protocol.Encode(protocol.EventPresence, uuid.New().String(), protocol.PresenceData{
			UserID:   userID,
			UserName: userName,
			Status:   status,
			RoomID:   roomID,
		})
		if err != nil {
			log.Printf("presence: encode announcement for room %s: %v", roomID, err)
			continue
		}
		if err := t.pub.PublishPresence(roomID, data); err != nil {
			log.Printf("presence: publish to room %s: %v", roomID, err)
		}
	}
}
