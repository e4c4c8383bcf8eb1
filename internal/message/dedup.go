// Package message implements idempotent chat message ingestion: membership
// validation, client-reference deduplication, durable persistence, and
// room broadcast.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ClientRefPrefix is the Redis key prefix for idempotency records:
	// msgref:<tenant_id>:<client_ref> -> message id.
	ClientRefPrefix = "msgref:"

	// DefaultRetention bounds how long a client reference stays unique.
	// A duplicate arriving after the window is treated as a new message,
	// an accepted trade-off rather than a bug.
	DefaultRetention = 24 * time.Hour
)

// Dedup stores (tenantId, clientRef) -> messageId records in Redis. The
// record is written with a single SETNX so two gateways racing on the same
// reference can never both create a message.
type Dedup struct {
	client    *redis.Client
	retention time.Duration
}

// NewDedup creates a Dedup with the given retention window. A non-positive
// retention falls back to DefaultRetention.
func NewDedup(client *redis.Client, retention time.Duration) *Dedup {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Dedup{client: client, retention: retention}
}

func (d *Dedup) key(tenantID, clientRef string) string {
	return ClientRefPrefix + tenantID + ":" + clientRef
}

// Reserve claims the client reference for messageID. If the reference is
// already claimed it returns the previously stored message id and true.
// The read-after-failed-SETNX can race with the record expiring, so the
// claim is retried a couple of times before giving up.
func (d *Dedup) Reserve(ctx context.Context, tenantID, clientRef, messageID string) (string, bool, error) {
	key := d.key(tenantID, clientRef)

	for attempt := 0; attempt < 3; attempt++ {
		ok, err := d.client.SetNX(ctx, key, messageID, d.retention).Result()
		if err != nil {
			return "", false, fmt.Errorf("message: reserve %s: %w", key, err)
		}
		if ok {
			return messageID, false, nil
		}

		existing, err := d.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET; claim again.
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("message: read reservation %s: %w", key, err)
		}
		return existing, true, nil
	}
	return "", false, fmt.Errorf("message: could not reserve %s", key)
}

// Release removes a reservation. Called when persistence fails after a
// successful claim so the caller's retry with the same clientRef starts
// clean.
func (d *Dedup) Release(ctx context.Context, tenantID, clientRef string) error {
	return d.client.Del(ctx, d.key(tenantID, clientRef)).Err()
}
