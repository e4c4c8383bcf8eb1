// Package messaging provides the NATS client used as the shared broadcast
// channel between gateway processes. Chat, typing, and presence traffic is
// published per room; signaling traffic per target user; room membership
// mutations and archival notices arrive on a single control subject.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the gateway fleet.
const (
	SubjectChatRoom     = "chat.room"     // + .<room_id>
	SubjectTypingRoom   = "typing.room"   // + .<room_id>
	SubjectPresenceRoom = "presence.room" // + .<room_id>
	SubjectSignalUser   = "signal.user"   // + .<user_id>
	SubjectRoomEvent    = "room.event"    // membership mutations, archival
)

// Client wraps the NATS connection with helper methods for the gateway's
// publish and wildcard-subscribe patterns.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "chat-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishToRoom publishes chat traffic to the chat.room.<roomID> subject.
func (c *Client) PublishToRoom(roomID string, data []byte) error {
	return c.conn.Publish(SubjectChatRoom+"."+roomID, data)
}

// PublishTyping publishes a typing indicator to typing.room.<roomID>.
func (c *Client) PublishTyping(roomID string, data []byte) error {
	return c.conn.Publish(SubjectTypingRoom+"."+roomID, data)
}

// PublishPresence publishes a presence transition to presence.room.<roomID>.
func (c *Client) PublishPresence(roomID string, data []byte) error {
	return c.conn.Publish(SubjectPresenceRoom+"."+roomID, data)
}

// PublishToUser publishes a signaling envelope to signal.user.<userID>.
func (c *Client) PublishToUser(userID string, data []byte) error {
	return c.conn.Publish(SubjectSignalUser+"."+userID, data)
}

// SubscribeRooms subscribes to all room-scoped chat traffic. The handler
// receives the room id extracted from the subject plus the raw payload.
func (c *Client) SubscribeRooms(handler func(roomID string, data []byte)) error {
	return c.subscribeTail(SubjectChatRoom, handler)
}

// SubscribeTyping subscribes to all typing indicators.
func (c *Client) SubscribeTyping(handler func(roomID string, data []byte)) error {
	return c.subscribeTail(SubjectTypingRoom, handler)
}

// SubscribePresence subscribes to all presence transitions.
func (c *Client) SubscribePresence(handler func(roomID string, data []byte)) error {
	return c.subscribeTail(SubjectPresenceRoom, handler)
}

// SubscribeSignals subscribes to all user-scoped signaling traffic. The
// handler receives the target user id from the subject.
func (c *Client) SubscribeSignals(handler func(userID string, data []byte)) error {
	return c.subscribeTail(SubjectSignalUser, handler)
}

// PublishRoomEvent publishes a room mutation notice (participant added or
// removed, room archived) on the control subject.
func (c *Client) PublishRoomEvent(data []byte) error {
	return c.conn.Publish(SubjectRoomEvent, data)
}

// SubscribeRoomEvents subscribes to room mutation notices.
func (c *Client) SubscribeRoomEvents(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectRoomEvent, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectRoomEvent, err)
	}
	c.remember(SubjectRoomEvent, sub)
	return nil
}

// subscribeTail subscribes to prefix.* and hands the final subject token to
// the handler. The gateway's subjects place the scoping id last, so the
// token is the room or user id.
func (c *Client) subscribeTail(prefix string, handler func(id string, data []byte)) error {
	subject := prefix + ".*"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		id := msg.Subject[len(prefix)+1:]
		handler(id, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.remember(subject, sub)
	return nil
}

func (c *Client) remember(subject string, sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
