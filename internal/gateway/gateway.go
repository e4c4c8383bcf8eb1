// Package gateway wires the transport, session, presence, messaging and
// signaling components into one process. It registers the event handlers
// on the frame dispatcher, bridges broker subjects to local connections,
// and owns the connect/disconnect lifecycle of every session.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/limaxs/chat-gateway/internal/auth"
	"github.com/limaxs/chat-gateway/internal/ban"
	"github.com/limaxs/chat-gateway/internal/message"
	"github.com/limaxs/chat-gateway/internal/presence"
	"github.com/limaxs/chat-gateway/internal/protocol"
	"github.com/limaxs/chat-gateway/internal/ratelimit"
	"github.com/limaxs/chat-gateway/internal/room"
	"github.com/limaxs/chat-gateway/internal/session"
	"github.com/limaxs/chat-gateway/internal/signal"
	"github.com/limaxs/chat-gateway/internal/ws"
)

// opTimeout bounds every Redis/Postgres/broker call made on behalf of a
// single inbound event or lifecycle transition.
const opTimeout = 5 * time.Second

// TokenVerifier checks the handshake credential and returns the verified
// identity claims. Satisfied by auth.Verifier.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Sender writes a frame to one local connection. Satisfied by ws.Server.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Broker is the cross-process fanout surface the gateway publishes to and
// subscribes from. Satisfied by messaging.Client.
type Broker interface {
	PublishTyping(roomID string, data []byte) error
	SubscribeRooms(handler func(roomID string, data []byte)) error
	SubscribeTyping(handler func(roomID string, data []byte)) error
	SubscribePresence(handler func(roomID string, data []byte)) error
	SubscribeSignals(handler func(userID string, data []byte)) error
	SubscribeRoomEvents(handler func(data []byte)) error
}

// RoomSource resolves a user's room subscriptions at connect time.
// Satisfied by room.Store.
type RoomSource interface {
	RoomsOf(ctx context.Context, userID string) ([]string, error)
}

// Gateway composes the components behind one WebSocket endpoint.
type Gateway struct {
	registry *session.Registry
	rooms    RoomSource
	index    *room.Index
	presence *presence.Tracker
	messages *message.Service
	relay    *signal.Relay
	limiter  *ratelimit.Limiter
	bans     *ban.Store
	broker   Broker
	verifier TokenVerifier

	// send is the local delivery path; set by Attach.
	send Sender
}

// New assembles a Gateway from its components. Attach must be called with
// the transport before any traffic flows.
func New(
	registry *session.Registry,
	rooms RoomSource,
	index *room.Index,
	tracker *presence.Tracker,
	messages *message.Service,
	relay *signal.Relay,
	limiter *ratelimit.Limiter,
	bans *ban.Store,
	broker Broker,
	verifier TokenVerifier,
) *Gateway {
	return &Gateway{
		registry: registry,
		rooms:    rooms,
		index:    index,
		presence: tracker,
		messages: messages,
		relay:    relay,
		limiter:  limiter,
		bans:     bans,
		broker:   broker,
		verifier: verifier,
	}
}

// Attach binds the gateway to its transport: registers the per-event
// handlers on the dispatcher, the lifecycle hooks on the server, and keeps
// the server as the local delivery path for broker-bridged frames.
func (g *Gateway) Attach(server *ws.Server, d *ws.Dispatcher) {
	g.send = server

	server.SetOnConnect(g.onConnect)
	server.SetOnDisconnect(g.onDisconnect)

	d.Handle(protocol.EventSendMsg, g.handleSendMsg)
	d.Handle(protocol.EventTyping, g.handleTyping)
	d.Handle(protocol.EventSignalSDP, g.handleSignalSDP)
	d.Handle(protocol.EventSignalICE, g.handleSignalICE)
	d.Handle(protocol.EventAck, g.handleAck)
}

// StartBridges subscribes the gateway to the broker subjects that carry
// traffic from other gateway instances (and from this one; everything is
// delivered through the broker so all instances run the same path).
func (g *Gateway) StartBridges() error {
	if err := g.broker.SubscribeRooms(g.bridgeRoomMessages); err != nil {
		return fmt.Errorf("gateway: subscribe rooms: %w", err)
	}
	if err := g.broker.SubscribeTyping(g.bridgeTyping); err != nil {
		return fmt.Errorf("gateway: subscribe typing: %w", err)
	}
	if err := g.broker.SubscribePresence(g.bridgePresence); err != nil {
		return fmt.Errorf("gateway: subscribe presence: %w", err)
	}
	if err := g.broker.SubscribeSignals(g.bridgeSignals); err != nil {
		return fmt.Errorf("gateway: subscribe signals: %w", err)
	}
	if err := g.broker.SubscribeRoomEvents(g.bridgeRoomEvents); err != nil {
		return fmt.Errorf("gateway: subscribe room events: %w", err)
	}
	return nil
}

// Authorize is the upgrade-time check: a per-IP connection rate limit, then
// token verification. The token rides the `token` query parameter because
// browser WebSocket clients cannot set an Authorization header.
func (g *Gateway) Authorize(r *http.Request) (ws.Identity, error) {
	ip := clientIP(r)
	allowed, err := g.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
	if err != nil {
		log.Printf("gateway: connect rate limiter unavailable, allowing %s: %v", ip, err)
	} else if !allowed {
		return ws.Identity{}, fmt.Errorf("gateway: connect rate exceeded for %s", ip)
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		return ws.Identity{}, fmt.Errorf("gateway: missing token")
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return ws.Identity{}, fmt.Errorf("gateway: token rejected: %w", err)
	}

	banned, remaining, reason, err := g.bans.IsBanned(r.Context(), claims.UserID)
	if err != nil {
		log.Printf("gateway: ban store unavailable, allowing %s: %v", claims.UserID, err)
	} else if banned {
		return ws.Identity{}, fmt.Errorf("gateway: user %s banned (%s, %s remaining)", claims.UserID, reason, remaining)
	}

	return ws.Identity{UserID: claims.UserID, TenantID: claims.TenantID, UserName: claims.Name}, nil
}

// onConnect loads the user's room subscriptions, registers the session with
// the local indexes, and records the presence transition. A failure at any
// step refuses the connection.
func (g *Gateway) onConnect(conn *ws.Connection) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	roomIDs, err := g.rooms.RoomsOf(ctx, conn.Identity.UserID)
	if err != nil {
		return fmt.Errorf("gateway: load rooms for %s: %w", conn.Identity.UserID, err)
	}

	sess := session.New(conn.ID, conn.Identity.UserID, conn.Identity.TenantID, conn.Identity.UserName, roomIDs)
	g.registry.Add(sess)

	if err := g.presence.Connected(ctx, conn.Identity.UserID, conn.Identity.UserName, roomIDs); err != nil {
		g.registry.Remove(conn.ID)
		return fmt.Errorf("gateway: record presence for %s: %w", conn.Identity.UserID, err)
	}
	return nil
}

// onDisconnect unregisters the session and records the presence
// transition. Call state is released only when the user's last session on
// this instance is gone; an open second tab keeps an in-progress call
// engaged.
func (g *Gateway) onDisconnect(conn *ws.Connection) {
	sess, remaining := g.registry.Remove(conn.ID)
	if sess == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := g.presence.Disconnected(ctx, sess.UserID, sess.UserName, sess.Rooms()); err != nil {
		log.Printf("gateway: presence disconnect for %s: %v", sess.UserID, err)
	}

	if remaining == 0 {
		if err := g.relay.Disconnected(ctx, sess.UserID); err != nil {
			log.Printf("gateway: clear call state for %s: %v", sess.UserID, err)
		}
	}
}

// clientIP extracts the peer address for connect rate limiting, preferring
// the X-Forwarded-For header set by the edge proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
