package gateway

import (
	"encoding/json"
	"log"

	"github.com/limaxs/chat-gateway/internal/metrics"
	"github.com/limaxs/chat-gateway/internal/protocol"
	"github.com/limaxs/chat-gateway/internal/room"
)

// bridgeRoomMessages delivers a NEW_MESSAGE envelope to every local session
// subscribed to the room, the sender's included.
func (g *Gateway) bridgeRoomMessages(roomID string, data []byte) {
	for _, sess := range g.registry.Subscribers(roomID, "") {
		g.deliver(sess.ConnID, protocol.EventNewMessage, data)
	}
}

// bridgeTyping delivers a typing indicator to the room, excluding the
// typist's own sessions. The typist is read from the envelope payload
// because the indicator may have originated on another instance.
func (g *Gateway) bridgeTyping(roomID string, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("gateway: bad typing envelope on room=%s: %v", roomID, err)
		return
	}
	var t protocol.TypingData
	if err := json.Unmarshal(env.Data, &t); err != nil {
		log.Printf("gateway: bad typing payload on room=%s: %v", roomID, err)
		return
	}

	for _, sess := range g.registry.Subscribers(roomID, t.UserID) {
		g.deliver(sess.ConnID, protocol.EventTyping, data)
	}
}

// bridgePresence delivers an online/offline transition to the room,
// excluding the transitioning user's own sessions.
func (g *Gateway) bridgePresence(roomID string, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("gateway: bad presence envelope on room=%s: %v", roomID, err)
		return
	}
	var p protocol.PresenceData
	if err := json.Unmarshal(env.Data, &p); err != nil {
		log.Printf("gateway: bad presence payload on room=%s: %v", roomID, err)
		return
	}

	for _, sess := range g.registry.Subscribers(roomID, p.UserID) {
		g.deliver(sess.ConnID, protocol.EventPresence, data)
	}
}

// bridgeSignals delivers a signaling envelope to every local session of the
// target user. A target with no local sessions is normal: another instance
// holds them, or the target is offline and the envelope evaporates.
func (g *Gateway) bridgeSignals(userID string, data []byte) {
	event := protocol.EventSignalSDP
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Event != "" {
		event = env.Event
	}

	for _, sess := range g.registry.ForUser(userID) {
		g.deliver(sess.ConnID, event, data)
	}
}

// bridgeRoomEvents applies a room mutation notice from the room service:
// the membership cache drops its stale entry and live sessions gain or lose
// the room subscription without reconnecting.
func (g *Gateway) bridgeRoomEvents(data []byte) {
	var e room.Event
	if err := json.Unmarshal(data, &e); err != nil {
		log.Printf("gateway: bad room event: %v", err)
		return
	}

	g.index.Apply(e)

	switch e.Type {
	case room.EventParticipantAdded:
		g.registry.JoinRoom(e.UserID, e.RoomID)
	case room.EventParticipantRemoved:
		g.registry.LeaveRoom(e.UserID, e.RoomID)
	case room.EventArchived:
		g.registry.DropRoom(e.RoomID)
	default:
		log.Printf("gateway: unknown room event type %q", e.Type)
	}
}

// deliver writes broker-carried bytes to one local connection. Write
// failures are logged and the frame dropped; the heartbeat reaps the
// connection if it is actually dead.
func (g *Gateway) deliver(connID, event string, data []byte) {
	if err := g.send.SendMessage(connID, data); err != nil {
		log.Printf("gateway: deliver %s to conn=%s: %v", event, connID, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(event, "out").Inc()
}
