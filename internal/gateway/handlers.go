package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/limaxs/chat-gateway/internal/message"
	"github.com/limaxs/chat-gateway/internal/metrics"
	"github.com/limaxs/chat-gateway/internal/moderation"
	"github.com/limaxs/chat-gateway/internal/protocol"
	"github.com/limaxs/chat-gateway/internal/ratelimit"
	"github.com/limaxs/chat-gateway/internal/room"
	"github.com/limaxs/chat-gateway/internal/ws"
)

// handleSendMsg runs the ingestion pipeline for a chat message. The happy
// path ends with the service publishing NEW_MESSAGE to the broker; the
// sender's own sessions receive it through the room bridge like everyone
// else. A duplicate clientRef is answered with an ACK carrying the original
// message id so a retrying client can settle its pending state.
func (g *Gateway) handleSendMsg(conn *ws.Connection, env *protocol.Envelope, payload protocol.Inbound) {
	data := payload.(protocol.SendMsgData)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !g.allow(ctx, conn.Identity.UserID, ratelimit.RuleMessage) {
		metrics.DroppedEventsTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	if res := moderation.Check(data.ContentText); res.Blocked {
		metrics.DroppedEventsTotal.WithLabelValues("moderated").Inc()
		log.Printf("gateway: message blocked user=%s room=%s pattern=%s", conn.Identity.UserID, data.RoomID, res.Reason)
		return
	}

	start := time.Now()
	res, err := g.messages.Send(ctx,
		conn.Identity.TenantID, data.RoomID, conn.Identity.UserID,
		data.Type, data.ContentText, data.ContentMeta, data.ClientRef, env.TraceID)
	if err != nil {
		switch {
		case errors.Is(err, message.ErrNotParticipant):
			metrics.DroppedEventsTotal.WithLabelValues("forbidden").Inc()
		case errors.Is(err, room.ErrRoomNotFound):
			metrics.DroppedEventsTotal.WithLabelValues("not_found").Inc()
		default:
			metrics.DroppedEventsTotal.WithLabelValues("error").Inc()
			log.Printf("gateway: send failed user=%s room=%s: %v", conn.Identity.UserID, data.RoomID, err)
		}
		return
	}
	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	if res.Duplicate {
		metrics.DuplicateSendsTotal.Inc()
		g.reply(conn, protocol.EventAck, env.TraceID, protocol.AckData{MessageID: res.MessageID})
	}
}

// handleTyping relays a typing indicator to the sender's room. The
// indicator is stamped with the verified sender, never persisted, and only
// relayed when the sender actually subscribes to the room.
func (g *Gateway) handleTyping(conn *ws.Connection, env *protocol.Envelope, payload protocol.Inbound) {
	data := payload.(protocol.TypingData)

	sess := g.registry.ByConn(conn.ID)
	if sess == nil || !sess.InRoom(data.RoomID) {
		metrics.DroppedEventsTotal.WithLabelValues("forbidden").Inc()
		return
	}

	data.UserID = conn.Identity.UserID
	out, err := protocol.Encode(protocol.EventTyping, env.TraceID, data)
	if err != nil {
		log.Printf("gateway: encode typing: %v", err)
		return
	}
	if err := g.broker.PublishTyping(data.RoomID, out); err != nil {
		log.Printf("gateway: publish typing room=%s: %v", data.RoomID, err)
	}
}

// handleSignalSDP relays a session description to the target user. An offer
// first tries to engage the target's call slot; a busy target answers the
// offerer with CALL_REJECTED and nothing reaches the target. The target
// being offline is not an error: the relay publishes and no instance
// delivers.
func (g *Gateway) handleSignalSDP(conn *ws.Connection, env *protocol.Envelope, payload protocol.Inbound) {
	data := payload.(protocol.SignalSDPData)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if !g.allow(ctx, conn.Identity.UserID, ratelimit.RuleSignal) {
		metrics.DroppedEventsTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	data.SenderID = conn.Identity.UserID
	raw, err := protocol.Encode(protocol.EventSignalSDP, env.TraceID, data)
	if err != nil {
		log.Printf("gateway: encode sdp: %v", err)
		return
	}

	rejected, err := g.relay.SDP(ctx, conn.Identity.UserID, data, raw)
	if err != nil {
		log.Printf("gateway: relay sdp user=%s target=%s: %v", conn.Identity.UserID, data.TargetID, err)
		return
	}
	if rejected {
		metrics.RejectedCallsTotal.Inc()
		g.reply(conn, protocol.EventCallRejected, env.TraceID, protocol.CallRejectedData{TargetID: data.TargetID})
	}
}

// handleSignalICE relays an ICE candidate verbatim. Candidates arrive in
// bursts during connection establishment, so they are exempt from the
// signaling rate limit.
func (g *Gateway) handleSignalICE(conn *ws.Connection, env *protocol.Envelope, payload protocol.Inbound) {
	data := payload.(protocol.SignalICEData)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	data.SenderID = conn.Identity.UserID
	raw, err := protocol.Encode(protocol.EventSignalICE, env.TraceID, data)
	if err != nil {
		log.Printf("gateway: encode ice: %v", err)
		return
	}
	if err := g.relay.ICE(ctx, data, raw); err != nil {
		log.Printf("gateway: relay ice user=%s target=%s: %v", conn.Identity.UserID, data.TargetID, err)
	}
}

// handleAck accepts delivery acknowledgements. Read receipts are owned by
// the REST API, so the gateway takes no action.
func (g *Gateway) handleAck(*ws.Connection, *protocol.Envelope, protocol.Inbound) {}

// allow runs a rate limit check, failing open when the limiter backend is
// unavailable.
func (g *Gateway) allow(ctx context.Context, userID string, rule ratelimit.Rule) bool {
	ok, err := g.limiter.Allow(ctx, userID, rule)
	if err != nil {
		log.Printf("gateway: rate limiter unavailable for %s: %v", userID, err)
		return true
	}
	return ok
}

// reply sends an envelope back on the connection the request arrived on,
// reusing the request's traceId.
func (g *Gateway) reply(conn *ws.Connection, event, traceID string, data interface{}) {
	out, err := protocol.Encode(event, traceID, data)
	if err != nil {
		log.Printf("gateway: encode %s reply: %v", event, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(event, "out").Inc()
	if err := g.send.SendMessage(conn.ID, out); err != nil {
		log.Printf("gateway: reply %s to conn=%s: %v", event, conn.ID, err)
	}
}
