package signal

import (
	"context"

	"github.com/limaxs/chat-gateway/internal/protocol"
)

// Publisher pushes a signaling envelope onto the shared broadcast channel
// for one target user.
type Publisher interface {
	PublishToUser(userID string, data []byte) error
}

// Relay forwards signaling envelopes verbatim to their target user. It
// never broadcasts to rooms and never persists anything; a target with no
// live session on any gateway simply receives nothing.
type Relay struct {
	calls *CallStore
	pub   Publisher
}

// NewRelay creates a Relay over the given call store and publisher.
func NewRelay(calls *CallStore, pub Publisher) *Relay {
	return &Relay{calls: calls, pub: pub}
}

// SDP handles a SIGNAL_SDP envelope from senderID. The raw bytes are the
// original inbound frame, relayed untouched so the traceId and payload
// reach the target exactly as sent.
//
// An offer first attempts the target's IDLE -> BUSY transition; when the
// target is already busy the offer is not relayed and rejected=true is
// returned so the dispatcher can answer the offerer with CALL_REJECTED.
// Answers relay without touching call state: busy is cleared by disconnect
// or TTL expiry, not by answering.
func (r *Relay) SDP(ctx context.Context, senderID string, data protocol.SignalSDPData, raw []byte) (rejected bool, err error) {
	if data.Type == protocol.SDPTypeOffer {
		engaged, err := r.calls.TryEngage(ctx, data.TargetID, senderID)
		if err != nil {
			return false, err
		}
		if !engaged {
			return true, nil
		}
	}
	return false, r.pub.PublishToUser(data.TargetID, raw)
}

// ICE relays a SIGNAL_ICE envelope verbatim. ICE candidates never alter
// call state.
func (r *Relay) ICE(_ context.Context, data protocol.SignalICEData, raw []byte) error {
	return r.pub.PublishToUser(data.TargetID, raw)
}

// Disconnected releases any busy record owned by userID, immediately
// reverting them to IDLE.
func (r *Relay) Disconnected(ctx context.Context, userID string) error {
	return r.calls.Clear(ctx, userID)
}
