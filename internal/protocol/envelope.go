// Package protocol defines the envelope format and event taxonomy exchanged
// over the gateway's persistent connections. Every frame in either direction
// is a JSON object {event, traceId, data}; the traceId is a caller-supplied
// correlation id that the gateway round-trips without rewriting.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> Gateway events.
const (
	EventSendMsg   = "SEND_MSG"
	EventTyping    = "TYPING"
	EventSignalSDP = "SIGNAL_SDP"
	EventSignalICE = "SIGNAL_ICE"
	EventAck       = "ACK"
)

// Gateway -> Client events. TYPING, SIGNAL_SDP, SIGNAL_ICE and ACK also
// travel outbound when relayed.
const (
	EventNewMessage   = "NEW_MESSAGE"
	EventPresence     = "PRESENCE"
	EventCallRejected = "CALL_REJECTED"
)

// SDP payload types carried by SIGNAL_SDP.
const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ErrUnknownEvent is returned by DecodeInbound for a well-formed envelope
// whose event is not part of the inbound taxonomy. The dispatcher drops
// such frames without closing the connection, so wire-level forward
// compatibility is preserved.
var ErrUnknownEvent = errors.New("protocol: unknown event")

// Envelope is the uniform wire message. Data is kept raw so the payload can
// be decoded into the event-specific struct after the event is known, and
// so relays can forward the original bytes untouched.
type Envelope struct {
	Event   string          `json:"event"`
	TraceID string          `json:"traceId"`
	Data    json.RawMessage `json:"data"`
}

// Inbound is the closed set of decoded client payloads. The unexported
// method seals the interface so the dispatcher's type switch covers every
// event the gateway accepts.
type Inbound interface {
	inbound()
}

// SendMsgData is the SEND_MSG payload: a chat message with a caller-generated
// idempotency key.
type SendMsgData struct {
	RoomID      string          `json:"roomId"`
	Type        string          `json:"type"`
	ContentText string          `json:"contentText"`
	ContentMeta json.RawMessage `json:"contentMeta,omitempty"`
	ClientRef   string          `json:"clientRef"`
}

// TypingData is the TYPING payload, relayed to the room without
// persistence. UserID is ignored on the way in and stamped with the
// verified sender on the way out.
type TypingData struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// SignalSDPData carries a WebRTC session description between two users.
// SenderID is stamped by the relay from the verified connection identity.
type SignalSDPData struct {
	TargetID string `json:"targetId"`
	SenderID string `json:"senderId,omitempty"`
	Type     string `json:"type"`
	SDP      string `json:"sdp"`
}

// SignalICEData carries a WebRTC ICE candidate between two users. SenderID
// is stamped by the relay from the verified connection identity.
type SignalICEData struct {
	TargetID      string `json:"targetId"`
	SenderID      string `json:"senderId,omitempty"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex int    `json:"sdpMLineIndex,omitempty"`
}

// AckData acknowledges delivery of a message. The gateway accepts it but
// takes no action.
type AckData struct {
	MessageID string `json:"messageId"`
}

func (SendMsgData) inbound()   {}
func (TypingData) inbound()    {}
func (SignalSDPData) inbound() {}
func (SignalICEData) inbound() {}
func (AckData) inbound()       {}

// NewMessageData is the NEW_MESSAGE payload broadcast to room subscribers
// after a message is durably stored.
type NewMessageData struct {
	ID          string          `json:"id"`
	RoomID      string          `json:"roomId"`
	SenderID    string          `json:"senderId"`
	Type        string          `json:"type"`
	ContentText string          `json:"contentText"`
	ContentMeta json.RawMessage `json:"contentMeta,omitempty"`
	CreatedAt   string          `json:"createdAt"`
}

// PresenceData announces a user's online/offline transition to one room.
type PresenceData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Status   string `json:"status"`
	RoomID   string `json:"roomId"`
}

// CallRejectedData tells an offerer that the target is already in a call.
type CallRejectedData struct {
	TargetID string `json:"targetId"`
}

// DecodeInbound parses raw frame bytes into an envelope and its typed
// payload. A frame that is not a decodable envelope returns an error (the
// connection is closed with a protocol error); a well-formed envelope with
// an unrecognized event returns ErrUnknownEvent so the caller can drop it.
func DecodeInbound(data []byte) (*Envelope, Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	if env.Event == "" {
		return nil, nil, fmt.Errorf("protocol: missing event field")
	}

	var (
		payload Inbound
		err     error
	)

	switch env.Event {
	case EventSendMsg:
		var m SendMsgData
		err = json.Unmarshal(env.Data, &m)
		payload = m
	case EventTyping:
		var m TypingData
		err = json.Unmarshal(env.Data, &m)
		payload = m
	case EventSignalSDP:
		var m SignalSDPData
		err = json.Unmarshal(env.Data, &m)
		payload = m
	case EventSignalICE:
		var m SignalICEData
		err = json.Unmarshal(env.Data, &m)
		payload = m
	case EventAck:
		var m AckData
		err = json.Unmarshal(env.Data, &m)
		payload = m
	default:
		return &env, nil, ErrUnknownEvent
	}

	if err != nil {
		return &env, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Event, err)
	}
	return &env, payload, nil
}

// Encode builds the wire bytes for an outbound envelope. The traceId is
// passed through as given: handlers answering a client envelope reuse its
// traceId, while gateway-originated events supply a fresh one.
func Encode(event string, traceID string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
	}
	out, err := json.Marshal(Envelope{Event: event, TraceID: traceID, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q envelope: %w", event, err)
	}
	return out, nil
}
