package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/limaxs/chat-gateway/internal/protocol"
)

// ErrNotParticipant is returned when the sender is not a member of the
// target room.
var ErrNotParticipant = errors.New("message: sender is not a room participant")

// Membership answers whether a user belongs to a room. Satisfied by
// room.Index.
type Membership interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Broadcaster pushes a NEW_MESSAGE envelope onto the shared broadcast
// channel for a room.
type Broadcaster interface {
	PublishToRoom(roomID string, data []byte) error
}

// Result is the outcome of a send. Duplicate means the clientRef had
// already been ingested, MessageID is the originally stored id, and no new
// broadcast was produced.
type Result struct {
	MessageID string
	CreatedAt string
	Duplicate bool
}

// Service is the idempotent message ingestion pipeline.
type Service struct {
	dedup   *Dedup
	store   Store
	members Membership
	pub     Broadcaster
}

// NewService wires the ingestion pipeline.
func NewService(dedup *Dedup, store Store, members Membership, pub Broadcaster) *Service {
	return &Service{dedup: dedup, store: store, members: members, pub: pub}
}

// Send validates, deduplicates, persists, and broadcasts one chat message.
//
// The message id is generated before the idempotency claim so the claim can
// be written atomically in a single set-if-absent. If persistence fails the
// claim is released, making a caller retry with the same clientRef safe.
// The NEW_MESSAGE broadcast answers the SEND_MSG envelope, so it carries
// the caller's traceId.
func (s *Service) Send(ctx context.Context, tenantID, roomID, senderID, msgType, contentText string, contentMeta json.RawMessage, clientRef, traceID string) (*Result, error) {
	msgType, err := NormalizeType(msgType)
	if err != nil {
		return nil, err
	}
	if err := ValidateContent(contentText); err != nil {
		return nil, err
	}

	ok, err := s.members.IsMember(ctx, roomID, senderID)
	if err != nil {
		return nil, err // room.ErrRoomNotFound passes through
	}
	if !ok {
		return nil, ErrNotParticipant
	}

	rec := &Record{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		SenderID:    senderID,
		Type:        msgType,
		ContentText: contentText,
		ContentMeta: contentMeta,
		ClientRef:   clientRef,
	}

	if clientRef != "" {
		storedID, duplicate, err := s.dedup.Reserve(ctx, tenantID, clientRef, rec.ID)
		if err != nil {
			return nil, err
		}
		if duplicate {
			return &Result{MessageID: storedID, Duplicate: true}, nil
		}
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		if clientRef != "" {
			if relErr := s.dedup.Release(ctx, tenantID, clientRef); relErr != nil {
				return nil, fmt.Errorf("%w (release reservation: %v)", err, relErr)
			}
		}
		return nil, err
	}

	createdAt := rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	data, err := protocol.Encode(protocol.EventNewMessage, traceID, protocol.NewMessageData{
		ID:          rec.ID,
		RoomID:      rec.RoomID,
		SenderID:    rec.SenderID,
		Type:        rec.Type,
		ContentText: rec.ContentText,
		ContentMeta: rec.ContentMeta,
		CreatedAt:   createdAt,
	})
	if err != nil {
		return nil, err
	}
	if err := s.pub.PublishToRoom(roomID, data); err != nil {
		// The message is durably stored; the caller still gets the id so a
		// blind retry with the same clientRef will not duplicate it.
		return &Result{MessageID: rec.ID, CreatedAt: createdAt},
			fmt.Errorf("message: broadcast %s: %w", rec.ID, err)
	}

	return &Result{MessageID: rec.ID, CreatedAt: createdAt}, nil
}
