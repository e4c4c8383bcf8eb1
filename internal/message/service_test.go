package message

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/limaxs/chat-gateway/internal/protocol"
	"github.com/limaxs/chat-gateway/internal/room"
)

type fakeMembers struct {
	rooms map[string]map[string]bool
}

func (f *fakeMembers) IsMember(_ context.Context, roomID, userID string) (bool, error) {
	members, ok := f.rooms[roomID]
	if !ok {
		return false, room.ErrRoomNotFound
	}
	return members[userID], nil
}

type fakeStore struct {
	mu      sync.Mutex
	records []*Record
	failErr error
}

func (f *fakeStore) Insert(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	rec.CreatedAt = time.Now().UTC()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []struct {
		roomID string
		env    protocol.Envelope
	}
}

func (f *fakeBroadcaster) PublishToRoom(roomID string, data []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.published = append(f.published, struct {
		roomID string
		env    protocol.Envelope
	}{roomID, env})
	f.mu.Unlock()
	return nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeBroadcaster) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := &fakeStore{}
	pub := &fakeBroadcaster{}
	members := &fakeMembers{rooms: map[string]map[string]bool{
		"r1": {"alice": true, "bob": true},
	}}
	return NewService(NewDedup(client, time.Hour), store, members, pub), store, pub
}

func TestSend_PersistsAndBroadcasts(t *testing.T) {
	svc, store, pub := newTestService(t)
	ctx := context.Background()

	res, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi", nil, "c1", "trace-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Duplicate {
		t.Error("first send must not be a duplicate")
	}
	if res.MessageID == "" || res.CreatedAt == "" {
		t.Errorf("incomplete result: %+v", res)
	}
	if store.count() != 1 {
		t.Errorf("expected 1 stored message, got %d", store.count())
	}
	if pub.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", pub.count())
	}

	env := pub.published[0].env
	if env.Event != protocol.EventNewMessage {
		t.Errorf("expected NEW_MESSAGE, got %q", env.Event)
	}
	if env.TraceID != "trace-1" {
		t.Errorf("broadcast must carry the caller traceId, got %q", env.TraceID)
	}
	var data protocol.NewMessageData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("broadcast data: %v", err)
	}
	if data.ID != res.MessageID || data.ContentText != "hi" || data.SenderID != "alice" {
		t.Errorf("unexpected broadcast payload: %+v", data)
	}
}

func TestSend_DuplicateClientRefResolvesToOriginal(t *testing.T) {
	svc, store, pub := newTestService(t)
	ctx := context.Background()

	first, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi", nil, "c1", "trace-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi", nil, "c1", "trace-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !second.Duplicate {
		t.Error("second send must report duplicate")
	}
	if second.MessageID != first.MessageID {
		t.Errorf("duplicate must resolve to the original id: %q != %q", second.MessageID, first.MessageID)
	}
	if store.count() != 1 {
		t.Errorf("expected exactly one persisted message, got %d", store.count())
	}
	if pub.count() != 1 {
		t.Errorf("duplicate must not re-broadcast, got %d broadcasts", pub.count())
	}
}

func TestSend_SameRefDifferentTenantsAreIndependent(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi", nil, "c1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := svc.Send(ctx, "t2", "r1", "alice", "TEXT", "hi", nil, "c1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Duplicate || a.MessageID == b.MessageID {
		t.Error("clientRef uniqueness is scoped per tenant")
	}
	if store.count() != 2 {
		t.Errorf("expected 2 messages, got %d", store.count())
	}
}

func TestSend_UnknownRoom(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Send(context.Background(), "t1", "missing", "alice", "TEXT", "hi", nil, "c1", "")
	if !errors.Is(err, room.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestSend_NotParticipant(t *testing.T) {
	svc, store, pub := newTestService(t)

	_, err := svc.Send(context.Background(), "t1", "r1", "mallory", "TEXT", "hi", nil, "c1", "")
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if store.count() != 0 || pub.count() != 0 {
		t.Error("rejected send must not persist or broadcast")
	}
}

func TestSend_StorageFailureReleasesReservation(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	store.failErr = errors.New("pg down")
	if _, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi", nil, "c1", ""); err == nil {
		t.Fatal("expected storage error")
	}

	// Retrying with the same clientRef succeeds once storage recovers.
	store.failErr = nil
	res, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi", nil, "c1", "")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Duplicate {
		t.Error("retry after released reservation must not be a duplicate")
	}
	if store.count() != 1 {
		t.Errorf("expected 1 persisted message, got %d", store.count())
	}
}

func TestSend_InvalidType(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.Send(context.Background(), "t1", "r1", "alice", "CARRIER_PIGEON", "hi", nil, "c1", ""); err == nil {
		t.Fatal("expected error for invalid message type")
	}
}

func TestSend_RefReuseAfterRetentionStoresNewMessage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := &fakeStore{}
	pub := &fakeBroadcaster{}
	members := &fakeMembers{rooms: map[string]map[string]bool{
		"r1": {"alice": true},
	}}
	svc := NewService(NewDedup(client, time.Minute), store, members, pub)
	ctx := context.Background()

	first, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi", nil, "c1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	second, err := svc.Send(ctx, "t1", "r1", "alice", "TEXT", "hi again", nil, "c1", "")
	if err != nil {
		t.Fatalf("reuse after retention must succeed: %v", err)
	}
	if second.Duplicate {
		t.Error("reuse after retention is a new message, not a duplicate")
	}
	if second.MessageID == first.MessageID {
		t.Error("reuse after retention must mint a fresh id")
	}

	// Both sends persist; the ref column carries no uniqueness of its own,
	// the Redis reservation is the only dedup authority.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.records) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(store.records))
	}
	if store.records[0].ClientRef != "c1" || store.records[1].ClientRef != "c1" {
		t.Errorf("both records must carry the reused ref: %q, %q",
			store.records[0].ClientRef, store.records[1].ClientRef)
	}
}

func TestDedup_RetentionExpiryAllowsReuse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	dedup := NewDedup(client, time.Minute)
	ctx := context.Background()

	id, dup, err := dedup.Reserve(ctx, "t1", "c1", "m1")
	if err != nil || dup || id != "m1" {
		t.Fatalf("first reserve: id=%q dup=%v err=%v", id, dup, err)
	}

	mr.FastForward(2 * time.Minute)

	id, dup, err = dedup.Reserve(ctx, "t1", "c1", "m2")
	if err != nil || dup || id != "m2" {
		t.Fatalf("reserve after expiry: id=%q dup=%v err=%v", id, dup, err)
	}
}
