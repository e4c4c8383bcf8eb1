package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/limaxs/chat-gateway/internal/protocol"
)

type capturedAnnouncement struct {
	roomID string
	data   protocol.PresenceData
}

// fakePublisher records published presence envelopes.
type fakePublisher struct {
	mu        sync.Mutex
	announced []capturedAnnouncement
}

func (f *fakePublisher) PublishPresence(roomID string, raw []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	var data protocol.PresenceData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return err
	}
	f.mu.Lock()
	f.announced = append(f.announced, capturedAnnouncement{roomID: roomID, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) all() []capturedAnnouncement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedAnnouncement(nil), f.announced...)
}

func newTestTracker(t *testing.T) (*Tracker, *fakePublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	pub := &fakePublisher{}
	return NewTracker(client, pub), pub, mr
}

func TestConnected_FirstConnectionAnnouncesOnline(t *testing.T) {
	tracker, pub, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Connected(ctx, "alice", "Alice", []string{"r1", "r2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	announced := pub.all()
	if len(announced) != 2 {
		t.Fatalf("expected 2 announcements, got %d", len(announced))
	}
	for _, a := range announced {
		if a.data.Status != protocol.StatusOnline {
			t.Errorf("expected online status, got %q", a.data.Status)
		}
		if a.data.UserID != "alice" || a.data.UserName != "Alice" {
			t.Errorf("unexpected identity: %+v", a.data)
		}
		if a.roomID != a.data.RoomID {
			t.Errorf("subject room %q does not match payload room %q", a.roomID, a.data.RoomID)
		}
	}

	online, err := tracker.IsOnline(ctx, "alice")
	if err != nil || !online {
		t.Errorf("expected alice online, got %v err=%v", online, err)
	}
}

func TestConnected_SecondConnectionIsSilent(t *testing.T) {
	tracker, pub, _ := newTestTracker(t)
	ctx := context.Background()

	tracker.Connected(ctx, "alice", "Alice", []string{"r1"})
	tracker.Connected(ctx, "alice", "Alice", []string{"r1"})

	if got := len(pub.all()); got != 1 {
		t.Errorf("expected 1 announcement, got %d", got)
	}
}

func TestDisconnected_LastConnectionAnnouncesOffline(t *testing.T) {
	tracker, pub, _ := newTestTracker(t)
	ctx := context.Background()

	tracker.Connected(ctx, "alice", "Alice", []string{"r1"})
	tracker.Connected(ctx, "alice", "Alice", []string{"r1"})

	// First disconnect: one connection remains, no announcement.
	if err := tracker.Disconnected(ctx, "alice", "Alice", []string{"r1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(pub.all()); got != 1 {
		t.Fatalf("expected no offline announcement yet, got %d total", got)
	}
	if online, _ := tracker.IsOnline(ctx, "alice"); !online {
		t.Error("alice should still be online with one connection left")
	}

	// Last disconnect goes offline.
	if err := tracker.Disconnected(ctx, "alice", "Alice", []string{"r1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	announced := pub.all()
	if len(announced) != 2 {
		t.Fatalf("expected 2 announcements, got %d", len(announced))
	}
	last := announced[len(announced)-1]
	if last.data.Status != protocol.StatusOffline {
		t.Errorf("expected offline, got %q", last.data.Status)
	}

	if online, _ := tracker.IsOnline(ctx, "alice"); online {
		t.Error("alice should be offline")
	}
	if seen, err := tracker.LastSeen(ctx, "alice"); err != nil || seen == "" {
		t.Errorf("expected last-seen timestamp, got %q err=%v", seen, err)
	}
}

func TestConnectionsSpanProcesses(t *testing.T) {
	// Two trackers sharing one Redis stand in for two gateway processes.
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientA.Close(); clientB.Close() })

	pubA, pubB := &fakePublisher{}, &fakePublisher{}
	trackerA := NewTracker(clientA, pubA)
	trackerB := NewTracker(clientB, pubB)
	ctx := context.Background()

	trackerA.Connected(ctx, "alice", "Alice", []string{"r1"})
	trackerB.Connected(ctx, "alice", "Alice", []string{"r1"})

	// Closing the connection on A must not take alice offline: B still
	// holds one.
	trackerA.Disconnected(ctx, "alice", "Alice", []string{"r1"})
	if online, _ := trackerB.IsOnline(ctx, "alice"); !online {
		t.Fatal("alice must remain online while process B holds a connection")
	}

	trackerB.Disconnected(ctx, "alice", "Alice", []string{"r1"})
	if online, _ := trackerA.IsOnline(ctx, "alice"); online {
		t.Fatal("alice must be offline after the last connection closes")
	}
	if got := len(pubB.all()); got != 1 {
		t.Errorf("expected the offline announcement from B, got %d", got)
	}
}
