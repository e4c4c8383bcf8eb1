package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeStore is an in-memory MembershipStore that counts Members calls so
// tests can observe cache behavior.
type fakeStore struct {
	mu      sync.Mutex
	rooms   map[string][]string
	calls   int
	failErr error
}

func (f *fakeStore) Members(_ context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	members, ok := f.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return append([]string(nil), members...), nil
}

func (f *fakeStore) RoomsOf(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for roomID, members := range f.rooms {
		for _, m := range members {
			if m == userID {
				out = append(out, roomID)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestIndex_MembersOfCaches(t *testing.T) {
	store := &fakeStore{rooms: map[string][]string{"r1": {"alice", "bob"}}}
	idx := NewIndex(store, time.Minute)
	ctx := context.Background()

	members, err := idx.MembersOf(ctx, "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("unexpected members: %v", members)
	}

	// Second call within the freshness window hits the cache.
	if _, err := idx.MembersOf(ctx, "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.callCount() != 1 {
		t.Errorf("expected 1 store call, got %d", store.callCount())
	}
}

func TestIndex_FreshnessWindowExpires(t *testing.T) {
	store := &fakeStore{rooms: map[string][]string{"r1": {"alice"}}}
	idx := NewIndex(store, time.Minute)

	current := time.Now()
	idx.now = func() time.Time { return current }

	ctx := context.Background()
	if _, err := idx.MembersOf(ctx, "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := idx.MembersOf(ctx, "r1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.callCount() != 2 {
		t.Errorf("expected refetch after freshness expiry, got %d calls", store.callCount())
	}
}

func TestIndex_InvalidateForcesRefetch(t *testing.T) {
	store := &fakeStore{rooms: map[string][]string{"r1": {"alice"}}}
	idx := NewIndex(store, time.Minute)
	ctx := context.Background()

	ok, err := idx.IsMember(ctx, "r1", "alice")
	if err != nil || !ok {
		t.Fatalf("expected alice to be a member, got ok=%v err=%v", ok, err)
	}

	// Membership mutates behind our back; the notice evicts the entry.
	store.mu.Lock()
	store.rooms["r1"] = []string{"alice", "carol"}
	store.mu.Unlock()
	idx.Apply(Event{Type: EventParticipantAdded, RoomID: "r1", UserID: "carol"})

	ok, err = idx.IsMember(ctx, "r1", "carol")
	if err != nil || !ok {
		t.Fatalf("expected carol after invalidation, got ok=%v err=%v", ok, err)
	}
	if store.callCount() != 2 {
		t.Errorf("expected 2 store calls, got %d", store.callCount())
	}
}

func TestIndex_RoomNotFoundPropagates(t *testing.T) {
	store := &fakeStore{rooms: map[string][]string{}}
	idx := NewIndex(store, time.Minute)

	_, err := idx.MembersOf(context.Background(), "nope")
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	// Misses are not cached: a later reference asks the store again.
	_, _ = idx.MembersOf(context.Background(), "nope")
	if store.callCount() != 2 {
		t.Errorf("expected 2 store calls for repeated miss, got %d", store.callCount())
	}
}

func TestIndex_IsMemberFalse(t *testing.T) {
	store := &fakeStore{rooms: map[string][]string{"r1": {"alice"}}}
	idx := NewIndex(store, time.Minute)

	ok, err := idx.IsMember(context.Background(), "r1", "mallory")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("mallory must not be a member")
	}
}
