package room

import (
	"context"
	"sync"
	"time"
)

// Room mutation notice types carried on the room.event subject.
const (
	EventParticipantAdded   = "participant_added"
	EventParticipantRemoved = "participant_removed"
	EventArchived           = "archived"
)

// Event is a room mutation notice from the room service or the archival
// migration. UserID is empty for archival events.
type Event struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

// DefaultFreshness bounds how stale a cached membership set may be before
// it is refetched. Membership changes far less often than messages flow, so
// invalidation plus a short window beats a per-message lookup.
const DefaultFreshness = 30 * time.Second

type cacheEntry struct {
	members   map[string]struct{}
	fetchedAt time.Time
}

// Index caches room membership per process on top of a MembershipStore.
type Index struct {
	store     MembershipStore
	freshness time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry

	now func() time.Time // overridable in tests
}

// NewIndex creates an Index over the given store. A non-positive freshness
// falls back to DefaultFreshness.
func NewIndex(store MembershipStore, freshness time.Duration) *Index {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Index{
		store:     store,
		freshness: freshness,
		cache:     make(map[string]*cacheEntry),
		now:       time.Now,
	}
}

// MembersOf returns the current participant set of roomID, serving from
// cache within the freshness window and refetching otherwise.
func (i *Index) MembersOf(ctx context.Context, roomID string) ([]string, error) {
	if entry := i.fresh(roomID); entry != nil {
		out := make([]string, 0, len(entry.members))
		for id := range entry.members {
			out = append(out, id)
		}
		return out, nil
	}
	entry, err := i.refresh(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entry.members))
	for id := range entry.members {
		out = append(out, id)
	}
	return out, nil
}

// IsMember reports whether userID participates in roomID.
func (i *Index) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if entry := i.fresh(roomID); entry != nil {
		_, ok := entry.members[userID]
		return ok, nil
	}
	entry, err := i.refresh(ctx, roomID)
	if err != nil {
		return false, err
	}
	_, ok := entry.members[userID]
	return ok, nil
}

// Invalidate drops the cached entry for roomID. The next reference
// refetches from the store.
func (i *Index) Invalidate(roomID string) {
	i.mu.Lock()
	delete(i.cache, roomID)
	i.mu.Unlock()
}

// Apply processes a room mutation notice. All mutation types evict the
// cached entry; archived rooms never come back, but the store is the
// authority on that so eviction is all that is needed here.
func (i *Index) Apply(e Event) {
	i.Invalidate(e.RoomID)
}

func (i *Index) fresh(roomID string) *cacheEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.cache[roomID]
	if !ok || i.now().Sub(entry.fetchedAt) > i.freshness {
		return nil
	}
	return entry
}

func (i *Index) refresh(ctx context.Context, roomID string) (*cacheEntry, error) {
	members, err := i.store.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(members))
	for _, id := range members {
		set[id] = struct{}{}
	}
	entry := &cacheEntry{members: set, fetchedAt: i.now()}

	i.mu.Lock()
	i.cache[roomID] = entry
	i.mu.Unlock()
	return entry, nil
}
