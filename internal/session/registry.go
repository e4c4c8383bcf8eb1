// Package session tracks the live, authenticated connections served by this
// gateway process. A Session binds a connection id to a user, tenant, and
// the set of rooms the user participates in; it exists only for the lifetime
// of the connection and is never persisted.
package session

import "sync"

// Session is the unit of addressability for delivery. A user may hold any
// number of Sessions (one per open connection).
type Session struct {
	ConnID   string
	UserID   string
	TenantID string
	UserName string

	mu    sync.RWMutex
	rooms map[string]struct{}
}

// New creates a Session for an authenticated connection with its initial
// room membership snapshot.
func New(connID, userID, tenantID, userName string, roomIDs []string) *Session {
	rooms := make(map[string]struct{}, len(roomIDs))
	for _, id := range roomIDs {
		rooms[id] = struct{}{}
	}
	return &Session{
		ConnID:   connID,
		UserID:   userID,
		TenantID: tenantID,
		UserName: userName,
		rooms:    rooms,
	}
}

// InRoom reports whether this session subscribes to the given room.
func (s *Session) InRoom(roomID string) bool {
	s.mu.RLock()
	_, ok := s.rooms[roomID]
	s.mu.RUnlock()
	return ok
}

// Rooms returns a snapshot of the session's room ids.
func (s *Session) Rooms() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	s.mu.RUnlock()
	return out
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// Registry is the thread-safe index of this process's live sessions. It
// supports O(1) lookup by connection id and by user id, plus a room index
// used to fan out broadcasts to local subscribers.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Session
	byUser map[string]map[string]*Session // userID -> connID -> session
	byRoom map[string]map[string]*Session // roomID -> connID -> session
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		byRoom: make(map[string]map[string]*Session),
	}
}

// Add registers a session in all three indexes. It returns the number of
// sessions the user now holds on this process.
func (r *Registry) Add(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byConn[s.ConnID] = s
	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]*Session)
	}
	r.byUser[s.UserID][s.ConnID] = s
	for roomID := range s.rooms {
		if r.byRoom[roomID] == nil {
			r.byRoom[roomID] = make(map[string]*Session)
		}
		r.byRoom[roomID][s.ConnID] = s
	}
	return len(r.byUser[s.UserID])
}

// Remove deregisters the session for connID and returns it, or nil if it was
// already gone. The second return value is the number of sessions the user
// still holds on this process after removal.
func (r *Registry) Remove(connID string) (*Session, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[connID]
	if !ok {
		return nil, 0
	}
	delete(r.byConn, connID)

	remaining := 0
	if conns, ok := r.byUser[s.UserID]; ok {
		delete(conns, connID)
		remaining = len(conns)
		if remaining == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	for roomID := range s.rooms {
		if conns, ok := r.byRoom[roomID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byRoom, roomID)
			}
		}
	}
	return s, remaining
}

// ByConn returns the session for the given connection id, or nil.
func (r *Registry) ByConn(connID string) *Session {
	r.mu.RLock()
	s := r.byConn[connID]
	r.mu.RUnlock()
	return s
}

// ForUser returns all sessions belonging to userID on this process.
func (r *Registry) ForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

// Subscribers returns all local sessions subscribed to roomID. Sessions
// belonging to excludeUserID are skipped; pass "" to include everyone.
func (r *Registry) Subscribers(roomID, excludeUserID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byRoom[roomID]
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		if excludeUserID != "" && s.UserID == excludeUserID {
			continue
		}
		out = append(out, s)
	}
	return out
}

// JoinRoom adds roomID to every local session of userID. Called when a
// membership-change notification reports the user joined a room while
// connected.
func (r *Registry) JoinRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, s := range r.byUser[userID] {
		s.addRoom(roomID)
		if r.byRoom[roomID] == nil {
			r.byRoom[roomID] = make(map[string]*Session)
		}
		r.byRoom[roomID][connID] = s
	}
}

// LeaveRoom removes roomID from every local session of userID.
func (r *Registry) LeaveRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID, s := range r.byUser[userID] {
		s.removeRoom(roomID)
		if conns, ok := r.byRoom[roomID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.byRoom, roomID)
			}
		}
	}
}

// DropRoom detaches every local session from roomID. Used when a room is
// archived: no further traffic will arrive for it.
func (r *Registry) DropRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byRoom[roomID] {
		s.removeRoom(roomID)
	}
	delete(r.byRoom, roomID)
}

// Count returns the number of live sessions on this process.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byConn)
	r.mu.RUnlock()
	return n
}
