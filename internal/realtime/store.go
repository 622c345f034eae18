package realtime

import "sync"

// RoomAdmin is the fixed broadcast group for administrator sessions. Every
// other room is a user id, giving unicast-like delivery to all of that
// user's live connections.
const RoomAdmin = "admin"

// Store tracks live sessions and their room memberships. All operations are
// safe under concurrent connect, disconnect and broadcast enumeration.
//
// One identity may hold any number of concurrent sessions; each receives
// broadcasts independently.
type Store struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[*Session]struct{}),
		rooms:    make(map[string]map[*Session]struct{}),
	}
}

// Register adds a session to the store and joins its standing rooms: the
// per-user room and, for admin identities, the admin room. The admin flag
// comes from the token claim fixed at authentication time.
func (st *Store) Register(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.sessions[s] = struct{}{}
	st.join(s, s.identity.UserID)
	if s.identity.IsAdmin {
		st.join(s, RoomAdmin)
	}
}

// Join adds the session to an extra room.
func (st *Store) Join(s *Session, room string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[s]; !ok {
		return
	}
	st.join(s, room)
}

func (st *Store) join(s *Session, room string) {
	members, ok := st.rooms[room]
	if !ok {
		members = make(map[*Session]struct{})
		st.rooms[room] = members
	}
	members[s] = struct{}{}
}

// Remove drops the session from the store and every room it joined.
// Reports whether the session was registered.
func (st *Store) Remove(s *Session) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[s]; !ok {
		return false
	}
	delete(st.sessions, s)
	for room, members := range st.rooms {
		delete(members, s)
		if len(members) == 0 {
			delete(st.rooms, room)
		}
	}
	return true
}

// SessionsIn returns a snapshot of the sessions in a room. A room nobody
// joined yields an empty slice, so broadcasts to stale rooms no-op.
func (st *Store) SessionsIn(room string) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	members := st.rooms[room]
	out := make([]*Session, 0, len(members))
	for s := range members {
		out = append(out, s)
	}
	return out
}

// ForUser returns every live session authenticated as the given user.
func (st *Store) ForUser(userID string) []*Session {
	return st.SessionsIn(userID)
}

// Snapshot returns every registered session (the implicit global room).
func (st *Store) Snapshot() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*Session, 0, len(st.sessions))
	for s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Count reports the number of registered sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
