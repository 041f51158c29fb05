package main

import (
	"sync"
)

const guestUsername = "Guest"

// Session holds the transient per-connection state. Username is fixed at
// registration; the room association and position are written by room
// actors and read from the dispatch path, so both sit behind the
// session's own mutex.
type Session struct {
	ConnID   string
	Username string

	mu       sync.Mutex
	room     string
	position *position
}

func (s *Session) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.room
}

func (s *Session) setRoom(name string) {
	s.mu.Lock()
	s.room = name
	s.mu.Unlock()
}

// clearRoom drops the room association only if it still points at the
// given room, so a stale leave cannot undo a newer join.
func (s *Session) clearRoom(name string) {
	s.mu.Lock()
	if s.room == name {
		s.room = ""
	}
	s.mu.Unlock()
}

func (s *Session) currentPosition() (position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.position == nil {
		return position{}, false
	}
	return *s.position, true
}

func (s *Session) setPosition(x, y float64) {
	s.mu.Lock()
	s.position = &position{X: x, Y: y}
	s.mu.Unlock()
}

// sessionRegistry maps live connection ids to sessions.
type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// register creates a session for the given connection id, overwriting any
// stale entry with the same id.
func (sr *sessionRegistry) register(connID, username string) *Session {
	if username == "" {
		username = guestUsername
	}

	s := &Session{
		ConnID:   connID,
		Username: username,
	}

	sr.mu.Lock()
	sr.sessions[connID] = s
	sr.mu.Unlock()

	return s
}

func (sr *sessionRegistry) get(connID string) (*Session, bool) {
	sr.mu.RLock()
	s, ok := sr.sessions[connID]
	sr.mu.RUnlock()

	return s, ok
}

// updatePosition overwrites the stored position, or does nothing if the
// session is gone.
func (sr *sessionRegistry) updatePosition(connID string, x, y float64) {
	if s, ok := sr.get(connID); ok {
		s.setPosition(x, y)
	}
}

// remove deletes the session. Removing an absent id is a no-op.
func (sr *sessionRegistry) remove(connID string) {
	sr.mu.Lock()
	delete(sr.sessions, connID)
	sr.mu.Unlock()
}
