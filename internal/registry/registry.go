// Package registry holds the map from subscriber connection id to active
// session, and is the synchronisation boundary for all session mutation.
package registry

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Session pairs one subscriber connection with one open upstream feed. The
// registry exclusively owns the mapping; callers hold a Session only for the
// scope of a single operation.
type Session struct {
	ConnectionID string
	Identity     string
	Target       string

	// Handle owns the upstream subscription; closing it terminates the feed
	Handle io.Closer

	StartedAt time.Time

	Stats *Stats

	// most recent audience figure seen on this feed; updated from the event
	// path without taking the registry lock
	viewers int64
}

// SetViewerCount records the latest audience figure for this session.
func (s *Session) SetViewerCount(count int) {
	atomic.StoreInt64(&s.viewers, int64(count))
}

// ViewerCount returns the latest audience figure seen on this session.
func (s *Session) ViewerCount() int {
	return int(atomic.LoadInt64(&s.viewers))
}

// Store is the connection-id to session map. All operations are atomic with
// respect to each other.
type Store struct {
	mu sync.Mutex

	sessions map[string]*Session
}

// New returns a pointer to an initialised Store
func New() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// Put installs session under connectionID, atomically removing any session
// already occupying the id; no observer ever sees two sessions for one id.
// The displaced session (nil if none) is returned for the caller to close:
// feed handle closure can block on in-flight event delivery, so it must not
// happen under the registry lock.
func (s *Store) Put(connectionID string, session *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.sessions[connectionID]
	s.sessions[connectionID] = session
	return prev
}

// Remove removes and returns the session for connectionID, if any. It does
// not close the feed handle; the caller owns teardown, so racing termination
// triggers cannot double-close.
func (s *Store) Remove(connectionID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[connectionID]
	if ok {
		delete(s.sessions, connectionID)
	}
	return session, ok
}

// RemoveWhere atomically removes and returns every session matching the
// predicate.
func (s *Store) RemoveWhere(match func(*Session) bool) []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := []*Session{}

	for id, session := range s.sessions {
		if match(session) {
			removed = append(removed, session)
			delete(s.sessions, id)
		}
	}

	return removed
}

// Count returns the number of active sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Snapshot returns a point-in-time copy of the session list, ordered by start
// time then connection id. The returned slice is the caller's; the sessions
// it points to remain live.
func (s *Store) Snapshot() []*Session {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ConnectionID < sessions[j].ConnectionID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	return sessions
}
