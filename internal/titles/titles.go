// Package titles is the Pending-Title Store (SPEC_FULL.md §4.H): a small
// process-wide map from session id to a user-provided title, consulted and
// cleared only by the post-turn flush path in internal/supervisor. It
// exists because a title record must not be appended to a transcript file
// while the subprocess is mid-turn — the JSONL file would race.
package titles

import "sync"

// Store holds pending titles, one per session, until the owning wrapper's
// next quiescent point flushes them.
type Store struct {
	mu     sync.Mutex
	titles map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{titles: make(map[string]string)}
}

// Set records title as the pending title for session, overwriting any
// prior pending value.
func (s *Store) Set(sessionID, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[sessionID] = title
}

// Take returns the pending title for session, if any, and clears it.
// Intended to be called exactly once, by the flush path.
func (s *Store) Take(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	title, ok := s.titles[sessionID]
	if ok {
		delete(s.titles, sessionID)
	}
	return title, ok
}

// Has reports whether session currently has a pending title, without
// consuming it.
func (s *Store) Has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.titles[sessionID]
	return ok
}
