// Package history keeps the ordered question/answer log of one UI session.
package history

import (
	"sync"
	"time"
)

// Entry is one question and the text shown back for it.
type Entry struct {
	Prompt   string    `json:"prompt"`
	Response string    `json:"response"`
	At       time.Time `json:"at"`
}

// Store is append-only and safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// New returns an empty store.
func New() *Store { return &Store{now: time.Now} }

// Append records a prompt and its response at the end of the log.
func (s *Store) Append(prompt, response string) {
	s.mu.Lock()
	s.entries = append(s.entries, Entry{Prompt: prompt, Response: response, At: s.now()})
	s.mu.Unlock()
}

// All returns a copy of every entry in append order.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
