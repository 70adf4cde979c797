// Package statestore implements the per-session ordered message transcript
// append, clear, and deep-copy snapshot/restore.
package statestore

import (
	"sync"

	"github.com/openstarry/core/pkg/models"
)

// Store is one session's ordered, append-only Message transcript.
type Store struct {
	mu       sync.RWMutex
	messages []models.Message
}

// New constructs an empty Store.
func New() *Store {
	return &Store{}
}

// Append adds msg to the end of the transcript. Rewriting existing history
// is never exposed: there is no update/delete operation.
func (s *Store) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg.Clone())
}

// Clear empties the transcript.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Snapshot returns a deep copy of the current transcript; mutating the
// returned slice or any message within it never affects the store.
func (s *Store) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Restore replaces the transcript with a deep copy of messages.
func (s *Store) Restore(messages []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := make([]models.Message, len(messages))
	for i, m := range messages {
		restored[i] = m.Clone()
	}
	s.messages = restored
}

// Len reports the current transcript length.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
