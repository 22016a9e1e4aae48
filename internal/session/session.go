// Package session keeps the message history of chat sessions.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/igolaizola/citychat/pkg/memory"
)

// Store gives access to the history of each session.
type Store interface {
	// Memory returns the history of the session, creating it if needed.
	Memory(ctx context.Context, id string) (memory.Memory, error)
	// List returns the known session ids.
	List(ctx context.Context) ([]string, error)
	Close() error
}

// NewID returns a new random session id.
func NewID() string {
	return uuid.NewString()
}

// Open returns a sqlite store if path is set, an in-memory store otherwise.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return NewSQLite(path)
}

type memoryStore struct {
	lck      sync.Mutex
	sessions map[string]*memory.Conversation
}

// NewMemory returns a store that keeps sessions in memory.
func NewMemory() Store {
	return &memoryStore{sessions: map[string]*memory.Conversation{}}
}

func (s *memoryStore) Memory(_ context.Context, id string) (memory.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("session: empty id")
	}
	s.lck.Lock()
	defer s.lck.Unlock()
	conv, ok := s.sessions[id]
	if !ok {
		conv = memory.NewConversation()
		s.sessions[id] = conv
	}
	return conv, nil
}

func (s *memoryStore) List(context.Context) ([]string, error) {
	s.lck.Lock()
	defer s.lck.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) Close() error { return nil }
