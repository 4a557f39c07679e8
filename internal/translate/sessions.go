package translate

import (
	"sync"

	"github.com/google/uuid"
)

const maxSessions = 500

// Sessions maps caller session identifiers to stable upstream conversation
// ids so multi-turn clients keep one upstream conversation. Bounded LRU.
type Sessions struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string // oldest first
}

func NewSessions() *Sessions {
	return &Sessions{entries: make(map[string]string)}
}

// ConversationID returns the conversation id for a session, minting one on
// first sight. Empty session ids always get a fresh random id.
func (s *Sessions) ConversationID(sessionID string) string {
	if sessionID == "" {
		return uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[sessionID]; ok {
		s.touch(sessionID)
		return id
	}
	id := uuid.NewString()
	s.entries[sessionID] = id
	s.order = append(s.order, sessionID)
	for len(s.entries) > maxSessions {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	return id
}

func (s *Sessions) touch(sessionID string) {
	for i, k := range s.order {
		if k == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			s.order = append(s.order, sessionID)
			return
		}
	}
}
