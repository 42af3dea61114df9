package persist

import (
	"context"
	"sync"
)

// MemoryStore keeps state in process memory
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: NewState()}
}

func (s *MemoryStore) Load(ctx context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := NewState()
	for k, v := range s.state.LastRead {
		out.LastRead[k] = v
	}
	for k, v := range s.state.Cursors {
		out.Cursors[k] = v
	}
	for k, v := range s.state.Hidden {
		out.Hidden[k] = append([]string(nil), v...)
	}
	return out, nil
}

func (s *MemoryStore) SaveLastRead(ctx context.Context, conversationId, messageId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastRead[conversationId] = messageId
	return nil
}

func (s *MemoryStore) SaveCursor(ctx context.Context, conversationId string, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Cursors[conversationId] = cursor
	return nil
}

func (s *MemoryStore) AddHidden(ctx context.Context, conversationId, messageId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Hidden[conversationId] = appendUnique(s.state.Hidden[conversationId], messageId)
	return nil
}

func (s *MemoryStore) ForgetConversation(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.LastRead, conversationId)
	delete(s.state.Cursors, conversationId)
	delete(s.state.Hidden, conversationId)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
