package session

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process memory. Everything is lost on exit.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Message
	closed   bool
}

// NewMemoryStore creates an empty volatile store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]Message),
	}
}

func (s *MemoryStore) Create(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendMemory, "create", sessionID)
	if err := ValidateSessionID(sessionID); err != nil {
		return o.end(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return o.end(storageErr("create", errClosed))
	}
	if _, exists := s.sessions[sessionID]; exists {
		return o.end(duplicate(sessionID))
	}
	s.sessions[sessionID] = []Message{}
	o.logger.Debug().Msg("Session created")
	return o.end(nil)
}

func (s *MemoryStore) Append(ctx context.Context, sessionID string, msg Message) (Message, error) {
	o := startOp(ctx, BackendMemory, "append", sessionID)
	defer o.observeSave()

	if err := msg.Validate(); err != nil {
		return Message{}, o.end(err)
	}
	msg = msg.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Message{}, o.end(storageErr("append", errClosed))
	}
	messages, exists := s.sessions[sessionID]
	if !exists {
		return Message{}, o.end(unknown(sessionID))
	}
	if n := len(messages); n > 0 {
		msg = msg.clampAfter(messages[n-1].Timestamp)
	}
	s.sessions[sessionID] = append(messages, msg)
	return msg, o.end(nil)
}

func (s *MemoryStore) Read(ctx context.Context, sessionID string) ([]Message, error) {
	o := startOp(ctx, BackendMemory, "read", sessionID)
	defer o.observeLoad()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, o.end(storageErr("read", errClosed))
	}
	messages, exists := s.sessions[sessionID]
	if !exists {
		return nil, o.end(unknown(sessionID))
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out, o.end(nil)
}

func (s *MemoryStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	o := startOp(ctx, BackendMemory, "list", "")

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, o.end(storageErr("list", errClosed))
	}
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, o.end(nil)
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	o := startOp(ctx, BackendMemory, "delete", sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return o.end(storageErr("delete", errClosed))
	}
	if _, exists := s.sessions[sessionID]; !exists {
		return o.end(unknown(sessionID))
	}
	delete(s.sessions, sessionID)
	o.logger.Info().Msg("Session deleted")
	return o.end(nil)
}

func (s *MemoryStore) Durable() bool { return false }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
