package cache

import (
	"context"
	"sync"

	"github.com/derivkit/derivws/core/schema"
)

// InMemory is a process-local Backend. Responses are cloned on the way in
// and out so callers cannot mutate stored state.
type InMemory struct {
	mu      sync.RWMutex
	entries map[schema.Key]schema.Message
	byType  map[string]schema.Key
}

func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[schema.Key]schema.Message),
		byType:  make(map[string]schema.Key),
	}
}

func (s *InMemory) Get(_ context.Context, request schema.Message) (schema.Message, bool, error) {
	key, err := schema.Fingerprint(request)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}

func (s *InMemory) Set(_ context.Context, request, response schema.Message) error {
	key, err := schema.Fingerprint(request)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = response.Clone()
	if msgType := response.MsgType(); msgType != "" {
		s.byType[msgType] = key
	}
	return nil
}

func (s *InMemory) GetByMsgType(_ context.Context, msgType string) (schema.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byType[msgType]
	if !ok {
		return nil, false, nil
	}
	resp, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return resp.Clone(), true, nil
}
