package chatsync

import (
	"context"
	"slices"
	"sync"
)

// TimelineStore caches timelines between runs. The engine writes merged
// messages through to it, replaces a conversation's cache after a resync,
// and seeds a new subscription from it while the first page is loading.
type TimelineStore interface {
	// Put upserts messages into conversation id.
	Put(ctx context.Context, id string, msgs ...Message) error
	// Replace drops everything cached for id and stores msgs instead.
	Replace(ctx context.Context, id string, msgs []Message) error
	// Load returns the newest limit messages of id in timeline order.
	// A limit of zero returns everything.
	Load(ctx context.Context, id string, limit int) ([]Message, error)
	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory TimelineStore.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]map[string]Message
}

var _ TimelineStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]map[string]Message)}
}

func (s *MemoryStore) Put(_ context.Context, id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		conv = make(map[string]Message)
		s.convs[id] = conv
	}
	for _, m := range msgs {
		conv[m.ID] = m
	}
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, id string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		conv[m.ID] = m
	}
	s.convs[id] = conv
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.convs[id] {
		out = append(out, m)
	}
	slices.SortFunc(out, compareMessages)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
