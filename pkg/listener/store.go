package listener

import (
	"context"
	"sync"

	"github.com/nftopia/ingest-go/pkg/types"
)

// MemoryStore is a bounded in-memory EventStore. It keeps the most recent
// events and is primarily useful for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	limit  int
	events []*types.StoredEvent
}

// NewMemoryStore creates a store that retains at most limit events.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryStore{limit: limit}
}

// Save appends the event, evicting the oldest entry when full.
func (s *MemoryStore) Save(_ context.Context, event *types.StoredEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.limit {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the retained events, oldest first.
func (s *MemoryStore) Events() []*types.StoredEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.StoredEvent, len(s.events))
	copy(out, s.events)
	return out
}
