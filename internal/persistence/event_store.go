package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// EventStore is an append-only history store for step events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.StepEvent) error
	// ListEvents returns the events of a tracker in insertion order.
	ListEvents(ctx context.Context, trackerID string) ([]api.StepEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(ctx context.Context, ev api.StepEvent) error { return nil }
func (NoopEventStore) ListEvents(ctx context.Context, trackerID string) ([]api.StepEvent, error) {
	return nil, nil
}

// InMemoryEventStore keeps events in process memory.
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.StepEvent
}

var _ EventStore = (*InMemoryEventStore)(nil)

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{events: make(map[string][]api.StepEvent)}
}

func (s *InMemoryEventStore) AppendEvent(ctx context.Context, ev api.StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.TrackerID] = append(s.events[ev.TrackerID], ev)
	return nil
}

func (s *InMemoryEventStore) ListEvents(ctx context.Context, trackerID string) ([]api.StepEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.StepEvent, len(s.events[trackerID]))
	copy(out, s.events[trackerID])
	return out, nil
}
