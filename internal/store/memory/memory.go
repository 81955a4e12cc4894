package memory

import (
	"context"
	"sync"

	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
)

// Store is an in-memory implementation of storage.Backend.
// It backs tests and single-process development runs.
type Store struct {
	mu     sync.RWMutex
	events map[string]*event.Event
	// deletions maps a target id to the pubkeys that issued a kind-5 for it.
	// A target is hidden only when its own author is among them.
	deletions map[string]map[string]struct{}

	authorStats map[string]*storage.AuthorStats
	eventStats  map[string]*storage.EventStats
}

// Ensure Store implements storage.Backend
var _ storage.Backend = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		events:      make(map[string]*event.Event),
		deletions:   make(map[string]map[string]struct{}),
		authorStats: make(map[string]*storage.AuthorStats),
		eventStats:  make(map[string]*storage.EventStats),
	}
}

// SaveEvent stores an event in memory
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[evt.ID]; exists {
		return storage.ErrDuplicate
	}
	s.events[evt.ID] = evt

	if evt.Kind == event.KindDeletion {
		for _, target := range evt.Tags.Values("e") {
			if s.deletions[target] == nil {
				s.deletions[target] = make(map[string]struct{})
			}
			s.deletions[target][evt.PubKey] = struct{}{}
		}
	}
	return nil
}

func (s *Store) isDeleted(evt *event.Event) bool {
	by, ok := s.deletions[evt.ID]
	if !ok {
		return false
	}
	_, ok = by[evt.PubKey]
	return ok
}

// QueryEvents retrieves events matching the filters
func (s *Store) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	lists := make([][]*event.Event, 0, len(filters))
	for _, filter := range filters {
		lists = append(lists, s.queryFilter(filter))
	}
	return event.MergeLimit(0, lists...), nil
}

func (s *Store) queryFilter(filter *event.Filter) []*event.Event {
	var matched []*event.Event

	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			if evt, ok := s.events[id]; ok && !s.isDeleted(evt) && evt.Matches(filter) {
				matched = append(matched, evt)
			}
		}
	} else {
		for _, evt := range s.events {
			if !s.isDeleted(evt) && evt.Matches(filter) {
				matched = append(matched, evt)
			}
		}
	}

	event.Sort(matched)
	return event.Truncate(matched, filter, 0)
}

// CountEvents returns the number of distinct events matching the filters, ignoring limits.
func (s *Store) CountEvents(ctx context.Context, filters []*event.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, evt := range s.events {
		if s.isDeleted(evt) {
			continue
		}
		for _, f := range filters {
			if evt.Matches(f) {
				count++
				break
			}
		}
	}
	return count, nil
}

// GetEvent retrieves a single event by ID
func (s *Store) GetEvent(ctx context.Context, eventID string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, exists := s.events[eventID]
	if !exists || s.isDeleted(evt) {
		return nil, storage.ErrNotFound
	}
	return evt, nil
}

// GetRawEvent retrieves an event by ID, ignoring deletions
func (s *Store) GetRawEvent(ctx context.Context, eventID string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, exists := s.events[eventID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return evt, nil
}

// Close is a no-op for in-memory store
func (s *Store) Close() error {
	return nil
}

// Count returns the number of stored rows, deleted or not (for testing)
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
