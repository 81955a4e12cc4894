package storage

import (
	"context"
	"errors"

	"github.com/paul/grapevine/pkg/event"
)

var (
	ErrNotFound = errors.New("event not found")
	// ErrDuplicate is returned by SaveEvent when the id is already stored.
	ErrDuplicate = errors.New("duplicate: event already exists")
)

// Store defines the read/write capability shared by the base stores and
// every decorator in the store chain.
type Store interface {
	// SaveEvent stores an event. Storing an id twice returns ErrDuplicate
	// and leaves the first row untouched.
	SaveEvent(ctx context.Context, evt *event.Event) error

	// QueryEvents retrieves events matching the filters.
	// Multiple filters are OR'd together; results are ordered with event.Compare.
	QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error)

	// CountEvents returns the count of events matching the filters
	CountEvents(ctx context.Context, filters []*event.Filter) (int64, error)
}

// Backend is a base persistent store.
// Implementations can use any backend (postgres, sqlite, memory, etc.)
type Backend interface {
	Store
	StatsStore
	RawReader

	// GetEvent retrieves a single event by ID, ErrNotFound if absent.
	GetEvent(ctx context.Context, eventID string) (*event.Event, error)

	// Close closes the storage connection
	Close() error
}

// RawReader reads an event even when a deletion hides it from queries.
// Stats use it to reverse the engagement of a deleted event.
type RawReader interface {
	GetRawEvent(ctx context.Context, eventID string) (*event.Event, error)
}

// Indexer receives events for a secondary index without being part of
// the primary write path.
type Indexer interface {
	IndexEvent(ctx context.Context, evt *event.Event) error
}
