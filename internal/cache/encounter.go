// Package cache holds the process-owned caches handed to components at
// startup.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultEncounterSize = 100_000
	DefaultEncounterTTL  = 10 * time.Minute
)

// Encounter remembers recently seen event ids so that every ingestion path
// triggers side effects at most once per id. It is bounded, evicts the
// least recently used id first, and forgets ids after ttl.
//
// An id is pending from Seen until Settle marks its run finished.
type Encounter struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, bool]
}

// NewEncounter creates an encounter cache; non-positive arguments use the defaults.
func NewEncounter(size int, ttl time.Duration) *Encounter {
	if size <= 0 {
		size = DefaultEncounterSize
	}
	if ttl <= 0 {
		ttl = DefaultEncounterTTL
	}
	return &Encounter{lru: expirable.NewLRU[string, bool](size, nil, ttl)}
}

// Seen records id and reports whether it was already present. The check
// and the insert are atomic, so two concurrent callers with the same id
// get exactly one false.
func (e *Encounter) Seen(id string) bool {
	seen, _ := e.Enter(id)
	return seen
}

// Enter is Seen that also reports, for an id already present, whether its
// run has settled.
func (e *Encounter) Enter(id string) (seen, settled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if settled, ok := e.lru.Get(id); ok {
		return true, settled
	}
	e.lru.Add(id, false)
	return false, false
}

// Settle marks a present id as finished. Absent ids are left absent.
func (e *Encounter) Settle(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if settled, ok := e.lru.Peek(id); ok && !settled {
		e.lru.Add(id, true)
	}
}

// Contains reports whether id is present without recording it.
func (e *Encounter) Contains(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru.Contains(id)
}

// Forget removes id so a later attempt is processed again.
func (e *Encounter) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lru.Remove(id)
}

// Len returns the number of remembered ids.
func (e *Encounter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru.Len()
}
