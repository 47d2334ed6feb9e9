package engine

import "sync"

// tripLocks serializes every itinerary mutation of a trip and tracks which
// (trip, suggestion) applies are in flight.
type tripLocks struct {
	mu       sync.Mutex
	trips    map[string]*sync.Mutex
	inflight map[string]struct{}
}

func newTripLocks() *tripLocks {
	return &tripLocks{
		trips:    make(map[string]*sync.Mutex),
		inflight: make(map[string]struct{}),
	}
}

func (l *tripLocks) lock(tripID string) func() {
	l.mu.Lock()
	m, ok := l.trips[tripID]
	if !ok {
		m = &sync.Mutex{}
		l.trips[tripID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// claim marks key as in flight without blocking. It reports false when another
// caller already holds it.
func (l *tripLocks) claim(key string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[key]; busy {
		return nil, false
	}
	l.inflight[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.inflight, key)
		l.mu.Unlock()
	}, true
}
