// Package store provides the bounded, time-ordered buffer of recent security
// events that the correlation engine evaluates against.
package store

import (
	"sync/atomic"
	"time"

	"sentinel-siem/internal/schema"
)

const (
	// DefaultMaxEvents is the capacity cap; the oldest event is dropped when
	// an append would exceed it.
	DefaultMaxEvents = 10000

	// DefaultMaxEventAge is the retention window for the cleanup pass.
	DefaultMaxEventAge = 24 * time.Hour
)

// Filter selects a subset of stored events. A zero Filter matches everything.
type Filter struct {
	// Types is an event-type allowlist. Empty means all types.
	Types []string
	// Since excludes events with Timestamp before it. Zero means no bound.
	Since time.Time
}

// Store is a bounded FIFO buffer of events in insertion order.
//
// Store is not internally synchronized: the engine serializes all access
// under its single-writer lock, so adding a second mutex here would only
// hide misuse.
type Store struct {
	events    []*schema.SecurityEvent
	maxEvents int
	maxAge    time.Duration

	// Counters (accessed atomically so stats reads need no lock)
	totalAppended uint64
	totalEvicted  uint64
	totalExpired  uint64
}

// New creates a Store with the given capacity and retention window.
// Non-positive values fall back to the defaults.
func New(maxEvents int, maxAge time.Duration) *Store {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxEventAge
	}
	return &Store{
		events:    make([]*schema.SecurityEvent, 0, 256),
		maxEvents: maxEvents,
		maxAge:    maxAge,
	}
}

// Append adds an event to the tail. If the buffer is at capacity the oldest
// event is dropped first (FIFO eviction).
func (s *Store) Append(event *schema.SecurityEvent) {
	s.events = append(s.events, event)
	atomic.AddUint64(&s.totalAppended, 1)

	if len(s.events) > s.maxEvents {
		over := len(s.events) - s.maxEvents
		s.events = append(s.events[:0], s.events[over:]...)
		atomic.AddUint64(&s.totalEvicted, uint64(over))
	}
}

// Cleanup removes all events with Timestamp before now-maxAge and returns the
// removed events, oldest first, so callers can archive them.
func (s *Store) Cleanup(now time.Time) []*schema.SecurityEvent {
	cutoff := now.Add(-s.maxAge)

	kept := s.events[:0]
	var removed []*schema.SecurityEvent
	for _, ev := range s.events {
		if ev.Timestamp.Before(cutoff) {
			removed = append(removed, ev)
			continue
		}
		kept = append(kept, ev)
	}
	// Zero the tail so removed events can be collected.
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = nil
	}
	s.events = kept
	atomic.AddUint64(&s.totalExpired, uint64(len(removed)))
	return removed
}

// Query returns the events matching the filter in insertion order. This is
// the engine's read path and runs on every ingested event; an O(n) scan over
// at most maxEvents entries is acceptable.
func (s *Store) Query(f Filter) []*schema.SecurityEvent {
	var typeSet map[string]struct{}
	if len(f.Types) > 0 {
		typeSet = make(map[string]struct{}, len(f.Types))
		for _, t := range f.Types {
			typeSet[t] = struct{}{}
		}
	}

	out := make([]*schema.SecurityEvent, 0, len(s.events))
	for _, ev := range s.events {
		if typeSet != nil {
			if _, ok := typeSet[ev.Type]; !ok {
				continue
			}
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	return len(s.events)
}

// Cap returns the capacity cap.
func (s *Store) Cap() int {
	return s.maxEvents
}

// MaxAge returns the retention window.
func (s *Store) MaxAge() time.Duration {
	return s.maxAge
}

// Snapshot returns a copy of the stored event slice in insertion order.
func (s *Store) Snapshot() []*schema.SecurityEvent {
	out := make([]*schema.SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Metrics holds store counters.
type Metrics struct {
	Appended uint64 `json:"appended"`
	Evicted  uint64 `json:"evicted"`
	Expired  uint64 `json:"expired"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

// Stats returns the store counters.
func (s *Store) Stats() Metrics {
	return Metrics{
		Appended: atomic.LoadUint64(&s.totalAppended),
		Evicted:  atomic.LoadUint64(&s.totalEvicted),
		Expired:  atomic.LoadUint64(&s.totalExpired),
		Depth:    len(s.events),
		Capacity: s.maxEvents,
	}
}
