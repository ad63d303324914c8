package store

import (
	"fmt"
	"testing"
	"time"

	"sentinel-siem/internal/schema"
)

func makeEvent(id, eventType string, ts time.Time) *schema.SecurityEvent {
	return &schema.SecurityEvent{ID: id, Type: eventType, Timestamp: ts}
}

func TestNewDefaults(t *testing.T) {
	s := New(0, 0)
	if s.Cap() != DefaultMaxEvents {
		t.Errorf("Cap() = %d, want %d", s.Cap(), DefaultMaxEvents)
	}
	if s.MaxAge() != DefaultMaxEventAge {
		t.Errorf("MaxAge() = %v, want %v", s.MaxAge(), DefaultMaxEventAge)
	}
}

func TestAppendFIFOEviction(t *testing.T) {
	s := New(3, time.Hour)
	base := time.Now()

	for i := 0; i < 4; i++ {
		s.Append(makeEvent(fmt.Sprintf("evt-%d", i), "test_event", base.Add(time.Duration(i)*time.Second)))
	}

	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}

	events := s.Snapshot()
	if events[0].ID != "evt-1" {
		t.Errorf("oldest surviving event = %s, want evt-1 (evt-0 should be evicted)", events[0].ID)
	}
	if events[2].ID != "evt-3" {
		t.Errorf("newest event = %s, want evt-3", events[2].ID)
	}

	stats := s.Stats()
	if stats.Appended != 4 {
		t.Errorf("Appended = %d, want 4", stats.Appended)
	}
	if stats.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", stats.Evicted)
	}
}

func TestCleanupRemovesExpired(t *testing.T) {
	s := New(100, time.Hour)
	now := time.Now()

	s.Append(makeEvent("old-1", "test_event", now.Add(-3*time.Hour)))
	s.Append(makeEvent("old-2", "test_event", now.Add(-2*time.Hour)))
	s.Append(makeEvent("fresh", "test_event", now.Add(-time.Minute)))

	removed := s.Cleanup(now)
	if len(removed) != 2 {
		t.Fatalf("Cleanup removed %d events, want 2", len(removed))
	}
	if removed[0].ID != "old-1" || removed[1].ID != "old-2" {
		t.Errorf("removed order = [%s, %s], want oldest first [old-1, old-2]", removed[0].ID, removed[1].ID)
	}
	if s.Len() != 1 {
		t.Errorf("Len() after cleanup = %d, want 1", s.Len())
	}
	if s.Stats().Expired != 2 {
		t.Errorf("Expired = %d, want 2", s.Stats().Expired)
	}
}

func TestCleanupNothingExpired(t *testing.T) {
	s := New(100, time.Hour)
	now := time.Now()
	s.Append(makeEvent("fresh", "test_event", now))

	if removed := s.Cleanup(now); len(removed) != 0 {
		t.Errorf("Cleanup removed %d events, want 0", len(removed))
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestQuery(t *testing.T) {
	s := New(100, time.Hour)
	now := time.Now()

	s.Append(makeEvent("a", "authentication_failure", now.Add(-30*time.Minute)))
	s.Append(makeEvent("b", "authentication_success", now.Add(-20*time.Minute)))
	s.Append(makeEvent("c", "authentication_failure", now.Add(-10*time.Minute)))
	s.Append(makeEvent("d", "sql_injection", now.Add(-5*time.Minute)))

	tests := []struct {
		name    string
		filter  Filter
		wantIDs []string
	}{
		{
			name:    "no filter returns all in insertion order",
			filter:  Filter{},
			wantIDs: []string{"a", "b", "c", "d"},
		},
		{
			name:    "type allowlist",
			filter:  Filter{Types: []string{"authentication_failure"}},
			wantIDs: []string{"a", "c"},
		},
		{
			name:    "multiple types",
			filter:  Filter{Types: []string{"authentication_failure", "sql_injection"}},
			wantIDs: []string{"a", "c", "d"},
		},
		{
			name:    "since bound",
			filter:  Filter{Since: now.Add(-15 * time.Minute)},
			wantIDs: []string{"c", "d"},
		},
		{
			name:    "type and since combined",
			filter:  Filter{Types: []string{"authentication_failure"}, Since: now.Add(-15 * time.Minute)},
			wantIDs: []string{"c"},
		},
		{
			name:    "unknown type matches nothing",
			filter:  Filter{Types: []string{"no_such_type"}},
			wantIDs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Query(tt.filter)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Query returned %d events, want %d", len(got), len(tt.wantIDs))
			}
			for i, ev := range got {
				if ev.ID != tt.wantIDs[i] {
					t.Errorf("event %d = %s, want %s", i, ev.ID, tt.wantIDs[i])
				}
			}
		})
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New(100, time.Hour)
	s.Append(makeEvent("a", "test_event", time.Now()))

	snap := s.Snapshot()
	snap[0] = nil

	if s.Snapshot()[0] == nil {
		t.Error("mutating a snapshot changed store contents")
	}
}

func TestStatsCounters(t *testing.T) {
	s := New(2, time.Hour)
	now := time.Now()

	s.Append(makeEvent("a", "test_event", now.Add(-2*time.Hour)))
	s.Append(makeEvent("b", "test_event", now))
	s.Append(makeEvent("c", "test_event", now))
	s.Cleanup(now)

	stats := s.Stats()
	if stats.Appended != 3 {
		t.Errorf("Appended = %d, want 3", stats.Appended)
	}
	if stats.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", stats.Evicted)
	}
	// "a" was already evicted by capacity before the cleanup pass ran.
	if stats.Expired != 0 {
		t.Errorf("Expired = %d, want 0", stats.Expired)
	}
	if stats.Depth != 2 {
		t.Errorf("Depth = %d, want 2", stats.Depth)
	}
	if stats.Capacity != 2 {
		t.Errorf("Capacity = %d, want 2", stats.Capacity)
	}
}
