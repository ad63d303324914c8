package attack

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sentinel-siem/internal/schema"
)

// Filters holds optional exact-match filters for GetAll.
type Filters struct {
	Status   Status
	SourceIP string
	UserID   string
	RuleID   string
	Severity schema.Severity
}

// Registry stores detected attacks in memory. All mutating operations return
// a boolean success flag rather than an error: the only failure mode is
// "attack not found", a routine condition for a management API.
type Registry struct {
	mu      sync.RWMutex
	attacks map[string]*Attack
	clock   func() time.Time
}

// NewRegistry creates an empty attack registry.
func NewRegistry() *Registry {
	return &Registry{
		attacks: make(map[string]*Attack),
		clock:   time.Now,
	}
}

// WithClock overrides the registry clock. Tests use this to get
// deterministic timestamps.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// Add stores a newly detected attack.
func (r *Registry) Add(a *Attack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attacks[a.ID] = a
}

// Get returns the attack with the given id, or nil if unknown.
// The returned value is a copy; callers cannot mutate registry state.
func (r *Registry) Get(id string) *Attack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attacks[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

// GetAll returns attacks matching the filters, sorted by detection time,
// most recent first.
func (r *Registry) GetAll(f Filters) []*Attack {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Attack, 0, len(r.attacks))
	for _, a := range r.attacks {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.SourceIP != "" && a.SourceIP != f.SourceIP {
			continue
		}
		if f.UserID != "" && a.UserID != f.UserID {
			continue
		}
		if f.RuleID != "" && a.RuleID != f.RuleID {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// Len returns the number of stored attacks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.attacks)
}

// UpdateStatus moves an attack to the given status. ResolvedBy/ResolvedAt are
// set iff the new status is terminal. An optional note is appended,
// timestamped and attributed to updatedBy. Returns false if the attack is
// unknown, the status value is invalid, or the transition is not allowed.
func (r *Registry) UpdateStatus(id string, status Status, updatedBy, notes string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attacks[id]
	if !ok || !status.IsValid() {
		return false
	}
	if !a.Status.CanTransition(status) {
		slog.Warn("rejected attack status transition",
			"attack_id", id,
			"from", a.Status,
			"to", status,
		)
		return false
	}

	now := r.clock()
	a.Status = status
	if status.Terminal() {
		a.ResolvedBy = updatedBy
		resolvedAt := now
		a.ResolvedAt = &resolvedAt
	}
	if notes != "" {
		a.Notes = append(a.Notes, noteLine(now, updatedBy, notes))
	}
	return true
}

// Assign assigns an attack for investigation, auto-promoting its status from
// new to investigating. Returns false if the attack is unknown or already in
// a terminal state.
func (r *Registry) Assign(id, assignedTo, assignedBy, notes string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attacks[id]
	if !ok || a.Status.Terminal() {
		return false
	}

	now := r.clock()
	a.AssignedTo = assignedTo
	if a.Status == StatusNew {
		a.Status = StatusInvestigating
	}
	if notes != "" {
		a.Notes = append(a.Notes, noteLine(now, assignedBy, fmt.Sprintf("Assigned to %s: %s", assignedTo, notes)))
	}
	return true
}

// SetIncidentID links an externally created incident back onto the attack.
// Called by the notification bridge after the attack is already stored.
func (r *Registry) SetIncidentID(id, incidentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attacks[id]
	if !ok {
		return false
	}
	a.IncidentID = incidentID
	return true
}

func noteLine(ts time.Time, author, text string) string {
	return fmt.Sprintf("[%s] [%s] %s", ts.UTC().Format(time.RFC3339), author, text)
}
