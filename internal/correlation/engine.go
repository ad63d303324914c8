package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/attack"
	"sentinel-siem/internal/metrics"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/store"
)

// AlertTypeCorrelation tags every alert the engine emits on the alert channel.
const AlertTypeCorrelation = "CORRELATION"

// Alert is the payload sent on the outbound alert channel for every newly
// detected attack.
type Alert struct {
	Severity schema.Severity `json:"severity"`
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Details  map[string]any  `json:"details,omitempty"`
	UserID   string          `json:"user_id,omitempty"`
	SourceIP string          `json:"source_ip,omitempty"`
}

// IncidentRequest asks the external incident tracker to open an incident.
type IncidentRequest struct {
	Type        string          `json:"type"`
	Severity    schema.Severity `json:"severity"`
	Description string          `json:"description"`
	Details     map[string]any  `json:"details,omitempty"`
	SourceIP    string          `json:"source_ip,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
}

// AlertSender delivers alerts to the external alert channel.
type AlertSender interface {
	SendAlert(ctx context.Context, alert *Alert) error
}

// IncidentCreator opens incidents in the external tracking system and
// returns the created incident id.
type IncidentCreator interface {
	CreateIncident(ctx context.Context, req *IncidentRequest) (string, error)
}

// AuditSink durably records audit entries for rule changes, detections,
// lifecycle updates and cleanup cycles.
type AuditSink interface {
	Log(ctx context.Context, actor, message string, details map[string]any, category string)
}

// EventArchiver receives events evicted by the age-based cleanup pass so
// they can be archived to cold storage.
type EventArchiver interface {
	ArchiveEvents(ctx context.Context, events []*schema.SecurityEvent) error
}

// ExternalAlert is an alert raised elsewhere in the platform, fed into the
// engine through the ProcessSecurityAlert adapter.
type ExternalAlert struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	SourceIP string         `json:"source_ip,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Config configures the correlation engine.
type Config struct {
	MaxEvents       int           // Event store capacity cap
	MaxEventAge     time.Duration // Event retention window
	CleanupInterval time.Duration // How often the cleanup pass runs
	BridgeTimeout   time.Duration // Timeout on outbound alert/incident calls
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxEvents:       store.DefaultMaxEvents,
		MaxEventAge:     store.DefaultMaxEventAge,
		CleanupInterval: 30 * time.Minute,
		BridgeTimeout:   10 * time.Second,
	}
}

// Deps holds the engine's injected collaborators. Store, Rules and Attacks
// are required; the bridges may be nil, in which case the corresponding side
// effect is skipped.
type Deps struct {
	Store     *store.Store
	Rules     *RuleRegistry
	Attacks   *attack.Registry
	Audit     AuditSink
	Alerts    AlertSender
	Incidents IncidentCreator
	Archiver  EventArchiver
	Metrics   *metrics.Metrics
}

// Engine orchestrates rule evaluation over the event store and produces
// attacks. It is the single writer: one mutex serializes event ingestion,
// rule mutation and the periodic cleanup pass, so every attack's event list
// reflects a consistent snapshot of the store.
type Engine struct {
	config Config

	mu      sync.Mutex
	store   *store.Store
	rules   *RuleRegistry
	attacks *attack.Registry

	audit     AuditSink
	alerts    AlertSender
	incidents IncidentCreator
	archiver  EventArchiver
	metrics   *metrics.Metrics

	// lastFire suppresses duplicate attacks per rule and group within the
	// rule's window, so one burst of evidence yields exactly one attack.
	lastFire map[string]time.Time

	clock  func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a correlation engine with its dependencies injected.
func NewEngine(cfg Config, deps Deps) *Engine {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Minute
	}
	if cfg.BridgeTimeout <= 0 {
		cfg.BridgeTimeout = 10 * time.Second
	}
	return &Engine{
		config:    cfg,
		store:     deps.Store,
		rules:     deps.Rules,
		attacks:   deps.Attacks,
		audit:     deps.Audit,
		alerts:    deps.Alerts,
		incidents: deps.Incidents,
		archiver:  deps.Archiver,
		metrics:   deps.Metrics,
		lastFire:  make(map[string]time.Time),
		clock:     time.Now,
		stopCh:    make(chan struct{}),
	}
}

// WithClock overrides the engine clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// SeedBuiltinRules installs the default rule set, skipping ids an operator
// has already defined.
func (e *Engine) SeedBuiltinRules() {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	for _, rule := range BuiltinRules() {
		if e.rules.Get(rule.ID) != nil {
			continue
		}
		e.rules.Save(rule, now)
	}
	slog.Info("seeded builtin correlation rules", "count", e.rules.Len())
}

// Start launches the periodic cleanup pass.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.RunCleanup(ctx)
			}
		}
	}()
	slog.Info("correlation engine started",
		"rules", e.rules.Len(),
		"cleanup_interval", e.config.CleanupInterval,
	)
}

// Stop stops the cleanup loop and waits for in-flight bridge dispatches.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("correlation engine stopped")
}

// ProcessSecurityEvent is the primary ingestion entry point: it appends the
// event to the store and re-evaluates every enabled rule. The call runs to
// completion under the engine lock before the next event is processed.
// It returns the attacks the pass created.
func (e *Engine) ProcessSecurityEvent(ctx context.Context, event *schema.SecurityEvent) []*attack.Attack {
	e.mu.Lock()
	started := time.Now()

	e.store.Append(event)
	created := e.evaluateLocked(ctx)

	if e.metrics != nil {
		e.metrics.EventsProcessed.Inc()
		e.metrics.StoreDepth.Set(float64(e.store.Len()))
		e.metrics.EvaluationTimeMs.Observe(float64(time.Since(started).Microseconds()) / 1000)
	}
	e.mu.Unlock()

	for _, a := range created {
		e.dispatch(a)
	}
	return created
}

// ProcessSecurityAlert adapts an externally raised alert into a security
// event and forwards it to ProcessSecurityEvent.
func (e *Engine) ProcessSecurityAlert(ctx context.Context, alert *ExternalAlert) []*attack.Attack {
	event := schema.NewEvent(strings.ToLower(alert.Type), e.clock())
	event.SourceIP = alert.SourceIP
	event.UserID = alert.UserID
	event.Details = alert.Details
	event.AlertID = alert.ID
	return e.ProcessSecurityEvent(ctx, event)
}

// evaluateLocked runs a full pass over the enabled rules in registry
// insertion order. Caller holds e.mu.
func (e *Engine) evaluateLocked(ctx context.Context) []*attack.Attack {
	now := e.clock()
	var created []*attack.Attack
	for _, rule := range e.rules.List() {
		if !rule.Enabled {
			continue
		}
		if e.metrics != nil {
			e.metrics.RuleEvaluations.Inc()
		}
		created = append(created, e.applyRule(ctx, rule, now)...)
	}
	return created
}

// applyRule derives the rule's candidate events, partitions them when the
// rule groups, and fires one attack per satisfied group.
func (e *Engine) applyRule(ctx context.Context, rule *Rule, now time.Time) []*attack.Attack {
	filter := store.Filter{Types: rule.Conditions.EventTypes}
	if rule.Conditions.TimeWindow > 0 {
		filter.Since = now.Add(-rule.Conditions.TimeWindow)
	}
	events := e.store.Query(filter)

	var created []*attack.Attack

	if len(rule.Conditions.GroupBy) > 0 {
		for _, grp := range partition(events, rule.Conditions.GroupBy) {
			if rule.Conditions.MinEvents > 0 && len(grp.events) < rule.Conditions.MinEvents {
				continue
			}
			if a := e.acceptGroup(ctx, rule, grp.events, grp.key, now); a != nil {
				created = append(created, a)
			}
		}
		return created
	}

	if rule.Conditions.MinEvents > 0 && len(events) < rule.Conditions.MinEvents {
		return nil
	}
	if a := e.acceptGroup(ctx, rule, events, "global", now); a != nil {
		created = append(created, a)
	}
	return created
}

// acceptGroup applies the rule's pattern requirements to one candidate group
// and fires if they hold. Events are sorted chronologically before pattern
// evaluation; the first matching pattern wins.
func (e *Engine) acceptGroup(ctx context.Context, rule *Rule, events []*schema.SecurityEvent, groupKey string, now time.Time) *attack.Attack {
	if len(events) == 0 {
		return nil
	}

	if len(rule.Conditions.RequiredPatterns) > 0 {
		sorted := sortByTimestamp(events)
		matched := false
		for _, pattern := range rule.Conditions.RequiredPatterns {
			if MatchesPattern(sorted, pattern, rule) {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}
		events = sorted
	}

	return e.fire(ctx, rule, events, groupKey, now)
}

// fire records the trigger, builds and stores the attack, and writes the
// audit entry. Duplicate firings for the same rule and group within the
// rule's window are suppressed.
func (e *Engine) fire(ctx context.Context, rule *Rule, events []*schema.SecurityEvent, groupKey string, now time.Time) *attack.Attack {
	window := rule.Window(e.store.MaxAge())
	fireKey := rule.ID + "|" + groupKey
	if last, ok := e.lastFire[fireKey]; ok && now.Sub(last) < window {
		return nil
	}
	e.lastFire[fireKey] = now

	e.rules.RecordTrigger(rule.ID, now)
	a := e.buildAttack(rule, events, now)
	e.attacks.Add(a)

	slog.Info("correlated attack detected",
		"attack_id", a.ID,
		"rule_id", rule.ID,
		"rule_name", rule.Name,
		"group", groupKey,
		"event_count", len(events),
		"confidence", a.Confidence,
	)
	if e.metrics != nil {
		e.metrics.AttacksDetected.WithLabelValues(rule.ID).Inc()
	}
	e.auditLog(ctx, "system", "Correlated attack detected", map[string]any{
		"attack_id":   a.ID,
		"rule_id":     rule.ID,
		"rule_name":   rule.Name,
		"event_count": len(events),
		"source_ip":   a.SourceIP,
		"user_id":     a.UserID,
	}, "system")

	return a
}

func (e *Engine) buildAttack(rule *Rule, events []*schema.SecurityEvent, now time.Time) *attack.Attack {
	first := events[0]

	eventIDs := make([]string, 0, len(events))
	var alertIDs []string
	for _, ev := range events {
		eventIDs = append(eventIDs, ev.ID)
		if ev.AlertID != "" {
			alertIDs = append(alertIDs, ev.AlertID)
		}
	}

	severity := rule.Actions.AlertSeverity
	if severity == "" {
		severity = schema.SeverityMedium
	}
	message := rule.Actions.AlertMessage
	if message == "" {
		message = rule.Description
	}

	return &attack.Attack{
		ID:          "attack-" + uuid.NewString(),
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		Type:        string(rule.Type),
		SourceIP:    first.SourceIP,
		UserID:      first.UserID,
		EventIDs:    eventIDs,
		AlertIDs:    alertIDs,
		DetectedAt:  now,
		Confidence:  scoreConfidence(rule, events),
		Severity:    severity,
		Description: FormatAlertMessage(message, templateVars(rule, events)),
		Status:      attack.StatusNew,
	}
}

// scoreConfidence computes the detection confidence heuristic: a 0.7
// baseline, raised by corroborating event count and by tight temporal
// clustering, capped at 0.99. This is a heuristic, not a calibrated
// probability.
func scoreConfidence(rule *Rule, events []*schema.SecurityEvent) float64 {
	confidence := 0.7

	countFactor := float64(len(events)) / 10
	if countFactor > 1 {
		countFactor = 1
	}
	confidence += countFactor * 0.1

	if len(events) > 1 {
		var earliest, latest time.Time
		for i, ev := range events {
			if i == 0 || ev.Timestamp.Before(earliest) {
				earliest = ev.Timestamp
			}
			if ev.Timestamp.After(latest) {
				latest = ev.Timestamp
			}
		}
		window := rule.Window(24 * time.Hour)
		spanFactor := 1 - float64(latest.Sub(earliest))/float64(window)
		if spanFactor < 0 {
			spanFactor = 0
		}
		confidence += spanFactor * 0.1
	}

	if confidence > 0.99 {
		confidence = 0.99
	}
	return confidence
}

// dispatch sends the alert and opens the incident for a stored attack.
// It runs asynchronously so a slow alert channel cannot stall ingestion;
// failures are logged and swallowed, and never roll back the attack.
func (e *Engine) dispatch(a *attack.Attack) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.config.BridgeTimeout)
		defer cancel()

		details := map[string]any{
			"attack_id":   a.ID,
			"rule_id":     a.RuleID,
			"rule_name":   a.RuleName,
			"source_ip":   a.SourceIP,
			"user_id":     a.UserID,
			"event_count": len(a.EventIDs),
		}

		if e.alerts != nil {
			alert := &Alert{
				Severity: a.Severity,
				Type:     AlertTypeCorrelation,
				Message:  a.Description,
				Details:  details,
				UserID:   a.UserID,
				SourceIP: a.SourceIP,
			}
			if err := e.alerts.SendAlert(ctx, alert); err != nil {
				slog.Error("alert dispatch failed", "attack_id", a.ID, "error", err)
				if e.metrics != nil {
					e.metrics.BridgeFailures.WithLabelValues("alerts").Inc()
				}
			}
		}

		rule := e.Rule(a.RuleID)
		if rule == nil || !rule.Actions.CreateIncident || e.incidents == nil {
			return
		}

		incidentType := rule.Actions.IncidentType
		if incidentType == "" {
			incidentType = IncidentSuspiciousActivity
		}
		req := &IncidentRequest{
			Type:        incidentType,
			Severity:    a.Severity,
			Description: a.Description,
			Details: map[string]any{
				"attack_id":         a.ID,
				"rule_id":           a.RuleID,
				"rule_name":         a.RuleName,
				"correlated_events": a.EventIDs,
			},
			SourceIP: a.SourceIP,
			UserID:   a.UserID,
		}
		incidentID, err := e.incidents.CreateIncident(ctx, req)
		if err != nil {
			slog.Error("incident creation failed", "attack_id", a.ID, "error", err)
			if e.metrics != nil {
				e.metrics.BridgeFailures.WithLabelValues("incidents").Inc()
			}
			return
		}
		e.attacks.SetIncidentID(a.ID, incidentID)
	}()
}

// RunCleanup removes events older than the retention window and prunes the
// duplicate-suppression state. Expired events are handed to the archiver.
func (e *Engine) RunCleanup(ctx context.Context) {
	e.mu.Lock()
	now := e.clock()
	removed := e.store.Cleanup(now)
	remaining := e.store.Len()
	for key, fired := range e.lastFire {
		if now.Sub(fired) > e.store.MaxAge() {
			delete(e.lastFire, key)
		}
	}
	e.mu.Unlock()

	if len(removed) == 0 {
		return
	}

	if e.metrics != nil {
		e.metrics.EventsExpired.Add(float64(len(removed)))
		e.metrics.StoreDepth.Set(float64(remaining))
	}
	slog.Info("cleaned up old security events",
		"removed", len(removed),
		"remaining", remaining,
	)
	e.auditLog(ctx, "system", "Cleaned up old security events", map[string]any{
		"removed_count":   len(removed),
		"remaining_count": remaining,
	}, "system")

	if e.archiver != nil {
		if err := e.archiver.ArchiveEvents(ctx, removed); err != nil {
			slog.Error("event archival failed", "count", len(removed), "error", err)
			if e.metrics != nil {
				e.metrics.BridgeFailures.WithLabelValues("archive").Inc()
			}
		}
	}
}

// Rules returns all correlation rules in evaluation order.
func (e *Engine) Rules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	rules := e.rules.List()
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Clone())
	}
	return out
}

// Rule returns the rule with the given id, or nil if unknown.
func (e *Engine) Rule(id string) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule := e.rules.Get(id)
	if rule == nil {
		return nil
	}
	return rule.Clone()
}

// SaveRule upserts a rule on behalf of an operator.
func (e *Engine) SaveRule(ctx context.Context, rule *Rule, updatedBy string) (*Rule, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	e.mu.Lock()
	saved := e.rules.Save(rule.Clone(), e.clock())
	e.mu.Unlock()

	e.auditLog(ctx, updatedBy, "Correlation rule saved", map[string]any{
		"rule_id":   saved.ID,
		"rule_name": saved.Name,
		"enabled":   saved.Enabled,
	}, "system")
	return saved.Clone(), nil
}

// DeleteRule removes a rule, reporting whether it existed.
func (e *Engine) DeleteRule(ctx context.Context, id, deletedBy string) bool {
	e.mu.Lock()
	rule := e.rules.Get(id)
	var name string
	if rule != nil {
		name = rule.Name
	}
	deleted := e.rules.Delete(id)
	e.mu.Unlock()

	if deleted {
		e.auditLog(ctx, deletedBy, "Correlation rule deleted", map[string]any{
			"rule_id":   id,
			"rule_name": name,
		}, "system")
	}
	return deleted
}

// Attacks exposes the attack registry for queries.
func (e *Engine) Attacks() *attack.Registry {
	return e.attacks
}

// UpdateAttackStatus moves an attack through its lifecycle on behalf of an
// operator and records the change in the audit log. Returns false if the
// registry rejects the update.
func (e *Engine) UpdateAttackStatus(ctx context.Context, id string, status attack.Status, updatedBy, notes string) bool {
	if !e.attacks.UpdateStatus(id, status, updatedBy, notes) {
		return false
	}
	e.auditLog(ctx, updatedBy, "Attack status updated", map[string]any{
		"attack_id": id,
		"status":    string(status),
	}, "system")
	return true
}

// AssignAttack hands an attack to an investigator and records the assignment
// in the audit log. Returns false if the registry rejects the assignment.
func (e *Engine) AssignAttack(ctx context.Context, id, assignedTo, assignedBy, notes string) bool {
	if !e.attacks.Assign(id, assignedTo, assignedBy, notes) {
		return false
	}
	e.auditLog(ctx, assignedBy, "Attack assigned for investigation", map[string]any{
		"attack_id":   id,
		"assigned_to": assignedTo,
	}, "system")
	return true
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	storeStats := e.store.Stats()
	return map[string]any{
		"rules":           e.rules.Len(),
		"attacks":         e.attacks.Len(),
		"events":          storeStats.Depth,
		"events_appended": storeStats.Appended,
		"events_evicted":  storeStats.Evicted,
		"events_expired":  storeStats.Expired,
	}
}

func (e *Engine) auditLog(ctx context.Context, actor, message string, details map[string]any, category string) {
	if e.audit == nil {
		return
	}
	e.audit.Log(ctx, actor, message, details, category)
}

// group is one partition of candidate events sharing a group key.
type group struct {
	key    string
	events []*schema.SecurityEvent
}

// partition splits events by the concatenation of the group-by fields,
// preserving first-seen order for deterministic evaluation. Events missing
// any of the fields are excluded: a malformed event fails to match, it does
// not fail the pass.
func partition(events []*schema.SecurityEvent, groupBy []string) []group {
	index := make(map[string]int)
	var groups []group

	for _, ev := range events {
		key, ok := groupKey(ev, groupBy)
		if !ok {
			continue
		}
		i, seen := index[key]
		if !seen {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].events = append(groups[i].events, ev)
	}
	return groups
}

func groupKey(ev *schema.SecurityEvent, groupBy []string) (string, bool) {
	parts := make([]string, 0, len(groupBy))
	for _, field := range groupBy {
		value, ok := groupValue(ev, field)
		if !ok {
			return "", false
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, "|"), true
}

// groupValue resolves a group-by field against an event. The first-class
// fields are sourceIp, userId and username; any other name is looked up in
// the Details map and rendered as its JSON encoding.
func groupValue(ev *schema.SecurityEvent, field string) (string, bool) {
	switch field {
	case GroupBySourceIP:
		return ev.SourceIP, ev.SourceIP != ""
	case GroupByUserID:
		return ev.UserID, ev.UserID != ""
	case GroupByUsername:
		return ev.Username, ev.Username != ""
	}

	value, ok := ev.Details[field]
	if !ok || value == nil {
		return "", false
	}
	if s, isString := value.(string); isString {
		return s, s != ""
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

// sortByTimestamp returns a chronologically sorted copy, leaving the
// caller's slice in insertion order.
func sortByTimestamp(events []*schema.SecurityEvent) []*schema.SecurityEvent {
	sorted := make([]*schema.SecurityEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}
