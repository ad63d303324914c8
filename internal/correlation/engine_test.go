package correlation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel-siem/internal/attack"
	"sentinel-siem/internal/schema"
	"sentinel-siem/internal/store"
)

type fakeAlertSender struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (f *fakeAlertSender) SendAlert(_ context.Context, alert *Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *fakeAlertSender) sent() []*Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Alert(nil), f.alerts...)
}

type fakeIncidentCreator struct {
	mu       sync.Mutex
	requests []*IncidentRequest
	id       string
}

func (f *fakeIncidentCreator) CreateIncident(_ context.Context, req *IncidentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.id, nil
}

type fakeArchiver struct {
	mu     sync.Mutex
	events []*schema.SecurityEvent
}

func (f *fakeArchiver) ArchiveEvents(_ context.Context, events []*schema.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

type fakeAuditSink struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeAuditSink) Log(_ context.Context, _, message string, _ map[string]any, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
}

type engineFixture struct {
	engine  *Engine
	store   *store.Store
	rules   *RuleRegistry
	attacks *attack.Registry
	now     time.Time
}

func newEngineFixture(t *testing.T, deps Deps) *engineFixture {
	t.Helper()

	f := &engineFixture{
		store:   store.New(1000, 24*time.Hour),
		rules:   NewRuleRegistry(),
		attacks: attack.NewRegistry(),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	deps.Store = f.store
	deps.Rules = f.rules
	deps.Attacks = f.attacks

	f.engine = NewEngine(Config{
		MaxEvents:     1000,
		MaxEventAge:   24 * time.Hour,
		BridgeTimeout: time.Second,
	}, deps).WithClock(func() time.Time { return f.now })
	return f
}

func (f *engineFixture) failure(ip, userID string, at time.Time) *schema.SecurityEvent {
	ev := schema.NewEvent(schema.EventAuthFailure, at)
	ev.SourceIP = ip
	ev.UserID = userID
	return ev
}

func TestBruteForceDetection(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	var created []*attack.Attack
	for i := 0; i < 5; i++ {
		ts := f.now.Add(time.Duration(i-5) * time.Second)
		created = f.engine.ProcessSecurityEvent(ctx, f.failure("192.168.1.50", "user-1", ts))
	}

	if len(created) != 1 {
		t.Fatalf("fifth failure created %d attacks, want 1", len(created))
	}

	a := created[0]
	if a.RuleID != "rule-brute-force" {
		t.Errorf("RuleID = %s, want rule-brute-force", a.RuleID)
	}
	if a.SourceIP != "192.168.1.50" {
		t.Errorf("SourceIP = %s, want 192.168.1.50", a.SourceIP)
	}
	if a.Severity != schema.SeverityHigh {
		t.Errorf("Severity = %s, want high", a.Severity)
	}
	if a.Status != attack.StatusNew {
		t.Errorf("Status = %s, want new", a.Status)
	}
	if len(a.EventIDs) != 5 {
		t.Errorf("EventIDs has %d entries, want 5", len(a.EventIDs))
	}
	if !strings.Contains(a.Description, "5 failed login attempts from IP 192.168.1.50") {
		t.Errorf("Description = %q, template not expanded", a.Description)
	}
	if !strings.HasPrefix(a.ID, "attack-") {
		t.Errorf("ID = %q, want attack- prefix", a.ID)
	}

	rule := f.engine.Rule("rule-brute-force")
	if rule.TriggerCount != 1 {
		t.Errorf("TriggerCount = %d, want 1", rule.TriggerCount)
	}
	if f.attacks.Len() != 1 {
		t.Errorf("registry has %d attacks, want 1", f.attacks.Len())
	}
}

func TestBruteForceDuplicateSuppression(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.engine.ProcessSecurityEvent(ctx, f.failure("192.168.1.50", "user-1", f.now))
	}
	if f.attacks.Len() != 1 {
		t.Fatalf("registry has %d attacks after burst, want 1", f.attacks.Len())
	}

	// More evidence inside the rule window must not produce a second attack.
	created := f.engine.ProcessSecurityEvent(ctx, f.failure("192.168.1.50", "user-1", f.now))
	if len(created) != 0 {
		t.Errorf("sixth failure created %d attacks, want 0 (suppressed)", len(created))
	}

	// After the window passes, a fresh burst fires again.
	f.now = f.now.Add(6 * time.Minute)
	for i := 0; i < 5; i++ {
		f.engine.ProcessSecurityEvent(ctx, f.failure("192.168.1.50", "user-1", f.now))
	}
	if f.attacks.Len() != 2 {
		t.Errorf("registry has %d attacks after second burst, want 2", f.attacks.Len())
	}
}

func TestBruteForceGroupsPerSourceIP(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.1", "user-1", f.now))
		f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.2", "user-2", f.now))
	}
	if f.attacks.Len() != 0 {
		t.Fatalf("registry has %d attacks before thresholds met, want 0", f.attacks.Len())
	}

	f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.1", "user-1", f.now))
	f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.2", "user-2", f.now))

	attacks := f.attacks.GetAll(attack.Filters{})
	if len(attacks) != 2 {
		t.Fatalf("registry has %d attacks, want one per source IP", len(attacks))
	}
	ips := map[string]bool{attacks[0].SourceIP: true, attacks[1].SourceIP: true}
	if !ips["10.0.0.1"] || !ips["10.0.0.2"] {
		t.Errorf("attack IPs = %v, want both sources", ips)
	}
}

func TestAccountTakeoverDetection(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	// Two failures then a success: not enough evidence.
	for i := 0; i < 2; i++ {
		f.engine.ProcessSecurityEvent(ctx, f.failure("10.1.1.1", "victim", f.now.Add(time.Duration(i)*time.Second)))
	}
	success := schema.NewEvent(schema.EventAuthSuccess, f.now.Add(10*time.Second))
	success.SourceIP = "10.1.1.1"
	success.UserID = "victim"
	if created := f.engine.ProcessSecurityEvent(ctx, success); len(created) != 0 {
		t.Fatalf("two failures then success created %d attacks, want 0", len(created))
	}

	// A third failure then a later success completes the pattern.
	f.engine.ProcessSecurityEvent(ctx, f.failure("10.1.1.1", "victim", f.now.Add(20*time.Second)))
	success2 := schema.NewEvent(schema.EventAuthSuccess, f.now.Add(30*time.Second))
	success2.SourceIP = "10.1.1.1"
	success2.UserID = "victim"
	created := f.engine.ProcessSecurityEvent(ctx, success2)

	if len(created) != 1 {
		t.Fatalf("created %d attacks, want 1", len(created))
	}
	if created[0].RuleID != "rule-account-takeover" {
		t.Errorf("RuleID = %s, want rule-account-takeover", created[0].RuleID)
	}
	if created[0].UserID != "victim" {
		t.Errorf("UserID = %s, want victim", created[0].UserID)
	}
}

func TestProcessSecurityAlertAdapter(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	rule := &Rule{
		ID:      "rule-alert-feed",
		Name:    "Alert Feed",
		Type:    TypeTemporal,
		Enabled: true,
		Conditions: Conditions{
			EventTypes: []string{"intrusion_detected"},
			MinEvents:  1,
		},
	}
	if _, err := f.engine.SaveRule(context.Background(), rule, "test"); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	created := f.engine.ProcessSecurityAlert(context.Background(), &ExternalAlert{
		ID:       "alert-77",
		Type:     "INTRUSION_DETECTED",
		SourceIP: "172.16.0.9",
		UserID:   "user-9",
	})

	if len(created) != 1 {
		t.Fatalf("created %d attacks, want 1", len(created))
	}
	a := created[0]
	if a.SourceIP != "172.16.0.9" || a.UserID != "user-9" {
		t.Errorf("identity = %s/%s, want carried over from alert", a.SourceIP, a.UserID)
	}
	if len(a.AlertIDs) != 1 || a.AlertIDs[0] != "alert-77" {
		t.Errorf("AlertIDs = %v, want [alert-77]", a.AlertIDs)
	}

	events := f.store.Snapshot()
	if len(events) != 1 || events[0].Type != "intrusion_detected" {
		t.Errorf("stored event type = %v, want lowercased intrusion_detected", events)
	}
}

func TestConfidenceScoring(t *testing.T) {
	rule := validRule()
	rule.Conditions.TimeWindow = 10 * time.Minute
	base := time.Now()

	tests := []struct {
		name   string
		events []*schema.SecurityEvent
		min    float64
		max    float64
	}{
		{
			name:   "single event gets the baseline plus count factor",
			events: []*schema.SecurityEvent{{Timestamp: base}},
			min:    0.70,
			max:    0.72,
		},
		{
			name: "tight burst scores high",
			events: []*schema.SecurityEvent{
				{Timestamp: base}, {Timestamp: base}, {Timestamp: base},
				{Timestamp: base}, {Timestamp: base},
			},
			min: 0.84,
			max: 0.86,
		},
		{
			name: "events spread past the window lose the span bonus",
			events: []*schema.SecurityEvent{
				{Timestamp: base},
				{Timestamp: base.Add(20 * time.Minute)},
			},
			min: 0.71,
			max: 0.73,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoreConfidence(rule, tt.events)
			if got < tt.min || got > tt.max {
				t.Errorf("scoreConfidence() = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestConfidenceCap(t *testing.T) {
	rule := validRule()
	rule.Conditions.TimeWindow = 24 * time.Hour
	base := time.Now()

	events := make([]*schema.SecurityEvent, 50)
	for i := range events {
		events[i] = &schema.SecurityEvent{Timestamp: base}
	}

	if got := scoreConfidence(rule, events); got > 0.99 {
		t.Errorf("scoreConfidence() = %v, want capped at 0.99", got)
	}
}

func TestDispatchSendsAlertAndOpensIncident(t *testing.T) {
	alerts := &fakeAlertSender{}
	incidents := &fakeIncidentCreator{id: "inc-42"}
	f := newEngineFixture(t, Deps{Alerts: alerts, Incidents: incidents})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	var created []*attack.Attack
	for i := 0; i < 5; i++ {
		created = f.engine.ProcessSecurityEvent(ctx, f.failure("10.9.9.9", "user-1", f.now))
	}
	if len(created) != 1 {
		t.Fatalf("created %d attacks, want 1", len(created))
	}

	// Stop waits for the in-flight dispatch goroutine.
	f.engine.Stop()

	sent := alerts.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d alerts, want 1", len(sent))
	}
	if sent[0].Type != AlertTypeCorrelation {
		t.Errorf("alert type = %s, want %s", sent[0].Type, AlertTypeCorrelation)
	}
	if sent[0].SourceIP != "10.9.9.9" {
		t.Errorf("alert source ip = %s, want 10.9.9.9", sent[0].SourceIP)
	}

	incidents.mu.Lock()
	reqs := incidents.requests
	incidents.mu.Unlock()
	if len(reqs) != 1 {
		t.Fatalf("opened %d incidents, want 1", len(reqs))
	}
	if reqs[0].Type != IncidentBruteForce {
		t.Errorf("incident type = %s, want %s", reqs[0].Type, IncidentBruteForce)
	}

	stored := f.attacks.Get(created[0].ID)
	if stored.IncidentID != "inc-42" {
		t.Errorf("IncidentID = %q, want inc-42 linked back", stored.IncidentID)
	}
}

func TestRunCleanupArchivesExpired(t *testing.T) {
	archiver := &fakeArchiver{}
	audit := &fakeAuditSink{}
	f := newEngineFixture(t, Deps{Archiver: archiver, Audit: audit})
	ctx := context.Background()

	old := schema.NewEvent("stale_event", f.now.Add(-48*time.Hour))
	fresh := schema.NewEvent("fresh_event", f.now)
	f.engine.ProcessSecurityEvent(ctx, old)
	f.engine.ProcessSecurityEvent(ctx, fresh)

	f.engine.RunCleanup(ctx)

	if f.store.Len() != 1 {
		t.Errorf("store has %d events after cleanup, want 1", f.store.Len())
	}
	archiver.mu.Lock()
	archived := len(archiver.events)
	archiver.mu.Unlock()
	if archived != 1 {
		t.Errorf("archived %d events, want 1", archived)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	found := false
	for _, msg := range audit.messages {
		if strings.Contains(msg, "Cleaned up") {
			found = true
		}
	}
	if !found {
		t.Error("cleanup pass did not write an audit entry")
	}
}

func TestRunCleanupPrunesSuppressionState(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.1", "user-1", f.now))
	}
	if len(f.engine.lastFire) != 1 {
		t.Fatalf("lastFire has %d entries, want 1", len(f.engine.lastFire))
	}

	f.now = f.now.Add(25 * time.Hour)
	f.engine.RunCleanup(ctx)

	if len(f.engine.lastFire) != 0 {
		t.Errorf("lastFire has %d entries after retention window, want 0", len(f.engine.lastFire))
	}
}

func TestSaveRuleValidatesAndAudits(t *testing.T) {
	audit := &fakeAuditSink{}
	f := newEngineFixture(t, Deps{Audit: audit})
	ctx := context.Background()

	if _, err := f.engine.SaveRule(ctx, &Rule{ID: "rule-x"}, "operator"); err == nil {
		t.Error("SaveRule accepted an invalid rule")
	}

	saved, err := f.engine.SaveRule(ctx, validRule(), "operator")
	if err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	if saved.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set on save")
	}

	// The engine hands out clones; mutating them must not affect the registry.
	saved.Name = "mutated"
	if f.engine.Rule("rule-test").Name == "mutated" {
		t.Error("SaveRule returned a live registry pointer")
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.messages) != 1 || !strings.Contains(audit.messages[0], "rule saved") {
		t.Errorf("audit messages = %v, want one rule-saved entry", audit.messages)
	}
}

func TestDeleteRule(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	ctx := context.Background()

	if f.engine.DeleteRule(ctx, "rule-missing", "operator") {
		t.Error("DeleteRule = true for unknown rule")
	}

	f.engine.SaveRule(ctx, validRule(), "operator")
	if !f.engine.DeleteRule(ctx, "rule-test", "operator") {
		t.Error("DeleteRule = false for existing rule")
	}
	if f.engine.Rule("rule-test") != nil {
		t.Error("rule still present after delete")
	}
}

func TestAttackTriageIsAudited(t *testing.T) {
	audit := &fakeAuditSink{}
	f := newEngineFixture(t, Deps{Audit: audit})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	var created []*attack.Attack
	for i := 0; i < 5; i++ {
		created = f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.9", "user-1", f.now))
	}
	if len(created) != 1 {
		t.Fatalf("created %d attacks, want 1", len(created))
	}
	id := created[0].ID

	audit.mu.Lock()
	baseline := len(audit.messages)
	audit.mu.Unlock()

	if !f.engine.AssignAttack(ctx, id, "carol", "operator", "taking a look") {
		t.Fatal("AssignAttack = false for a live attack")
	}
	if !f.engine.UpdateAttackStatus(ctx, id, attack.StatusMitigated, "operator", "blocked the IP") {
		t.Fatal("UpdateAttackStatus = false for a valid transition")
	}

	audit.mu.Lock()
	entries := audit.messages[baseline:]
	audit.mu.Unlock()
	if len(entries) != 2 {
		t.Fatalf("triage wrote %d audit entries, want 2: %v", len(entries), entries)
	}
	if !strings.Contains(entries[0], "assigned") {
		t.Errorf("entries[0] = %q, want an assignment entry", entries[0])
	}
	if !strings.Contains(entries[1], "status updated") {
		t.Errorf("entries[1] = %q, want a status entry", entries[1])
	}

	// Rejected operations leave no trace.
	if f.engine.UpdateAttackStatus(ctx, id, attack.StatusNew, "operator", "") {
		t.Error("UpdateAttackStatus = true for a disallowed transition")
	}
	if f.engine.AssignAttack(ctx, "attack-missing", "carol", "operator", "") {
		t.Error("AssignAttack = true for an unknown attack")
	}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.messages) != baseline+2 {
		t.Errorf("rejected triage operations wrote audit entries: %v", audit.messages[baseline:])
	}
}

func TestDisabledRulesAreSkipped(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	ctx := context.Background()

	rule := validRule()
	rule.Enabled = false
	rule.Conditions.MinEvents = 1
	f.engine.SaveRule(ctx, rule, "test")

	created := f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.1", "user-1", f.now))
	if len(created) != 0 {
		t.Errorf("disabled rule created %d attacks, want 0", len(created))
	}
}

func TestEngineStats(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	f.engine.SeedBuiltinRules()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.engine.ProcessSecurityEvent(ctx, f.failure("10.0.0.1", "user-1", f.now))
	}

	stats := f.engine.Stats()
	if stats["rules"] != 5 {
		t.Errorf("stats[rules] = %v, want 5 builtins", stats["rules"])
	}
	if stats["attacks"] != 1 {
		t.Errorf("stats[attacks] = %v, want 1", stats["attacks"])
	}
	if stats["events"] != 5 {
		t.Errorf("stats[events] = %v, want 5", stats["events"])
	}
	if stats["events_appended"] != uint64(5) {
		t.Errorf("stats[events_appended] = %v, want 5", stats["events_appended"])
	}
}

func TestSeedBuiltinRulesKeepsOperatorEdits(t *testing.T) {
	f := newEngineFixture(t, Deps{})
	ctx := context.Background()

	custom := BruteForceRule()
	custom.Conditions.MinEvents = 50
	f.engine.SaveRule(ctx, custom, "operator")

	f.engine.SeedBuiltinRules()

	rule := f.engine.Rule("rule-brute-force")
	if rule.Conditions.MinEvents != 50 {
		t.Errorf("MinEvents = %d, seeding overwrote the operator's rule", rule.Conditions.MinEvents)
	}
	if f.rules.Len() != len(BuiltinRules()) {
		t.Errorf("registry has %d rules, want %d", f.rules.Len(), len(BuiltinRules()))
	}
}
