package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds configurable TTL settings for the archive tables.
type RetentionConfig struct {
	EventsTTL  time.Duration `yaml:"events_ttl"`
	AttacksTTL time.Duration `yaml:"attacks_ttl"`
}

// DefaultRetentionConfig keeps archived events for 90 days and attacks for a
// year.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		EventsTTL:  90 * 24 * time.Hour,
		AttacksTTL: 365 * 24 * time.Hour,
	}
}

// RetentionManager maps the configured retention periods onto ClickHouse TTL
// clauses so expiry happens inside the database.
type RetentionManager struct {
	client *Client
	cfg    RetentionConfig
}

func NewRetentionManager(client *Client, cfg RetentionConfig) *RetentionManager {
	return &RetentionManager{client: client, cfg: cfg}
}

// ApplyTTLs aligns table TTLs with the configured retention. Tables that do
// not exist yet are logged and skipped so startup ordering stays flexible; a
// zero or negative TTL leaves the table's current policy alone.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range []struct {
		table  string
		column string
		ttl    time.Duration
	}{
		{"archived_events", "timestamp", r.cfg.EventsTTL},
		{"attacks", "detected_at", r.cfg.AttacksTTL},
	} {
		if p.ttl <= 0 {
			continue
		}
		days := ttlDays(p.ttl)
		stmt := fmt.Sprintf("ALTER TABLE %s MODIFY TTL %s + INTERVAL %d DAY DELETE", p.table, p.column, days)
		if err := r.client.Exec(ctx, stmt); err != nil {
			slog.Warn("retention policy not applied", "table", p.table, "ttl_days", days, "error", err)
			continue
		}
		slog.Info("retention policy applied", "table", p.table, "ttl_days", days)
	}
	return nil
}

// ttlDays rounds a retention period down to whole days, with a one-day floor.
func ttlDays(ttl time.Duration) int {
	days := int(ttl / (24 * time.Hour))
	if days < 1 {
		return 1
	}
	return days
}
