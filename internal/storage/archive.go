package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/attack"
	"sentinel-siem/internal/schema"
)

// ArchiveConfig holds configuration for the archive writer.
type ArchiveConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultArchiveConfig returns the default archive writer configuration.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// Archive writes expired events and detected attacks to ClickHouse. Event
// writes are buffered and flushed in batches; attack writes go through
// immediately since they are low-volume.
type Archive struct {
	client *Client
	config ArchiveConfig

	buffer []*schema.SecurityEvent
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	// Metrics
	eventsWritten  uint64
	attacksWritten uint64
	totalFailed    uint64
	batchCount     uint64
}

// NewArchive creates a new archive writer.
func NewArchive(client *Client, cfg ArchiveConfig) *Archive {
	a := &Archive{
		client: client,
		config: cfg,
		buffer: make([]*schema.SecurityEvent, 0, cfg.BatchSize),
	}

	a.flushTimer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)

	return a
}

// ArchiveEvents buffers events evicted from the in-memory store for cold
// storage. It satisfies the correlation engine's archiver contract.
func (a *Archive) ArchiveEvents(_ context.Context, events []*schema.SecurityEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrWriterClosed
	}

	a.buffer = append(a.buffer, events...)

	if len(a.buffer) >= a.config.BatchSize {
		return a.flushLocked()
	}

	return nil
}

// timerFlush is called by the flush timer.
func (a *Archive) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	if len(a.buffer) > 0 {
		if err := a.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	a.flushTimer.Reset(a.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (a *Archive) flushLocked() error {
	if len(a.buffer) == 0 {
		return nil
	}

	events := a.buffer
	a.buffer = make([]*schema.SecurityEvent, 0, a.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= a.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.config.RetryDelay * time.Duration(attempt))
		}

		if err := a.insertEvents(events); err != nil {
			lastErr = err
			slog.Warn("archive batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", a.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&a.eventsWritten, uint64(len(events)))
		atomic.AddUint64(&a.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&a.totalFailed, uint64(len(events)))
	return fmt.Errorf("%w after %d retries: %v", ErrBatchInsertFailed, a.config.MaxRetries, lastErr)
}

// insertEvents inserts a batch of events into the archived_events table.
func (a *Archive) insertEvents(events []*schema.SecurityEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := a.client.PrepareBatch(ctx, `
		INSERT INTO archived_events (
			event_id, event_type, timestamp, source_ip,
			user_id, username, alert_id, details
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, event := range events {
		details, _ := json.Marshal(event.Details)

		err := batch.Append(
			event.ID,
			event.Type,
			event.Timestamp,
			event.SourceIP,
			event.UserID,
			event.Username,
			event.AlertID,
			string(details),
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("archived event batch", "count", len(events))
	return nil
}

// WriteAttack records a detected attack in the attacks table.
func (a *Archive) WriteAttack(ctx context.Context, atk *attack.Attack) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrWriterClosed
	}

	err := a.client.Exec(ctx, `
		INSERT INTO attacks (
			attack_id, rule_id, rule_name, attack_type, severity,
			confidence, status, description, source_ip, user_id,
			event_count, event_ids, detected_at, incident_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		atk.ID,
		atk.RuleID,
		atk.RuleName,
		atk.Type,
		string(atk.Severity),
		atk.Confidence,
		string(atk.Status),
		atk.Description,
		atk.SourceIP,
		atk.UserID,
		uint32(len(atk.EventIDs)),
		atk.EventIDs,
		atk.DetectedAt,
		atk.IncidentID,
	)
	if err != nil {
		return WrapQueryError("WriteAttack", "attacks", err)
	}

	atomic.AddUint64(&a.attacksWritten, 1)
	return nil
}

// Flush forces a flush of the current event buffer.
func (a *Archive) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

// Close flushes and closes the archive writer.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrWriterClosed
	}
	err := a.flushLocked()
	a.closed = true
	a.mu.Unlock()

	a.flushTimer.Stop()
	return err
}

// Metrics returns archive writer statistics.
func (a *Archive) Metrics() ArchiveMetrics {
	return ArchiveMetrics{
		EventsWritten:  atomic.LoadUint64(&a.eventsWritten),
		AttacksWritten: atomic.LoadUint64(&a.attacksWritten),
		Failed:         atomic.LoadUint64(&a.totalFailed),
		Batches:        atomic.LoadUint64(&a.batchCount),
		Pending:        a.pendingCount(),
	}
}

func (a *Archive) pendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// ArchiveMetrics holds archive writer statistics.
type ArchiveMetrics struct {
	EventsWritten  uint64 `json:"events_written"`
	AttacksWritten uint64 `json:"attacks_written"`
	Failed         uint64 `json:"failed"`
	Batches        uint64 `json:"batches"`
	Pending        int    `json:"pending"`
}
