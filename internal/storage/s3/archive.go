package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sentinel-siem/internal/schema"
)

// ArchiverConfig configures the event archiver.
type ArchiverConfig struct {
	// PathTemplate for archive keys. Supports {date} and {id}.
	PathTemplate string `yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() *ArchiverConfig {
	return &ArchiverConfig{
		PathTemplate: "{date}/{id}.jsonl.gz",
	}
}

// Archiver writes batches of expired events to S3 as gzipped JSON lines. It
// satisfies the correlation engine's archiver contract.
type Archiver struct {
	client *Client
	config *ArchiverConfig

	recordsArchived atomic.Int64
	batchesCreated  atomic.Int64
}

// NewArchiver creates a new event archiver.
func NewArchiver(client *Client, cfg *ArchiverConfig) *Archiver {
	if cfg == nil {
		cfg = DefaultArchiverConfig()
	}
	return &Archiver{
		client: client,
		config: cfg,
	}
}

// ArchiveEvents uploads one batch of events as a single compressed object.
func (a *Archiver) ArchiveEvents(ctx context.Context, events []*schema.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("s3: failed to encode event %s: %w", event.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("s3: failed to compress batch: %w", err)
	}

	batchID := uuid.NewString()
	key := a.generateKey(batchID, events[0].Timestamp)

	err := a.client.Upload(ctx, &UploadInput{
		Key:         key,
		Body:        &buf,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"record-count": fmt.Sprintf("%d", len(events)),
			"batch-id":     batchID,
		},
	})
	if err != nil {
		return err
	}

	a.recordsArchived.Add(int64(len(events)))
	a.batchesCreated.Add(1)
	return nil
}

// Restore reads back one archived batch by key.
func (a *Archiver) Restore(ctx context.Context, key string) ([]*schema.SecurityEvent, error) {
	body, err := a.client.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	gz, err := gzip.NewReader(body)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to open archive %s: %w", key, err)
	}
	defer gz.Close()

	var events []*schema.SecurityEvent
	dec := json.NewDecoder(gz)
	for dec.More() {
		var event schema.SecurityEvent
		if err := dec.Decode(&event); err != nil {
			return nil, fmt.Errorf("s3: failed to decode archive %s: %w", key, err)
		}
		events = append(events, &event)
	}
	return events, nil
}

// Stats returns archived record and batch counts.
func (a *Archiver) Stats() (records, batches int64) {
	return a.recordsArchived.Load(), a.batchesCreated.Load()
}

// generateKey builds the object key from the path template. Keys are
// partitioned by the batch's event date so restores can scope by day.
func (a *Archiver) generateKey(batchID string, ts time.Time) string {
	key := a.config.PathTemplate
	key = strings.ReplaceAll(key, "{date}", ts.UTC().Format("2006/01/02"))
	key = strings.ReplaceAll(key, "{id}", batchID)
	return key
}
