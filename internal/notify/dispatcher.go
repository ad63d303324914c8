package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinel-siem/internal/correlation"
)

// DispatcherConfig configures delivery retries.
type DispatcherConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultDispatcherConfig returns sensible delivery defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
	}
}

// Dispatcher fans an alert out to all configured channels with bounded
// retries. It implements the engine's AlertSender contract. A channel that
// exhausts its retries is logged and skipped; delivery failures never
// propagate back into detection.
type Dispatcher struct {
	config   DispatcherConfig
	channels []Channel

	delivered uint64
	failed    uint64
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(cfg DispatcherConfig, channels ...Channel) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &Dispatcher{
		config:   cfg,
		channels: channels,
	}
}

// SendAlert delivers the alert to every channel. It returns nil when at
// least one channel succeeded, or the last error when all failed.
func (d *Dispatcher) SendAlert(ctx context.Context, alert *correlation.Alert) error {
	if len(d.channels) == 0 {
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lastErr error
		anySent bool
	)

	for _, ch := range d.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			err := d.sendWithRetry(ctx, ch, alert)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			anySent = true
		}(ch)
	}
	wg.Wait()

	if anySent {
		atomic.AddUint64(&d.delivered, 1)
		return nil
	}
	atomic.AddUint64(&d.failed, 1)
	return lastErr
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, alert *correlation.Alert) error {
	backoff := d.config.InitialBackoff

	var err error
	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		err = ch.Send(ctx, alert)
		if err == nil {
			return nil
		}

		slog.Warn("alert delivery attempt failed",
			"channel", ch.Name(),
			"attempt", attempt,
			"error", err,
		)
		if attempt == d.config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if d.config.MaxBackoff > 0 && backoff > d.config.MaxBackoff {
			backoff = d.config.MaxBackoff
		}
	}

	slog.Error("alert delivery failed, giving up",
		"channel", ch.Name(),
		"attempts", d.config.MaxRetries,
		"error", err,
	)
	return err
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() (delivered, failed uint64) {
	return atomic.LoadUint64(&d.delivered), atomic.LoadUint64(&d.failed)
}
