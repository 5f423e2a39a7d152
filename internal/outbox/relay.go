package outbox

//go:generate mockgen -source=relay.go -destination=mocks/mocks.go -package=mocks Source,Sink

import (
	"context"
	"log/slog"
	"time"

	"idgraph/internal/events"
	"idgraph/internal/platform/metrics"
)

const (
	defaultInterval = time.Second
	defaultBatch    = 100
)

// Source hands out pending entries.
type Source interface {
	Claim(ctx context.Context, limit int, send func(context.Context, Entry) error) (int, error)
	CountPending(ctx context.Context) (int, error)
}

// Sink is the transport the relay delivers to.
type Sink interface {
	PublishRaw(ctx context.Context, key string, eventType events.Type, eventID string, body []byte) error
}

// Relay moves outbox entries to the transport on a fixed interval.
type Relay struct {
	source   Source
	sink     Sink
	interval time.Duration
	batch    int
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type RelayOption func(*Relay)

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatch(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) RelayOption {
	return func(r *Relay) {
		r.metrics = m
	}
}

func NewRelay(source Source, sink Sink, opts ...RelayOption) *Relay {
	r := &Relay{
		source:   source,
		sink:     sink,
		interval: defaultInterval,
		batch:    defaultBatch,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run relays until ctx is cancelled. Failures are logged and retried on the
// next interval.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "outbox relay failed", "error", err)
			}
		}
	}
}

// RelayOnce drains batches until the outbox is empty or a send fails.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var total int
	for {
		sent, err := r.source.Claim(ctx, r.batch, r.send)
		total += sent
		if err != nil {
			r.reportPending(ctx)
			return total, err
		}
		if sent < r.batch {
			break
		}
	}
	r.reportPending(ctx)
	if total > 0 {
		r.logger.DebugContext(ctx, "outbox relayed", "events", total)
	}
	return total, nil
}

func (r *Relay) send(ctx context.Context, e Entry) error {
	return r.sink.PublishRaw(ctx, e.Aggregate, e.Type, e.EventID, e.Payload)
}

func (r *Relay) reportPending(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	n, err := r.source.CountPending(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "outbox pending count failed", "error", err)
		return
	}
	r.metrics.SetOutboxPending(n)
}
