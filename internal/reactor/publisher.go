package reactor

//go:generate mockgen -source=publisher.go -destination=mocks/mocks.go -package=mocks Publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"idgraph/internal/commands"
	"idgraph/internal/events"
	"idgraph/pkg/platform/circuit"
	"idgraph/pkg/requestcontext"
)

// Publisher delivers one committed event to the outside world. Delivery for
// one aggregate must preserve call order.
type Publisher interface {
	Publish(ctx context.Context, evt events.Event) error
}

// Outbound forwards every event to its publishers. A failing publisher does
// not keep the event from the others.
type Outbound struct {
	publishers []Publisher
	logger     *slog.Logger
}

func NewOutbound(logger *slog.Logger, publishers ...Publisher) *Outbound {
	return &Outbound{publishers: publishers, logger: logger}
}

func (o *Outbound) React(ctx context.Context, evt events.Event) ([]commands.Command, error) {
	var firstErr error
	for _, p := range o.publishers {
		if err := p.Publish(ctx, evt); err != nil {
			if o.logger != nil {
				attrs := requestcontext.LogAttrs(ctx, []any{"event_id", evt.ID.String(), "event_type", string(evt.Type), "error", err})
				o.logger.ErrorContext(ctx, "event_publish_failed", attrs...)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return nil, firstErr
}

// ErrCircuitOpen is returned instead of calling a publisher whose breaker is
// open.
var ErrCircuitOpen = errors.New("publisher circuit open")

// Guarded stops calling a failing best-effort publisher until its breaker
// lets a probe through, so an unreachable projection does not stall ticks.
type Guarded struct {
	publisher Publisher
	breaker   *circuit.Breaker
	logger    *slog.Logger
}

func NewGuarded(publisher Publisher, breaker *circuit.Breaker, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{publisher: publisher, breaker: breaker, logger: logger}
}

func (g *Guarded) Publish(ctx context.Context, evt events.Event) error {
	if !g.breaker.Allow() {
		return fmt.Errorf("%s: %w", g.breaker.Name(), ErrCircuitOpen)
	}
	if err := g.publisher.Publish(ctx, evt); err != nil {
		if _, change := g.breaker.RecordFailure(); change.Opened {
			g.logger.WarnContext(ctx, "publisher_circuit_opened", "publisher", g.breaker.Name(), "error", err)
		}
		return err
	}
	if _, change := g.breaker.RecordSuccess(); change.Closed {
		g.logger.InfoContext(ctx, "publisher_circuit_closed", "publisher", g.breaker.Name())
	}
	return nil
}
