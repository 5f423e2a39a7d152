// Package aggregate is the single synchronous gate every mutation passes
// through. A command names the aggregates it touches, the gate locks them in a
// global order, hands the command a snapshot to stage writes against,
// re-checks cross-entity invariants and commits atomically.
package aggregate

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"idgraph/internal/events"
	identitymodels "idgraph/internal/identity/models"
	"idgraph/internal/platform/metrics"
	relmodels "idgraph/internal/relationship/models"
	"idgraph/internal/store"
	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = time.Millisecond
	maxBackoff         = 50 * time.Millisecond
)

// Scope computes the lock keys for a command from a read view. The gate calls
// it once before locking and again under lock; if the second answer needs
// keys the first did not, the attempt is abandoned and retried.
type Scope func(r store.Reader) []LockKey

type Gate struct {
	store       *store.Store
	locks       *lockTable
	clock       func() time.Time
	maxAttempts int
	backoff     time.Duration
	hopCap      int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithRetry bounds scope-growth retries. backoff doubles per attempt.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(g *Gate) {
		if maxAttempts > 0 {
			g.maxAttempts = maxAttempts
		}
		if backoff > 0 {
			g.backoff = backoff
		}
	}
}

func WithHopCap(hops int) Option {
	return func(g *Gate) {
		if hops > 0 {
			g.hopCap = hops
		}
	}
}

func New(st *store.Store, opts ...Option) *Gate {
	g := &Gate{
		store:       st,
		locks:       newLockTable(),
		clock:       time.Now,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		hopCap:      DefaultHopCap,
		tracer:      otel.Tracer("idgraph/aggregate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Reader exposes committed state for lock-free queries.
func (g *Gate) Reader() store.Reader { return g.store }

// HopCap is the redirect bound applied by Tx.Resolve.
func (g *Gate) HopCap() int { return g.hopCap }

// Execute runs fn against the aggregates named by scope and commits its staged
// writes if fn and every invariant check succeed. The returned events are in
// emission order. On any error nothing is committed and no event escapes.
func (g *Gate) Execute(ctx context.Context, scope Scope, fn func(tx *Tx) error) ([]events.Event, error) {
	ctx, span := g.tracer.Start(ctx, "aggregate.execute")
	defer span.End()
	start := time.Now()
	defer g.metrics.ObserveGate(start)

	backoff := g.backoff
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "command aborted: context cancelled")
		}
		keys := normalize(scope(g.store))
		release, err := g.locks.acquire(ctx, keys)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "command aborted while waiting for locks")
		}

		if again := normalize(scope(g.store)); !covers(keys, again) {
			release()
			g.metrics.IncrementGateRetry()
			span.AddEvent("scope grew", trace.WithAttributes(attribute.Int("attempt", attempt)))
			if g.logger != nil {
				g.logger.DebugContext(ctx, "aggregate scope grew under lock, retrying",
					"attempt", attempt, "held", len(keys), "wanted", len(again))
			}
			if err := sleep(ctx, backoff); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "command aborted during backoff")
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		evts, err := g.run(keys, fn)
		release()
		span.SetAttributes(attribute.Int("locks", len(keys)), attribute.Int("events", len(evts)))
		if err != nil {
			span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
			return nil, err
		}
		return evts, nil
	}
	return nil, dErrors.Newf(dErrors.CodeConflict, "aggregate scope kept changing after %d attempts", g.maxAttempts)
}

func (g *Gate) run(keys []LockKey, fn func(tx *Tx) error) ([]events.Event, error) {
	tx := newTx(g.store, keys, g.clock(), g.hopCap)
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := tx.checkInvariants(); err != nil {
		return nil, err
	}
	if cs := tx.changeSet(); !cs.Empty() {
		g.store.Commit(cs)
	}
	for _, e := range tx.events {
		g.metrics.IncrementEvent(string(e.Type))
	}
	return tx.events, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is the aggregate rooted at one identity as of a single instant.
type Snapshot struct {
	Identity            *identitymodels.Identity  `json:"identity"`
	Relationships       []*relmodels.Relationship `json:"relationships"`
	Workflows           []*wfmodels.Workflow      `json:"workflows"`
	ActiveRelationships int                       `json:"active_relationships"`
	ActiveWorkflows     int                       `json:"active_workflows"`
}

// Snapshot reads an identity with its relationships and workflows under the
// identity's lock, so the three parts agree with each other. Merged ids
// resolve to the survivor.
func (g *Gate) Snapshot(ctx context.Context, identityID id.IdentityID) (*Snapshot, error) {
	var snap *Snapshot
	_, err := g.Execute(ctx, func(r store.Reader) []LockKey {
		return Keys(ResolveID(r, identityID, g.hopCap))
	}, func(tx *Tx) error {
		ident, err := tx.Resolve(identityID)
		if err != nil {
			return err
		}
		snap = &Snapshot{
			Identity:      ident,
			Relationships: tx.RelationshipsOf(ident.ID),
			Workflows:     tx.WorkflowsOf(ident.ID),
		}
		for _, rel := range snap.Relationships {
			if rel.IsActive() {
				snap.ActiveRelationships++
			}
		}
		for _, wf := range snap.Workflows {
			if wf.IsInProgress() {
				snap.ActiveWorkflows++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}
