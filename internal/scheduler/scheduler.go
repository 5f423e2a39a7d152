// Package scheduler drives the engine in ticks. A tick drains the command
// queue, applies commands in groups that share no aggregate, runs the
// periodic sweeps and then hands every event of the tick to the reactors.
// Commands the reactors return are applied in the next tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"idgraph/internal/aggregate"
	"idgraph/internal/commands"
	"idgraph/internal/events"
	"idgraph/internal/platform/metrics"
	relservice "idgraph/internal/relationship/service"
	"idgraph/internal/store"
	wfservice "idgraph/internal/workflow/service"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/requestcontext"
)

type Dispatcher interface {
	Keys(r store.Reader, cmd commands.Command) []aggregate.LockKey
	Dispatch(ctx context.Context, cmd commands.Command) ([]events.Event, error)
}

type RelationshipSweeper interface {
	Expire(ctx context.Context, now time.Time) (relservice.SweepResult, []events.Event)
	Validate(ctx context.Context, scope *id.IdentityID) (relservice.SweepResult, []events.Event)
}

type WorkflowSweeper interface {
	Sweep(ctx context.Context, now time.Time) (wfservice.SweepResult, []events.Event)
}

// Reactor is a react-phase system. It sees every committed event of a tick
// in emission order and may return follow-up commands.
type Reactor interface {
	React(ctx context.Context, evt events.Event) ([]commands.Command, error)
}

// Result is the outcome of one command applied in a tick.
type Result struct {
	Command commands.Command
	Events  []events.Event
	Err     error
}

// Report summarizes a tick.
type Report struct {
	Tick     uint64
	Groups   int
	Results  []Result
	Events   []events.Event
	FollowUp int
}

// counter is implemented by the in-memory store.
type counter interface {
	Counts() (identities, relationships, workflows int)
}

type Scheduler struct {
	dispatcher    Dispatcher
	reader        store.Reader
	relationships RelationshipSweeper
	workflows     WorkflowSweeper
	reactors      []Reactor
	workers       int
	validateEvery uint64
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer

	mu    sync.Mutex
	queue []queued

	tickMu sync.Mutex
	tick   uint64
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithWorkers bounds how many command groups run at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSweeps enables the expiry, revalidation and workflow timeout sweeps.
func WithSweeps(relationships RelationshipSweeper, workflows WorkflowSweeper) Option {
	return func(s *Scheduler) {
		s.relationships = relationships
		s.workflows = workflows
	}
}

// WithValidateEvery runs the full relationship revalidation every n ticks.
func WithValidateEvery(n uint64) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.validateEvery = n
		}
	}
}

func WithReactors(reactors ...Reactor) Option {
	return func(s *Scheduler) { s.reactors = append(s.reactors, reactors...) }
}

func New(dispatcher Dispatcher, reader store.Reader, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher:    dispatcher,
		reader:        reader,
		workers:       4,
		validateEvery: 1,
		clock:         time.Now,
		tracer:        otel.Tracer("idgraph/scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type queued struct {
	cmd  commands.Command
	done chan error
}

// Submit queues cmd for the next tick.
func (s *Scheduler) Submit(cmd commands.Command) {
	s.enqueue(queued{cmd: cmd})
}

// SubmitTracked queues cmd and returns a channel that receives the command's
// outcome once a tick has applied it. A nil outcome means it committed.
func (s *Scheduler) SubmitTracked(cmd commands.Command) <-chan error {
	done := make(chan error, 1)
	s.enqueue(queued{cmd: cmd, done: done})
	return done
}

func (s *Scheduler) enqueue(q queued) {
	q.cmd = commands.Prepare(q.cmd)
	s.mu.Lock()
	s.queue = append(s.queue, q)
	depth := len(s.queue)
	s.mu.Unlock()
	s.metrics.SetQueueDepth(depth)
}

// Pending reports how many commands wait for the next tick.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) drain() ([]commands.Command, []chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmds := make([]commands.Command, len(s.queue))
	dones := make([]chan error, len(s.queue))
	for i, q := range s.queue {
		cmds[i], dones[i] = q.cmd, q.done
	}
	s.queue = nil
	s.metrics.SetQueueDepth(0)
	return cmds, dones
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick runs one apply phase, the sweeps and one react phase. Command
// failures are reported in the Report, not returned; the error is non-nil
// only when ctx ended.
func (s *Scheduler) Tick(ctx context.Context) (*Report, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.tick++
	start := time.Now()
	ctx = requestcontext.WithTick(ctx, s.tick)
	ctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(attribute.Int64("tick", int64(s.tick))))
	defer span.End()

	cmds, dones := s.drain()
	report := &Report{Tick: s.tick, Results: make([]Result, len(cmds))}

	groups := s.group(cmds)
	report.Groups = len(groups)
	span.SetAttributes(attribute.Int("commands", len(cmds)), attribute.Int("groups", len(groups)))
	s.apply(ctx, cmds, groups, report.Results)
	for i, res := range report.Results {
		report.Events = append(report.Events, res.Events...)
		if dones[i] != nil {
			dones[i] <- res.Err
		}
	}

	report.Events = append(report.Events, s.sweep(ctx)...)
	report.FollowUp = s.react(ctx, report.Events)

	s.metrics.ObserveTick(start, len(groups))
	if c, ok := s.reader.(counter); ok && s.metrics != nil {
		s.metrics.SetEntityCounts(c.Counts())
	}
	if len(cmds) > 0 || len(report.Events) > 0 {
		s.logInfo(ctx, "tick_completed",
			"commands", len(cmds),
			"groups", len(groups),
			"events", len(report.Events),
			"follow_up", report.FollowUp,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return report, nil
}

// apply runs each group serially in arrival order and disjoint groups
// concurrently. Results are written by command index.
func (s *Scheduler) apply(ctx context.Context, cmds []commands.Command, groups [][]int, results []Result) {
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, members := range groups {
		g.Go(func() error {
			for _, i := range members {
				results[i] = s.applyOne(ctx, cmds[i])
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) applyOne(ctx context.Context, cmd commands.Command) Result {
	evts, err := s.dispatcher.Dispatch(ctx, cmd)
	outcome := "ok"
	if err != nil {
		outcome = string(dErrors.CodeOf(err))
		s.logWarn(ctx, "command_rejected",
			"kind", string(cmd.Kind()),
			"code", outcome,
			"error", err)
	}
	s.metrics.IncrementCommand(string(cmd.Kind()), outcome)
	return Result{Command: cmd, Events: evts, Err: err}
}

// sweep runs expiry, then revalidation, then workflow timeouts.
func (s *Scheduler) sweep(ctx context.Context) []events.Event {
	now := s.clock()
	var out []events.Event
	if s.relationships != nil {
		_, evts := s.relationships.Expire(ctx, now)
		out = append(out, evts...)
		if s.tick%s.validateEvery == 0 {
			_, evts = s.relationships.Validate(ctx, nil)
			out = append(out, evts...)
		}
	}
	if s.workflows != nil {
		_, evts := s.workflows.Sweep(ctx, now)
		out = append(out, evts...)
	}
	return out
}

// react delivers evts to every reactor in order and queues what they return.
func (s *Scheduler) react(ctx context.Context, evts []events.Event) int {
	queued := 0
	for _, evt := range evts {
		for _, r := range s.reactors {
			cmds, err := r.React(ctx, evt)
			if err != nil {
				s.logWarn(ctx, "reactor_failed",
					"reactor", fmt.Sprintf("%T", r),
					"event_type", string(evt.Type),
					"event_id", evt.ID.String(),
					"error", err)
			}
			for _, cmd := range cmds {
				s.Submit(cmd)
				queued++
			}
		}
	}
	return queued
}

func (s *Scheduler) logInfo(ctx context.Context, msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, msg, requestcontext.LogAttrs(ctx, attrs)...)
}

func (s *Scheduler) logWarn(ctx context.Context, msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.WarnContext(ctx, msg, requestcontext.LogAttrs(ctx, attrs)...)
}
