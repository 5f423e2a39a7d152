// Package service is the Workflow Engine. It starts step workflows against
// identities, advances them one step at a time and times them out. A
// completed verification workflow announces the level it earned; the
// registry applies it in the react phase.
package service

import (
	"context"
	"errors"
	"log/slog"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	"idgraph/internal/store"
	"idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/platform/sentinel"
	"idgraph/pkg/requestcontext"
)

type Gate interface {
	Execute(ctx context.Context, scope aggregate.Scope, fn func(tx *aggregate.Tx) error) ([]events.Event, error)
	Reader() store.Reader
	HopCap() int
}

// Index lists committed workflows for the timeout sweep.
type Index interface {
	WorkflowIDs(pred func(*models.Workflow) bool) []id.WorkflowID
}

// DefaultMaxRetries is the attempt budget of a step unless configured.
const DefaultMaxRetries = 3

type Service struct {
	gate       Gate
	index      Index
	maxRetries int
	logger     *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMaxRetries sets how many failed attempts a step gets before the
// workflow fails.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func New(gate Gate, index Index, opts ...Option) *Service {
	s := &Service{
		gate:       gate,
		index:      index,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the committed workflow.
func (s *Service) Get(_ context.Context, wfID id.WorkflowID) (*models.Workflow, error) {
	wf, err := s.gate.Reader().Workflow(wfID)
	if err != nil {
		return nil, translateNotFound(err, wfID)
	}
	return wf, nil
}

func (s *Service) logAudit(ctx context.Context, event string, attrs ...any) {
	if s.logger == nil {
		return
	}
	args := append(requestcontext.LogAttrs(ctx, attrs), "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}

func translateNotFound(err error, wfID id.WorkflowID) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "workflow not found").WithEntities(wfID)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load workflow")
}

// workflowScope locks the subject the workflow currently points at.
func workflowScope(wfID id.WorkflowID) aggregate.Scope {
	return func(r store.Reader) []aggregate.LockKey {
		wf, err := r.Workflow(wfID)
		if err != nil {
			return nil
		}
		return aggregate.Keys(wf.Subject)
	}
}

func asValidation(err error) error {
	if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeInvariantViolation {
		return &dErrors.Error{Code: dErrors.CodeValidation, Message: de.Message, Invariant: de.Invariant, Entities: de.Entities}
	}
	return err
}
