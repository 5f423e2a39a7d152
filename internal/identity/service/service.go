// Package service is the Identity Registry: it owns identity lifecycle state
// and is the only writer of identities. Every operation runs inside one
// aggregate gate execution and returns the events it produced.
package service

import (
	"context"
	"errors"
	"log/slog"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	"idgraph/internal/identity/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
	"idgraph/pkg/platform/sentinel"
	"idgraph/pkg/requestcontext"
)

// Gate is the aggregate gate as the registry uses it.
type Gate interface {
	Execute(ctx context.Context, scope aggregate.Scope, fn func(tx *aggregate.Tx) error) ([]events.Event, error)
	Reader() store.Reader
	HopCap() int
}

// Index lists committed identities for queries.
type Index interface {
	Identities(pred func(*models.Identity) bool) []*models.Identity
}

type Service struct {
	gate            Gate
	index           Index
	activationLevel models.VerificationLevel
	logger          *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithActivationLevel sets the verification level an identity must hold
// before it can leave Pending.
func WithActivationLevel(level models.VerificationLevel) Option {
	return func(s *Service) {
		if level.IsValid() {
			s.activationLevel = level
		}
	}
}

func New(gate Gate, index Index, opts ...Option) *Service {
	s := &Service{
		gate:            gate,
		index:           index,
		activationLevel: models.LevelBasic,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActivationLevel reports the configured activation threshold.
func (s *Service) ActivationLevel() models.VerificationLevel { return s.activationLevel }

// Get returns the identity stored under identityID without following redirects.
func (s *Service) Get(_ context.Context, identityID id.IdentityID) (*models.Identity, error) {
	ident, err := s.gate.Reader().Identity(identityID)
	if err != nil {
		return nil, translateNotFound(err, identityID)
	}
	return ident, nil
}

// Resolve returns the live identity identityID redirects to.
func (s *Service) Resolve(_ context.Context, identityID id.IdentityID) (*models.Identity, error) {
	return aggregate.Resolve(s.gate.Reader(), identityID, s.gate.HopCap())
}

// Find lists committed identities matching filter, oldest first.
func (s *Service) Find(_ context.Context, filter models.Filter) []*models.Identity {
	return s.index.Identities(filter.Matches)
}

func (s *Service) logAudit(ctx context.Context, event string, attrs ...any) {
	if s.logger == nil {
		return
	}
	args := append(requestcontext.LogAttrs(ctx, attrs), "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}

func translateNotFound(err error, identityID id.IdentityID) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "identity not found").WithEntities(identityID)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
}

// loadLive reads identityID inside tx and rejects merged and archived
// identities, which accept no further changes.
func loadLive(tx *aggregate.Tx, identityID id.IdentityID) (*models.Identity, error) {
	ident, err := tx.Identity(identityID)
	if err != nil {
		return nil, translateNotFound(err, identityID)
	}
	if ident.Status.IsTerminal() {
		return nil, dErrors.Newf(dErrors.CodeInvalidState, "identity is %s", ident.Status).
			WithInvariant("identity_lifecycle").
			WithEntities(ident.ID)
	}
	return ident, nil
}
