// Package service is the Relationship Graph Manager. It owns typed edges
// between identities: establishing them under the per-type rule table,
// re-validating endpoints, expiring them and traversing the graph.
package service

import (
	"context"
	"log/slog"

	"idgraph/internal/aggregate"
	"idgraph/internal/events"
	relmodels "idgraph/internal/relationship/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	"idgraph/pkg/requestcontext"
)

type Gate interface {
	Execute(ctx context.Context, scope aggregate.Scope, fn func(tx *aggregate.Tx) error) ([]events.Event, error)
	Reader() store.Reader
	HopCap() int
}

// Index lists committed relationships for the sweeps.
type Index interface {
	RelationshipIDs(pred func(*relmodels.Relationship) bool) []id.RelationshipID
}

type Service struct {
	gate         Gate
	index        Index
	defaultDepth int
	searchLimit  int
	logger       *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithDefaultDepth sets the traversal depth used when callers pass zero.
func WithDefaultDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.defaultDepth = depth
		}
	}
}

// WithSearchLimit bounds how many identities a cycle check may visit.
func WithSearchLimit(limit int) Option {
	return func(s *Service) {
		if limit > 0 {
			s.searchLimit = limit
		}
	}
}

func New(gate Gate, index Index, opts ...Option) *Service {
	s := &Service{
		gate:         gate,
		index:        index,
		defaultDepth: 3,
		searchLimit:  aggregate.DefaultSearchLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logAudit(ctx context.Context, event string, attrs ...any) {
	if s.logger == nil {
		return
	}
	args := append(requestcontext.LogAttrs(ctx, attrs), "event", event, "log_type", "audit")
	s.logger.InfoContext(ctx, event, args...)
}

// Placement names why an active edge cannot sit where it now points.
type Placement string

const (
	PlacementOK          Placement = ""
	PlacementSelfEdge    Placement = "self_edge"
	PlacementCardinality Placement = "cardinality"
	PlacementCycle       Placement = "cycle"
)

// CheckPlacement evaluates an active edge in its current position against
// the no-self-edge, cardinality and acyclicity rules. Callers that rewrite
// endpoints (merge, redirect repair) use it to decide whether the edge stays
// active. Hierarchical edges need their graph key held.
func CheckPlacement(tx *aggregate.Tx, rel *relmodels.Relationship, searchLimit int) (Placement, error) {
	if rel.Source == rel.Target {
		return PlacementSelfEdge, nil
	}
	rule, _ := relmodels.RuleFor(rel.Type)
	for _, other := range tx.RelationshipsOf(rel.Source) {
		if rule.Collides(rel, other) {
			return PlacementCardinality, nil
		}
	}
	if rel.Type.IsHierarchical() {
		cycle, err := aggregate.Reaches(tx, rel.Target, rel.Source, rel.Type, searchLimit)
		if err != nil {
			return PlacementOK, err
		}
		if cycle {
			return PlacementCycle, nil
		}
	}
	return PlacementOK, nil
}
