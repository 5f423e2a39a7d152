package models

import (
	"maps"
	"slices"
	"time"

	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusInvalid Status = "invalid"
)

// Relationship is a typed, directed, optionally time-bounded edge between two
// identities. It references identities by id only; archiving or merging an
// endpoint never deletes the edge, it is re-pointed or marked invalid.
type Relationship struct {
	ID            id.RelationshipID `json:"id"`
	Source        id.IdentityID     `json:"source"`
	Target        id.IdentityID     `json:"target"`
	Type          Type              `json:"type"`
	EstablishedAt time.Time         `json:"established_at"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        Status            `json:"status"`
	StatusReason  string            `json:"status_reason,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Repoints      []Repoint         `json:"repoints,omitempty"`
}

// Repoint records an endpoint rewrite caused by an identity merge.
type Repoint struct {
	From id.IdentityID `json:"from"`
	To   id.IdentityID `json:"to"`
	At   time.Time     `json:"at"`
}

func NewRelationship(relID id.RelationshipID, source, target id.IdentityID, t Type, metadata map[string]string, establishedAt time.Time, expiresAt *time.Time) (*Relationship, error) {
	if !t.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "unknown relationship type %q", t)
	}
	if source == target {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "relationship cannot connect an identity to itself").
			WithInvariant("no_self_edge").
			WithEntities(source)
	}
	if expiresAt != nil && expiresAt.Before(establishedAt) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "expiry must not precede establishment").
			WithInvariant("expiry_after_established")
	}
	r := &Relationship{
		ID:            relID,
		Source:        source,
		Target:        target,
		Type:          t,
		EstablishedAt: establishedAt,
		Metadata:      maps.Clone(metadata),
		Status:        StatusActive,
		UpdatedAt:     establishedAt,
	}
	if expiresAt != nil {
		exp := *expiresAt
		r.ExpiresAt = &exp
	}
	return r, nil
}

func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		c.ExpiresAt = &exp
	}
	c.Metadata = maps.Clone(r.Metadata)
	c.Repoints = slices.Clone(r.Repoints)
	return &c
}

func (r *Relationship) IsActive() bool { return r.Status == StatusActive }

// Touches reports whether identity is either endpoint.
func (r *Relationship) Touches(identity id.IdentityID) bool {
	return r.Source == identity || r.Target == identity
}

// Other returns the endpoint opposite identity.
func (r *Relationship) Other(identity id.IdentityID) id.IdentityID {
	if r.Source == identity {
		return r.Target
	}
	return r.Source
}

// IsDue reports whether an active edge has reached its expiry.
func (r *Relationship) IsDue(now time.Time) bool {
	return r.IsActive() && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ApplyExpiry moves an active edge to expired. Expiry is a status change, not
// a deletion.
func (r *Relationship) ApplyExpiry(now time.Time) {
	r.Status = StatusExpired
	r.StatusReason = "expired"
	r.UpdatedAt = now
}

// ApplyInvalidation marks the edge invalid and keeps it for audit.
func (r *Relationship) ApplyInvalidation(reason string, now time.Time) {
	r.Status = StatusInvalid
	r.StatusReason = reason
	r.UpdatedAt = now
}

// Repoint rewrites every endpoint equal to from so it points at to, and
// reports whether anything changed.
func (r *Relationship) Repoint(from, to id.IdentityID, now time.Time) bool {
	changed := false
	if r.Source == from {
		r.Source = to
		changed = true
	}
	if r.Target == from {
		r.Target = to
		changed = true
	}
	if changed {
		r.Repoints = append(r.Repoints, Repoint{From: from, To: to, At: now})
		r.UpdatedAt = now
	}
	return changed
}

// Validate checks invariants evaluable on the edge alone.
func (r *Relationship) Validate() error {
	if !r.Type.IsValid() {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "unknown relationship type %q", r.Type).WithEntities(r.ID)
	}
	if r.ExpiresAt != nil && r.ExpiresAt.Before(r.EstablishedAt) {
		return dErrors.New(dErrors.CodeInvariantViolation, "expiry must not precede establishment").
			WithInvariant("expiry_after_established").
			WithEntities(r.ID)
	}
	if r.IsActive() && r.Source == r.Target {
		return dErrors.New(dErrors.CodeInvariantViolation, "active relationship cannot be a self-edge").
			WithInvariant("no_self_edge").
			WithEntities(r.ID)
	}
	return nil
}
