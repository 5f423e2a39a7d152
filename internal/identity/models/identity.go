package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

// Identity is the aggregate root. It tracks an opaque reference into the
// owning person/organization domain, never the attribute data itself.
//
// Invariants:
//   - ID is immutable
//   - (Type, ExternalReference) is bound to at most one non-merged identity
//   - Status == merged iff MergedInto is set; merged and archived are terminal
//   - VerificationLevel never decreases
//   - Version increases by one on every committed change
type Identity struct {
	ID                id.IdentityID     `json:"id"`
	Type              Type              `json:"type"`
	ExternalReference string            `json:"external_reference"`
	Status            Status            `json:"status"`
	MergedInto        *id.IdentityID    `json:"merged_into,omitempty"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	Claims            []Claim           `json:"claims"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Version           uint64            `json:"version"`
}

func NewIdentity(identityID id.IdentityID, typ Type, externalRef string, level VerificationLevel, claims []ClaimInput, now time.Time) (*Identity, error) {
	if identityID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "identity id cannot be nil")
	}
	if !typ.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "unknown identity type %q", typ)
	}
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "external reference cannot be empty")
	}
	if !level.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unknown verification level")
	}
	ident := &Identity{
		ID:                identityID,
		Type:              typ,
		ExternalReference: externalRef,
		Status:            StatusPending,
		VerificationLevel: level,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}
	if _, err := ident.AddClaims(claims, now); err != nil {
		return nil, err
	}
	return ident, nil
}

// Clone returns a deep copy so snapshots never alias stored state.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	if i.MergedInto != nil {
		target := *i.MergedInto
		c.MergedInto = &target
	}
	c.Claims = slices.Clone(i.Claims)
	return &c
}

func (i *Identity) IsMerged() bool { return i.Status == StatusMerged }

func (i *Identity) IsArchived() bool { return i.Status == StatusArchived }

// Redirect returns the forwarding pointer of a merged identity.
func (i *Identity) Redirect() (id.IdentityID, bool) {
	if i.Status != StatusMerged || i.MergedInto == nil {
		return id.IdentityID{}, false
	}
	return *i.MergedInto, true
}

// CanTransitionTo checks the lifecycle state machine. Use with ApplyTransition
// inside a gate Execute callback.
func (i *Identity) CanTransitionTo(next Status) error {
	if !i.Status.CanTransitionTo(next) {
		return dErrors.Newf(dErrors.CodeInvalidState, "cannot transition identity from %s to %s", i.Status, next).
			WithInvariant("identity_lifecycle").
			WithEntities(i.ID)
	}
	return nil
}

func (i *Identity) ApplyTransition(next Status, now time.Time) {
	i.Status = next
	i.touch(now)
}

// ApplyMerge turns the identity into a redirect toward survivor.
func (i *Identity) ApplyMerge(survivor id.IdentityID, now time.Time) {
	target := survivor
	i.Status = StatusMerged
	i.MergedInto = &target
	i.touch(now)
}

// AddClaims appends claims with fresh ids. It does not bump the version; the
// caller does that once per command.
func (i *Identity) AddClaims(inputs []ClaimInput, now time.Time) ([]Claim, error) {
	added := make([]Claim, 0, len(inputs))
	for _, in := range inputs {
		if strings.TrimSpace(string(in.Type)) == "" {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "claim type cannot be empty")
		}
		if strings.TrimSpace(in.Value) == "" {
			return nil, dErrors.Newf(dErrors.CodeInvariantViolation, "claim %s value cannot be empty", in.Type)
		}
		added = append(added, Claim{
			ID:       id.NewClaimID(),
			Type:     in.Type,
			Value:    in.Value,
			IssuedAt: now,
			Verified: in.Verified,
		})
	}
	i.Claims = append(i.Claims, added...)
	return added, nil
}

// RetractClaims removes the given claims. Either all ids are present and all
// are removed, or nothing changes.
func (i *Identity) RetractClaims(claimIDs []id.ClaimID) error {
	if len(claimIDs) == 0 {
		return nil
	}
	drop := make(map[id.ClaimID]struct{}, len(claimIDs))
	for _, cid := range claimIDs {
		drop[cid] = struct{}{}
	}
	for cid := range drop {
		if !slices.ContainsFunc(i.Claims, func(c Claim) bool { return c.ID == cid }) {
			return dErrors.Newf(dErrors.CodeNotFound, "claim %s not found on identity", cid).
				WithEntities(i.ID, cid)
		}
	}
	i.Claims = slices.DeleteFunc(i.Claims, func(c Claim) bool {
		_, ok := drop[c.ID]
		return ok
	})
	return nil
}

// CanSetLevel rejects downgrades.
func (i *Identity) CanSetLevel(level VerificationLevel) error {
	if !level.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "unknown verification level").WithEntities(i.ID)
	}
	if level < i.VerificationLevel {
		return dErrors.Newf(dErrors.CodeValidation, "verification level cannot be downgraded from %s to %s", i.VerificationLevel, level).
			WithInvariant("verification_monotonic").
			WithEntities(i.ID)
	}
	return nil
}

// RaiseLevel moves the level up to at least level and reports whether it changed.
func (i *Identity) RaiseLevel(level VerificationLevel) bool {
	if level <= i.VerificationLevel {
		return false
	}
	i.VerificationLevel = level
	return true
}

// ReissueVerified retracts every unverified claim of type t and appends a
// verified replacement with a fresh id issued at now. Claims are never
// flipped in place.
func (i *Identity) ReissueVerified(t ClaimType, now time.Time) (retracted, added []Claim) {
	for _, c := range i.Claims {
		if c.Type != t || c.Verified {
			continue
		}
		retracted = append(retracted, c)
		added = append(added, Claim{
			ID:       id.NewClaimID(),
			Type:     c.Type,
			Value:    c.Value,
			IssuedAt: now,
			Verified: true,
		})
	}
	if len(retracted) == 0 {
		return nil, nil
	}
	i.Claims = slices.DeleteFunc(i.Claims, func(c Claim) bool { return c.Type == t && !c.Verified })
	i.Claims = append(i.Claims, added...)
	return retracted, added
}

// Touch records a committed change.
func (i *Identity) Touch(now time.Time) { i.touch(now) }

func (i *Identity) touch(now time.Time) {
	i.UpdatedAt = now
	i.Version++
}

// Validate checks the invariants that can be evaluated on the identity alone.
func (i *Identity) Validate() error {
	if i.ID.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "identity id cannot be nil")
	}
	if !i.Status.IsValid() {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "unknown identity status %q", i.Status).WithEntities(i.ID)
	}
	if (i.Status == StatusMerged) != (i.MergedInto != nil) {
		return dErrors.New(dErrors.CodeInvariantViolation, "merged status and redirect must agree").
			WithInvariant("merge_redirect").
			WithEntities(i.ID)
	}
	if i.MergedInto != nil && *i.MergedInto == i.ID {
		return dErrors.New(dErrors.CodeInvariantViolation, "identity cannot redirect to itself").
			WithInvariant("merge_redirect").
			WithEntities(i.ID)
	}
	seen := make(map[id.ClaimID]struct{}, len(i.Claims))
	for _, c := range i.Claims {
		if _, dup := seen[c.ID]; dup {
			return dErrors.Newf(dErrors.CodeInvariantViolation, "claim %s appears twice", c.ID).
				WithInvariant("claim_ownership").
				WithEntities(i.ID, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

func errUnknownLevel(s string) error {
	return fmt.Errorf("unknown verification level %q", s)
}
