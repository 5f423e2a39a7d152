// Package domain holds typed identifiers shared across bounded contexts.
//
// Each identifier is a distinct named uuid.UUID so the compiler rejects
// passing a RelationshipID where an IdentityID is expected. Construct them via
// the Parse* functions at trust boundaries; New* is for ids minted internally.
package domain

import (
	"bytes"
	"strings"

	"github.com/google/uuid"

	dErrors "idgraph/pkg/domain-errors"
)

type (
	IdentityID     uuid.UUID
	RelationshipID uuid.UUID
	WorkflowID     uuid.UUID
	ClaimID        uuid.UUID
	EventID        uuid.UUID
)

// maxIDLength bounds input before it reaches uuid.Parse. The longest accepted
// uuid form is the urn-prefixed one.
const maxIDLength = 45

func parseUUID(kind, s string) (uuid.UUID, error) {
	if strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > maxIDLength {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be nil")
	}
	return u, nil
}

func ParseIdentityID(s string) (IdentityID, error) {
	u, err := parseUUID("identity id", s)
	return IdentityID(u), err
}

func ParseRelationshipID(s string) (RelationshipID, error) {
	u, err := parseUUID("relationship id", s)
	return RelationshipID(u), err
}

func ParseWorkflowID(s string) (WorkflowID, error) {
	u, err := parseUUID("workflow id", s)
	return WorkflowID(u), err
}

func ParseClaimID(s string) (ClaimID, error) {
	u, err := parseUUID("claim id", s)
	return ClaimID(u), err
}

func ParseEventID(s string) (EventID, error) {
	u, err := parseUUID("event id", s)
	return EventID(u), err
}

func NewIdentityID() IdentityID         { return IdentityID(uuid.New()) }
func NewRelationshipID() RelationshipID { return RelationshipID(uuid.New()) }
func NewWorkflowID() WorkflowID         { return WorkflowID(uuid.New()) }
func NewClaimID() ClaimID               { return ClaimID(uuid.New()) }
func NewEventID() EventID               { return EventID(uuid.New()) }

func (id IdentityID) String() string     { return uuid.UUID(id).String() }
func (id RelationshipID) String() string { return uuid.UUID(id).String() }
func (id WorkflowID) String() string     { return uuid.UUID(id).String() }
func (id ClaimID) String() string        { return uuid.UUID(id).String() }
func (id EventID) String() string        { return uuid.UUID(id).String() }

func (id IdentityID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id RelationshipID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id WorkflowID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ClaimID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id EventID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }

// Compare orders identity ids by their byte representation. Lock ordering in
// the aggregate gate depends on this being a total order.
func (id IdentityID) Compare(other IdentityID) int {
	a, b := uuid.UUID(id), uuid.UUID(other)
	return bytes.Compare(a[:], b[:])
}

func (id IdentityID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id RelationshipID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id WorkflowID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id ClaimID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }
func (id EventID) MarshalText() ([]byte, error)        { return uuid.UUID(id).MarshalText() }

func (id *IdentityID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *RelationshipID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *WorkflowID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ClaimID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *EventID) UnmarshalText(b []byte) error        { return (*uuid.UUID)(id).UnmarshalText(b) }
