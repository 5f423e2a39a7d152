package models

import (
	"time"

	id "idgraph/pkg/domain"
)

type ClaimType string

const (
	ClaimEmail        ClaimType = "email"
	ClaimPhone        ClaimType = "phone"
	ClaimName         ClaimType = "name"
	ClaimDateOfBirth  ClaimType = "date_of_birth"
	ClaimAddress      ClaimType = "address"
	ClaimGovernmentID ClaimType = "government_id"
)

// Claim is an attribute assertion owned by exactly one identity. Claims are
// appended or retracted, never edited in place.
type Claim struct {
	ID       id.ClaimID `json:"id"`
	Type     ClaimType  `json:"type"`
	Value    string     `json:"value"`
	IssuedAt time.Time  `json:"issued_at"`
	Verified bool       `json:"verified"`
}

// ClaimInput is the caller-supplied part of a claim; ids and timestamps are
// assigned by the registry.
type ClaimInput struct {
	Type     ClaimType `json:"type"`
	Value    string    `json:"value"`
	Verified bool      `json:"verified,omitempty"`
}
