package models

import (
	identitymodels "idgraph/internal/identity/models"
)

// Type is the closed set of relationship kinds. Behaviour that varies per
// type lives in the rule table below rather than on the type itself.
type Type string

const (
	TypeEmployedBy  Type = "employed_by"
	TypeMemberOf    Type = "member_of"
	TypePartnerOf   Type = "partner_of"
	TypeManagerOf   Type = "manager_of"
	TypeReportsTo   Type = "reports_to"
	TypeParentOf    Type = "parent_of"
	TypeOwnerOf     Type = "owner_of"
	TypeDelegatesTo Type = "delegates_to"
)

// Cardinality scopes the duplicate-active check.
type Cardinality int

const (
	// CardinalityMany allows any number of active edges.
	CardinalityMany Cardinality = iota
	// CardinalityOnePerSource allows one active edge per (source, type).
	CardinalityOnePerSource
	// CardinalityOnePerPair allows one active edge per (source, target, type).
	CardinalityOnePerPair
)

func (c Cardinality) String() string {
	switch c {
	case CardinalityOnePerSource:
		return "one_per_source"
	case CardinalityOnePerPair:
		return "one_per_pair"
	default:
		return "many"
	}
}

// Rule describes how a relationship type is validated.
type Rule struct {
	Cardinality  Cardinality
	Hierarchical bool
	// Empty slices mean any identity type is accepted on that end.
	SourceTypes []identitymodels.Type
	TargetTypes []identitymodels.Type
}

var (
	persons       = []identitymodels.Type{identitymodels.TypePerson}
	organizations = []identitymodels.Type{identitymodels.TypeOrganization}
)

var rules = map[Type]Rule{
	TypeEmployedBy: {Cardinality: CardinalityOnePerSource, SourceTypes: persons, TargetTypes: organizations},
	TypeMemberOf: {
		Cardinality: CardinalityOnePerPair,
		SourceTypes: []identitymodels.Type{identitymodels.TypePerson, identitymodels.TypeOrganization, identitymodels.TypeService},
		TargetTypes: organizations,
	},
	TypePartnerOf:   {Cardinality: CardinalityOnePerPair},
	TypeManagerOf:   {Cardinality: CardinalityOnePerPair, Hierarchical: true, SourceTypes: persons, TargetTypes: persons},
	TypeReportsTo:   {Cardinality: CardinalityOnePerSource, Hierarchical: true, SourceTypes: persons, TargetTypes: persons},
	TypeParentOf:    {Cardinality: CardinalityOnePerPair, Hierarchical: true, SourceTypes: organizations, TargetTypes: organizations},
	TypeOwnerOf:     {Cardinality: CardinalityOnePerPair, Hierarchical: true},
	TypeDelegatesTo: {Cardinality: CardinalityMany},
}

// RuleFor returns the rule for t and whether t is a known type.
func RuleFor(t Type) (Rule, bool) {
	r, ok := rules[t]
	return r, ok
}

func (t Type) IsValid() bool {
	_, ok := rules[t]
	return ok
}

func (t Type) IsHierarchical() bool {
	return rules[t].Hierarchical
}

func (t Type) String() string { return string(t) }

// HierarchicalTypes lists the types whose same-type subgraph must stay acyclic.
func HierarchicalTypes() []Type {
	return []Type{TypeManagerOf, TypeReportsTo, TypeParentOf, TypeOwnerOf}
}

// Accepts reports whether source and target identity types may be joined by
// an edge of this rule.
func (r Rule) Accepts(source, target identitymodels.Type) bool {
	return matchType(r.SourceTypes, source) && matchType(r.TargetTypes, target)
}

func matchType(allowed []identitymodels.Type, t identitymodels.Type) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// Collides reports whether an active edge other occupies the cardinality slot
// that candidate wants. Both must be of the same type.
func (r Rule) Collides(candidate, other *Relationship) bool {
	if candidate.Type != other.Type || other.ID == candidate.ID || !other.IsActive() {
		return false
	}
	switch r.Cardinality {
	case CardinalityOnePerSource:
		return other.Source == candidate.Source
	case CardinalityOnePerPair:
		return other.Source == candidate.Source && other.Target == candidate.Target
	default:
		return false
	}
}
