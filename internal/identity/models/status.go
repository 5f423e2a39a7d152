package models

// Status is the lifecycle state of an identity.
//
//	pending -> active -> {suspended <-> active, deactivated} -> archived
//
// merged is reachable from every state except archived. Both archived and
// merged are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
	StatusArchived    Status = "archived"
	StatusMerged      Status = "merged"
)

var statusTransitions = map[Status][]Status{
	StatusPending:     {StatusActive, StatusMerged},
	StatusActive:      {StatusSuspended, StatusDeactivated, StatusArchived, StatusMerged},
	StatusSuspended:   {StatusActive, StatusDeactivated, StatusArchived, StatusMerged},
	StatusDeactivated: {StatusArchived, StatusMerged},
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusDeactivated, StatusArchived, StatusMerged:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusArchived || s == StatusMerged
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Type is the kind of party an identity stands for.
type Type string

const (
	TypePerson       Type = "person"
	TypeOrganization Type = "organization"
	TypeSystem       Type = "system"
	TypeService      Type = "service"
)

func (t Type) IsValid() bool {
	switch t {
	case TypePerson, TypeOrganization, TypeSystem, TypeService:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// VerificationLevel is ordered: unverified < basic < enhanced < full.
type VerificationLevel int

const (
	LevelUnverified VerificationLevel = iota
	LevelBasic
	LevelEnhanced
	LevelFull
)

var levelNames = map[VerificationLevel]string{
	LevelUnverified: "unverified",
	LevelBasic:      "basic",
	LevelEnhanced:   "enhanced",
	LevelFull:       "full",
}

func (l VerificationLevel) IsValid() bool {
	_, ok := levelNames[l]
	return ok
}

func (l VerificationLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseVerificationLevel maps a level name back to its value.
func ParseVerificationLevel(s string) (VerificationLevel, bool) {
	for level, name := range levelNames {
		if name == s {
			return level, true
		}
	}
	return LevelUnverified, false
}

func (l VerificationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *VerificationLevel) UnmarshalText(b []byte) error {
	level, ok := ParseVerificationLevel(string(b))
	if !ok {
		return errUnknownLevel(string(b))
	}
	*l = level
	return nil
}
