package models

// Filter selects identities for listing. Zero fields match everything.
// ClaimValue only applies together with ClaimType.
type Filter struct {
	Type       Type
	Status     Status
	MinLevel   VerificationLevel
	ClaimType  ClaimType
	ClaimValue string
	// include merged identities, which are hidden by default
	IncludeMerged bool
}

func (f Filter) Matches(i *Identity) bool {
	if i.IsMerged() && !f.IncludeMerged && f.Status != StatusMerged {
		return false
	}
	if f.Type != "" && i.Type != f.Type {
		return false
	}
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if i.VerificationLevel < f.MinLevel {
		return false
	}
	if f.ClaimType == "" {
		return true
	}
	for _, c := range i.Claims {
		if c.Type == f.ClaimType && (f.ClaimValue == "" || c.Value == f.ClaimValue) {
			return true
		}
	}
	return false
}
