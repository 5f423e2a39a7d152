package models

import (
	"time"

	identitymodels "idgraph/internal/identity/models"
)

// Method is how a verification workflow establishes the subject's identity.
type Method string

const (
	MethodEmail     Method = "email"
	MethodPhone     Method = "phone"
	MethodDocument  Method = "document"
	MethodBiometric Method = "biometric"
)

// Verification is the specialization carried by verification workflows. The
// engine only records the level reached; evidence stays with its owner and is
// referenced opaquely.
type Verification struct {
	Method      Method                           `json:"method"`
	EvidenceRef string                           `json:"evidence_ref,omitempty"`
	Level       identitymodels.VerificationLevel `json:"level"`
}

type methodRule struct {
	level identitymodels.VerificationLevel
	// claim verified alongside the level grant, if any
	claim identitymodels.ClaimType
	steps []StepDefinition
}

var methods = map[Method]methodRule{
	MethodEmail: {
		level: identitymodels.LevelBasic,
		claim: identitymodels.ClaimEmail,
		steps: []StepDefinition{
			{Name: "send_challenge", Timeout: 10 * time.Minute},
			{Name: "confirm_code", Timeout: 24 * time.Hour},
		},
	},
	MethodPhone: {
		level: identitymodels.LevelBasic,
		claim: identitymodels.ClaimPhone,
		steps: []StepDefinition{
			{Name: "send_code", Timeout: 5 * time.Minute},
			{Name: "confirm_code", Timeout: 15 * time.Minute},
		},
	},
	MethodDocument: {
		level: identitymodels.LevelEnhanced,
		claim: identitymodels.ClaimGovernmentID,
		steps: []StepDefinition{
			{Name: "upload_document", Timeout: 72 * time.Hour},
			{Name: "automated_check", Timeout: time.Hour},
			{Name: "manual_review", Optional: true, Timeout: 72 * time.Hour},
		},
	},
	MethodBiometric: {
		level: identitymodels.LevelFull,
		steps: []StepDefinition{
			{Name: "capture", Timeout: 30 * time.Minute},
			{Name: "liveness_check", Timeout: 10 * time.Minute},
			{Name: "match", Timeout: 10 * time.Minute},
		},
	},
}

func (m Method) IsValid() bool {
	_, ok := methods[m]
	return ok
}

// GrantedLevel is the level a successful verification by m confers.
func (m Method) GrantedLevel() identitymodels.VerificationLevel {
	return methods[m].level
}

// ClaimType is the claim type a successful verification by m vouches for.
func (m Method) ClaimType() (identitymodels.ClaimType, bool) {
	c := methods[m].claim
	return c, c != ""
}

// DefaultSteps returns a fresh copy of the step plan for m.
func (m Method) DefaultSteps() []StepDefinition {
	return append([]StepDefinition(nil), methods[m].steps...)
}

func (m Method) String() string { return string(m) }
