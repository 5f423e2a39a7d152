// Package events defines the events the engine emits after a command commits.
// Events are facts; external domains consume them through the transport and
// the engine's own react-phase systems consume them in-process.
package events

import (
	"time"

	identitymodels "idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
)

type Type string

const (
	TypeIdentityCreated          Type = "identity.created"
	TypeIdentityUpdated          Type = "identity.updated"
	TypeIdentityMerged           Type = "identity.merged"
	TypeIdentityArchived         Type = "identity.archived"
	TypeRelationshipEstablished  Type = "relationship.established"
	TypeRelationshipExpired      Type = "relationship.expired"
	TypeRelationshipInvalidated  Type = "relationship.invalidated"
	TypeWorkflowStarted          Type = "workflow.started"
	TypeWorkflowCompleted        Type = "workflow.completed"
	TypeWorkflowFailed           Type = "workflow.failed"
	TypeWorkflowTimedOut         Type = "workflow.timed_out"
	TypeVerificationLevelGranted Type = "verification.level_granted"
)

// Payload is implemented by every event body.
type Payload interface {
	EventType() Type
}

// Event is the envelope around a payload. Aggregate is the identity whose
// lock covered the change; ordering is guaranteed per aggregate only.
type Event struct {
	ID         id.EventID    `json:"id"`
	Type       Type          `json:"type"`
	Aggregate  id.IdentityID `json:"aggregate"`
	OccurredAt time.Time     `json:"occurred_at"`
	Payload    Payload       `json:"-"`
}

func New(aggregate id.IdentityID, occurredAt time.Time, payload Payload) Event {
	return Event{
		ID:         id.NewEventID(),
		Type:       payload.EventType(),
		Aggregate:  aggregate,
		OccurredAt: occurredAt,
		Payload:    payload,
	}
}

type IdentityCreated struct {
	IdentityID        id.IdentityID                    `json:"identity_id"`
	IdentityType      identitymodels.Type              `json:"identity_type"`
	ExternalReference string                           `json:"external_reference"`
	Level             identitymodels.VerificationLevel `json:"level"`
	Claims            int                              `json:"claims"`
}

type IdentityUpdated struct {
	IdentityID        id.IdentityID                    `json:"identity_id"`
	ExternalReference string                           `json:"external_reference"`
	Status            identitymodels.Status            `json:"status"`
	PreviousStatus    identitymodels.Status            `json:"previous_status"`
	Level             identitymodels.VerificationLevel `json:"level"`
	PreviousLevel     identitymodels.VerificationLevel `json:"previous_level"`
	AddedClaims       []id.ClaimID                     `json:"added_claims,omitempty"`
	RemovedClaims     []id.ClaimID                     `json:"removed_claims,omitempty"`
	Version           uint64                           `json:"version"`
}

type IdentityMerged struct {
	Duplicate              id.IdentityID `json:"duplicate"`
	Survivor               id.IdentityID `json:"survivor"`
	ExternalReference      string        `json:"external_reference"`
	RelationshipsRepointed int           `json:"relationships_repointed"`
	WorkflowsRepointed     int           `json:"workflows_repointed"`
}

type IdentityArchived struct {
	IdentityID        id.IdentityID `json:"identity_id"`
	ExternalReference string        `json:"external_reference"`
}

type RelationshipEstablished struct {
	RelationshipID id.RelationshipID `json:"relationship_id"`
	Source         id.IdentityID     `json:"source"`
	Target         id.IdentityID     `json:"target"`
	RelType        relmodels.Type    `json:"relationship_type"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
}

type RelationshipExpired struct {
	RelationshipID id.RelationshipID `json:"relationship_id"`
	Source         id.IdentityID     `json:"source"`
	Target         id.IdentityID     `json:"target"`
	RelType        relmodels.Type    `json:"relationship_type"`
}

type RelationshipInvalidated struct {
	RelationshipID id.RelationshipID `json:"relationship_id"`
	Source         id.IdentityID     `json:"source"`
	Target         id.IdentityID     `json:"target"`
	RelType        relmodels.Type    `json:"relationship_type"`
	Reason         string            `json:"reason"`
}

type WorkflowStarted struct {
	WorkflowID id.WorkflowID   `json:"workflow_id"`
	Subject    id.IdentityID   `json:"subject"`
	WfType     wfmodels.Type   `json:"workflow_type"`
	Method     wfmodels.Method `json:"method,omitempty"`
	Steps      int             `json:"steps"`
}

type WorkflowCompleted struct {
	WorkflowID id.WorkflowID `json:"workflow_id"`
	Subject    id.IdentityID `json:"subject"`
	WfType     wfmodels.Type `json:"workflow_type"`
}

type WorkflowFailed struct {
	WorkflowID id.WorkflowID `json:"workflow_id"`
	Subject    id.IdentityID `json:"subject"`
	WfType     wfmodels.Type `json:"workflow_type"`
	Step       string        `json:"step,omitempty"`
	Reason     string        `json:"reason"`
}

type WorkflowTimedOut struct {
	WorkflowID id.WorkflowID `json:"workflow_id"`
	Subject    id.IdentityID `json:"subject"`
	WfType     wfmodels.Type `json:"workflow_type"`
}

type VerificationLevelGranted struct {
	WorkflowID id.WorkflowID                    `json:"workflow_id"`
	Subject    id.IdentityID                    `json:"subject"`
	Method     wfmodels.Method                  `json:"method"`
	Level      identitymodels.VerificationLevel `json:"level"`
}

func (IdentityCreated) EventType() Type          { return TypeIdentityCreated }
func (IdentityUpdated) EventType() Type          { return TypeIdentityUpdated }
func (IdentityMerged) EventType() Type           { return TypeIdentityMerged }
func (IdentityArchived) EventType() Type         { return TypeIdentityArchived }
func (RelationshipEstablished) EventType() Type  { return TypeRelationshipEstablished }
func (RelationshipExpired) EventType() Type      { return TypeRelationshipExpired }
func (RelationshipInvalidated) EventType() Type  { return TypeRelationshipInvalidated }
func (WorkflowStarted) EventType() Type          { return TypeWorkflowStarted }
func (WorkflowCompleted) EventType() Type        { return TypeWorkflowCompleted }
func (WorkflowFailed) EventType() Type           { return TypeWorkflowFailed }
func (WorkflowTimedOut) EventType() Type         { return TypeWorkflowTimedOut }
func (VerificationLevelGranted) EventType() Type { return TypeVerificationLevelGranted }
