package events

import (
	"encoding/json"
	"fmt"
	"time"

	id "idgraph/pkg/domain"
)

// wireEvent is the JSON shape published on the transport.
type wireEvent struct {
	ID         id.EventID      `json:"id"`
	Type       Type            `json:"type"`
	Aggregate  id.IdentityID   `json:"aggregate"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

var factories = map[Type]func() Payload{
	TypeIdentityCreated:          func() Payload { return &IdentityCreated{} },
	TypeIdentityUpdated:          func() Payload { return &IdentityUpdated{} },
	TypeIdentityMerged:           func() Payload { return &IdentityMerged{} },
	TypeIdentityArchived:         func() Payload { return &IdentityArchived{} },
	TypeRelationshipEstablished:  func() Payload { return &RelationshipEstablished{} },
	TypeRelationshipExpired:      func() Payload { return &RelationshipExpired{} },
	TypeRelationshipInvalidated:  func() Payload { return &RelationshipInvalidated{} },
	TypeWorkflowStarted:          func() Payload { return &WorkflowStarted{} },
	TypeWorkflowCompleted:        func() Payload { return &WorkflowCompleted{} },
	TypeWorkflowFailed:           func() Payload { return &WorkflowFailed{} },
	TypeWorkflowTimedOut:         func() Payload { return &WorkflowTimedOut{} },
	TypeVerificationLevelGranted: func() Payload { return &VerificationLevelGranted{} },
}

// Marshal encodes an event with its payload under a type discriminator.
func Marshal(e Event) ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(wireEvent{
		ID:         e.ID,
		Type:       e.Type,
		Aggregate:  e.Aggregate,
		OccurredAt: e.OccurredAt,
		Payload:    payload,
	})
}

// Unmarshal decodes an event produced by Marshal. Payloads come back as
// values, not pointers, so type switches match what the engine emits.
func Unmarshal(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	factory, ok := factories[w.Type]
	if !ok {
		return Event{}, fmt.Errorf("unknown event type %q", w.Type)
	}
	ptr := factory()
	if err := json.Unmarshal(w.Payload, ptr); err != nil {
		return Event{}, fmt.Errorf("unmarshal %s payload: %w", w.Type, err)
	}
	return Event{
		ID:         w.ID,
		Type:       w.Type,
		Aggregate:  w.Aggregate,
		OccurredAt: w.OccurredAt,
		Payload:    deref(ptr),
	}, nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *IdentityCreated:
		return *v
	case *IdentityUpdated:
		return *v
	case *IdentityMerged:
		return *v
	case *IdentityArchived:
		return *v
	case *RelationshipEstablished:
		return *v
	case *RelationshipExpired:
		return *v
	case *RelationshipInvalidated:
		return *v
	case *WorkflowStarted:
		return *v
	case *WorkflowCompleted:
		return *v
	case *WorkflowFailed:
		return *v
	case *WorkflowTimedOut:
		return *v
	case *VerificationLevelGranted:
		return *v
	}
	return p
}
