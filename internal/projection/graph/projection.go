package graph

import (
	"context"
	"fmt"
	"log/slog"

	"idgraph/internal/events"
	identitymodels "idgraph/internal/identity/models"
	relmodels "idgraph/internal/relationship/models"
)

// Identities are (:Identity {id}) nodes. Relationships are [:RELATES {id}]
// edges carrying the relationship type as a property, so merge repointing
// can move edges without knowing their type.
const (
	cypherIdentityCreated = `
MERGE (i:Identity {id: $id})
SET i.identity_type = $identity_type,
    i.external_reference = $external_reference,
    i.status = $status,
    i.level = $level`

	cypherIdentityUpdated = `
MERGE (i:Identity {id: $id})
SET i.external_reference = $external_reference,
    i.status = $status,
    i.level = $level`

	cypherIdentityArchived = `
MERGE (i:Identity {id: $id})
SET i.status = $status`

	cypherIdentityMerged = `
MATCH (d:Identity {id: $duplicate})
MERGE (s:Identity {id: $survivor})
SET d.status = $status
MERGE (d)-[:MERGED_INTO]->(s)
WITH d, s
OPTIONAL MATCH (d)-[out:RELATES]->(t:Identity)
FOREACH (_ IN CASE WHEN out IS NULL THEN [] ELSE [1] END |
    CREATE (s)-[moved:RELATES]->(t) SET moved = properties(out)
    DELETE out)
WITH d, s
OPTIONAL MATCH (src:Identity)-[in:RELATES]->(d)
FOREACH (_ IN CASE WHEN in IS NULL THEN [] ELSE [1] END |
    CREATE (src)-[moved:RELATES]->(s) SET moved = properties(in)
    DELETE in)`

	cypherRelationshipEstablished = `
MERGE (s:Identity {id: $source})
MERGE (t:Identity {id: $target})
MERGE (s)-[r:RELATES {id: $id}]->(t)
SET r.relationship_type = $relationship_type,
    r.status = $status,
    r.expires_at = $expires_at`

	cypherRelationshipStatus = `
MATCH (:Identity)-[r:RELATES {id: $id}]->(:Identity)
SET r.status = $status,
    r.reason = $reason`
)

// Projection writes committed events into the graph database. It is a
// react-phase publisher: per-aggregate order is preserved by the caller.
type Projection struct {
	client Client
	logger *slog.Logger
}

func NewProjection(client Client, logger *slog.Logger) *Projection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projection{client: client, logger: logger}
}

func (p *Projection) Publish(ctx context.Context, evt events.Event) error {
	cypher, params, ok := statement(evt)
	if !ok {
		return nil
	}
	if err := p.client.ExecuteWrite(ctx, cypher, params); err != nil {
		return fmt.Errorf("project %s: %w", evt.Type, err)
	}
	p.logger.DebugContext(ctx, "graph projected",
		"event_type", string(evt.Type),
		"event_id", evt.ID.String(),
	)
	return nil
}

// statement maps an event to its Cypher write. Workflow events have no graph
// shape and are skipped.
func statement(evt events.Event) (string, map[string]any, bool) {
	switch e := evt.Payload.(type) {
	case events.IdentityCreated:
		return cypherIdentityCreated, map[string]any{
			"id":                 e.IdentityID.String(),
			"identity_type":      string(e.IdentityType),
			"external_reference": e.ExternalReference,
			"status":             string(identitymodels.StatusPending),
			"level":              e.Level.String(),
		}, true
	case events.IdentityUpdated:
		return cypherIdentityUpdated, map[string]any{
			"id":                 e.IdentityID.String(),
			"external_reference": e.ExternalReference,
			"status":             string(e.Status),
			"level":              e.Level.String(),
		}, true
	case events.IdentityArchived:
		return cypherIdentityArchived, map[string]any{
			"id":     e.IdentityID.String(),
			"status": string(identitymodels.StatusArchived),
		}, true
	case events.IdentityMerged:
		return cypherIdentityMerged, map[string]any{
			"duplicate": e.Duplicate.String(),
			"survivor":  e.Survivor.String(),
			"status":    string(identitymodels.StatusMerged),
		}, true
	case events.RelationshipEstablished:
		var expiresAt any
		if e.ExpiresAt != nil {
			expiresAt = *e.ExpiresAt
		}
		return cypherRelationshipEstablished, map[string]any{
			"id":                e.RelationshipID.String(),
			"source":            e.Source.String(),
			"target":            e.Target.String(),
			"relationship_type": string(e.RelType),
			"status":            string(relmodels.StatusActive),
			"expires_at":        expiresAt,
		}, true
	case events.RelationshipExpired:
		return cypherRelationshipStatus, map[string]any{
			"id":     e.RelationshipID.String(),
			"status": string(relmodels.StatusExpired),
			"reason": "expired",
		}, true
	case events.RelationshipInvalidated:
		return cypherRelationshipStatus, map[string]any{
			"id":     e.RelationshipID.String(),
			"status": string(relmodels.StatusInvalid),
			"reason": e.Reason,
		}, true
	default:
		return "", nil, false
	}
}
