// Package reactor holds the react-phase systems. Each one reads committed
// events and answers with follow-up commands or outbound side effects; none
// of them mutates state directly.
package reactor

import (
	"context"
	"sync"

	"idgraph/internal/aggregate"
	"idgraph/internal/commands"
	"idgraph/internal/events"
	identitymodels "idgraph/internal/identity/models"
	"idgraph/internal/store"
	id "idgraph/pkg/domain"
	"idgraph/pkg/requestcontext"
)

// VerificationGrant turns a completed verification into a level grant on the
// subject, marking the claim type the method vouches for as verified.
type VerificationGrant struct{}

func (VerificationGrant) React(_ context.Context, evt events.Event) ([]commands.Command, error) {
	granted, ok := evt.Payload.(events.VerificationLevelGranted)
	if !ok {
		return nil, nil
	}
	cmd := commands.GrantVerificationLevel{
		IdentityID: granted.Subject,
		Level:      granted.Level,
		WorkflowID: granted.WorkflowID,
	}
	if claim, ok := granted.Method.ClaimType(); ok {
		cmd.VerifiedClaim = claim
	}
	return []commands.Command{cmd}, nil
}

// Activation moves pending identities to active once they hold the
// activation level. It asks at most once per identity per tick.
type Activation struct {
	reader store.Reader
	level  identitymodels.VerificationLevel
	hopCap int

	mu     sync.Mutex
	tick   uint64
	queued map[id.IdentityID]struct{}
}

func NewActivation(reader store.Reader, level identitymodels.VerificationLevel, hopCap int) *Activation {
	return &Activation{reader: reader, level: level, hopCap: hopCap, queued: make(map[id.IdentityID]struct{})}
}

func (a *Activation) React(ctx context.Context, evt events.Event) ([]commands.Command, error) {
	var subject id.IdentityID
	switch p := evt.Payload.(type) {
	case events.IdentityCreated:
		subject = p.IdentityID
	case events.IdentityUpdated:
		subject = p.IdentityID
	default:
		return nil, nil
	}
	ident, err := aggregate.Resolve(a.reader, subject, a.hopCap)
	if err != nil {
		// The identity may have been merged or removed since; nothing to do.
		return nil, nil
	}
	if ident.Status != identitymodels.StatusPending || ident.VerificationLevel < a.level {
		return nil, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if tick := requestcontext.Tick(ctx); tick != a.tick {
		a.tick = tick
		clear(a.queued)
	}
	if _, done := a.queued[ident.ID]; done {
		return nil, nil
	}
	a.queued[ident.ID] = struct{}{}
	return []commands.Command{commands.ActivateIdentity{IdentityID: ident.ID}}, nil
}

// Revalidation re-checks the relationships of archived identities and of
// merge survivors, whose edge set just grew.
type Revalidation struct{}

func (Revalidation) React(_ context.Context, evt events.Event) ([]commands.Command, error) {
	var identityID id.IdentityID
	switch p := evt.Payload.(type) {
	case events.IdentityArchived:
		identityID = p.IdentityID
	case events.IdentityMerged:
		identityID = p.Survivor
	default:
		return nil, nil
	}
	return []commands.Command{commands.ValidateRelationships{IdentityID: &identityID}}, nil
}
