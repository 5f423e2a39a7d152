package commands

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	wfmodels "idgraph/internal/workflow/models"
	id "idgraph/pkg/domain"
	dErrors "idgraph/pkg/domain-errors"
)

// KindVerificationRequested is the event an authentication front end
// publishes when it needs an identity verified. It arrives on the command
// topic and decodes into a StartVerification.
const KindVerificationRequested Kind = "identity.verification_requested"

type verificationRequested struct {
	RequestID string          `json:"request_id"`
	Identity  id.IdentityID   `json:"identity"`
	Method    wfmodels.Method `json:"method"`
	Timeout   time.Duration   `json:"timeout,omitempty"`
}

// Envelope is the wire shape of an inbound command.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

var decoders = map[Kind]func(json.RawMessage) (Command, error){
	KindCreateIdentity:         decodeAs[CreateIdentity],
	KindUpdateIdentity:         decodeAs[UpdateIdentity],
	KindMergeIdentities:        decodeAs[MergeIdentities],
	KindActivateIdentity:       decodeAs[ActivateIdentity],
	KindSuspendIdentity:        decodeAs[SuspendIdentity],
	KindDeactivateIdentity:     decodeAs[DeactivateIdentity],
	KindArchiveIdentity:        decodeAs[ArchiveIdentity],
	KindGrantVerificationLevel: decodeAs[GrantVerificationLevel],
	KindEstablishRelationship:  decodeAs[EstablishRelationship],
	KindValidateRelationships:  decodeAs[ValidateRelationships],
	KindStartWorkflow:          decodeAs[StartWorkflow],
	KindStartVerification:      decodeAs[StartVerification],
	KindAdvanceWorkflowStep:    decodeAs[AdvanceWorkflowStep],
	KindVerificationRequested:  decodeVerificationRequested,
}

func decodeAs[T Command](raw json.RawMessage) (Command, error) {
	var cmd T
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// decodeVerificationRequested keeps the request id as the evidence reference
// so the resulting workflow can be traced back to the request.
func decodeVerificationRequested(raw json.RawMessage) (Command, error) {
	var req verificationRequested
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" {
		return nil, errors.New("request_id is required")
	}
	return StartVerification{
		Identity:    req.Identity,
		Method:      req.Method,
		EvidenceRef: "request:" + req.RequestID,
		Timeout:     req.Timeout,
	}, nil
}

// Encode wraps cmd in an Envelope.
func Encode(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "failed to encode command")
	}
	return json.Marshal(Envelope{Kind: cmd.Kind(), Payload: payload})
}

// Decode parses an Envelope. Malformed input and unknown kinds are
// CodeInvalidInput.
func Decode(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed command envelope")
	}
	decode, ok := decoders[env.Kind]
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown command kind %q", env.Kind)
	}
	if len(env.Payload) == 0 {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s command has no payload", env.Kind)
	}
	cmd, err := decode(env.Payload)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "malformed "+string(env.Kind)+" payload")
	}
	return cmd, nil
}
