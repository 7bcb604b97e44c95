package coordinator

import (
	"context"

	"github.com/concord-engine/concord/pkg/deliberation"
)

// CapabilityContext is what a participant capability sees when asked to
// produce a statement or a vote.
type CapabilityContext struct {
	Question   string
	Role       string
	Phase      deliberation.Phase
	Transcript []deliberation.Statement
}

// Production is a capability's statement output.
type Production struct {
	Content    string
	Confidence float64
}

// Ballot is a capability's vote output.
type Ballot struct {
	Choice     deliberation.VoteChoice
	Confidence float64
	Rationale  string
}

// Capability is the opaque participant collaborator: model inference, a
// rule engine, or a human UI. The coordinator treats it as an invokable
// function with a timeout and never looks inside.
type Capability interface {
	Produce(ctx context.Context, cc CapabilityContext) (Production, error)
	Vote(ctx context.Context, cc CapabilityContext) (Ballot, error)
}
