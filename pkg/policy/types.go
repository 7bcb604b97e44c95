// Package policy implements the synchronous rule-evaluation guard on phase
// transitions. Rules are data (CEL predicates), supplied by an external
// policy source; evaluation is deterministic and side-effect-free so a
// replayed transcript always reproduces the same violations.
package policy

import (
	"errors"
	"time"

	"github.com/concord-engine/concord/pkg/deliberation"
)

var (
	// ErrViolationNotFound is returned when resolving an unknown violation.
	ErrViolationNotFound = errors.New("policy: violation not found")

	// ErrNotResolvable is returned when resolving a violation whose action
	// does not pause anything.
	ErrNotResolvable = errors.New("policy: violation is not a hold")
)

// Severity classifies a rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityBlock    Severity = "block"
)

// Action is the governed outcome a matching rule produces.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionNotify   Action = "notify"
	ActionEscalate Action = "escalate"
	ActionHold     Action = "hold"
	ActionVeto     Action = "veto"
)

// precedence: higher wins when multiple rules match.
var precedence = map[Action]int{
	ActionAllow:    0,
	ActionNotify:   1,
	ActionEscalate: 2,
	ActionHold:     3,
	ActionVeto:     4,
}

// Stronger reports whether a outranks b.
func (a Action) Stronger(b Action) bool {
	return precedence[a] > precedence[b]
}

// DefaultAction maps a severity to its action when a rule does not name one.
func DefaultAction(s Severity) Action {
	switch s {
	case SeverityBlock:
		return ActionVeto
	case SeverityCritical:
		return ActionHold
	case SeverityWarning:
		return ActionEscalate
	default:
		return ActionNotify
	}
}

// Rule is one evaluable policy predicate. The Expr is a CEL expression over
// the deliberation snapshot; a true result is a match.
type Rule struct {
	ID           string   `json:"id" yaml:"id"`
	Category     string   `json:"category" yaml:"category"`
	Severity     Severity `json:"severity" yaml:"severity"`
	Action       Action   `json:"action,omitempty" yaml:"action,omitempty"`
	Expr         string   `json:"expr" yaml:"expr"`
	Message      string   `json:"message,omitempty" yaml:"message,omitempty"`
	Active       bool     `json:"active" yaml:"active"`
	TriggerCount uint64   `json:"trigger_count,omitempty" yaml:"-"`
}

// EffectiveAction returns the rule's action, defaulted from severity.
func (r Rule) EffectiveAction() Action {
	if r.Action != "" {
		return r.Action
	}
	return DefaultAction(r.Severity)
}

// Violation records a rule match. Every match is recorded regardless of
// whether it changed the transition outcome, to keep the audit trail
// complete.
type Violation struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id"`
	DeliberationID string    `json:"deliberation_id"`
	Entity         string    `json:"entity"` // transition that triggered the match
	Action         Action    `json:"action"`
	Reason         string    `json:"reason"`
	Resolved       bool      `json:"resolved"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

// Transition is a proposed phase move, evaluated before it happens.
type Transition struct {
	From deliberation.Phase `json:"from"`
	To   deliberation.Phase `json:"to"`
}

// Snapshot is the immutable view of deliberation state a rule evaluates
// against. The coordinator builds it from committed transcript entries
// only, so identical transcripts produce identical snapshots.
type Snapshot struct {
	Deliberation deliberation.Deliberation `json:"deliberation"`
	Statements   []deliberation.Statement  `json:"statements"`
	Votes        []deliberation.Vote       `json:"votes"`
}

// Decision is the gate's answer to a proposed transition.
type Decision struct {
	Outcome    Action      `json:"outcome"`
	Reason     string      `json:"reason,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// Allowed reports whether the transition may proceed. Escalate and notify
// do not block.
func (d Decision) Allowed() bool {
	return d.Outcome != ActionHold && d.Outcome != ActionVeto
}
