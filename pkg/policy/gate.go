package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// violationNamespace seeds deterministic violation IDs: re-evaluating the
// same snapshot against the same rules reproduces byte-identical violations.
var violationNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("concord:policy:violation:v1"))

// Gate evaluates the active rule set against a deliberation snapshot at
// every transition attempt. It is safe for concurrent use across
// deliberations.
type Gate struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program

	vmu        sync.RWMutex
	violations map[string]*Violation
	byDelib    map[string][]string
	triggers   map[string]uint64

	clock  func() time.Time
	logger *slog.Logger
}

// NewGate creates a gate with the standard evaluation environment.
func NewGate() (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("deliberation", cel.DynType),
		cel.Variable("statements", cel.DynType),
		cel.Variable("votes", cel.DynType),
		cel.Variable("transition", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}

	return &Gate{
		env:        env,
		prgCache:   make(map[string]cel.Program),
		violations: make(map[string]*Violation),
		byDelib:    make(map[string][]string),
		triggers:   make(map[string]uint64),
		clock:      time.Now,
		logger:     slog.Default().With("component", "policy-gate"),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Compile checks that a rule expression is valid without evaluating it.
// Used by the loader to reject broken bundles early.
func (g *Gate) Compile(expr string) error {
	_, err := g.program(expr)
	return err
}

// Evaluate runs every active rule against the snapshot and returns the
// decision for the proposed transition. All matches are recorded as
// violations; precedence veto > hold > escalate > notify decides the
// outcome. Evaluation never mutates the snapshot.
func (g *Gate) Evaluate(ctx context.Context, rules []Rule, snap Snapshot, transition Transition) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	input := snapshotInput(snap, transition)
	entity := fmt.Sprintf("%s->%s", transition.From, transition.To)

	// Rule order must not affect the violation set; sort by ID so the
	// recorded order is reproducible too.
	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			ordered = append(ordered, r)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	decision := Decision{Outcome: ActionAllow}
	for _, rule := range ordered {
		matched, err := g.evaluateExpr(rule.Expr, input)
		if err != nil {
			// A broken predicate must not silently allow: treat as hold.
			g.logger.Error("rule evaluation failed",
				"rule", rule.ID, "deliberation", snap.Deliberation.ID, "error", err)
			matched = true
			rule.Action = ActionHold
			rule.Message = fmt.Sprintf("rule %s failed to evaluate: %v", rule.ID, err)
		}
		if !matched {
			continue
		}

		action := rule.EffectiveAction()
		reason := rule.Message
		if reason == "" {
			reason = fmt.Sprintf("rule %s (%s/%s) matched on %s", rule.ID, rule.Category, rule.Severity, entity)
		}

		v := Violation{
			ID: uuid.NewSHA1(violationNamespace, []byte(
				snap.Deliberation.ID+"|"+rule.ID+"|"+entity+"|"+fmt.Sprint(len(snap.Statements)),
			)).String(),
			RuleID:         rule.ID,
			DeliberationID: snap.Deliberation.ID,
			Entity:         entity,
			Action:         action,
			Reason:         reason,
			CreatedAt:      g.clock(),
		}
		decision.Violations = append(decision.Violations, v)

		if action.Stronger(decision.Outcome) {
			decision.Outcome = action
			decision.Reason = reason
		}
	}

	g.record(snap.Deliberation.ID, decision.Violations)
	return decision, nil
}

func (g *Gate) record(deliberationID string, violations []Violation) {
	if len(violations) == 0 {
		return
	}
	g.vmu.Lock()
	defer g.vmu.Unlock()
	for i := range violations {
		v := violations[i]
		if _, seen := g.violations[v.ID]; seen {
			continue // re-evaluation of the same snapshot
		}
		g.violations[v.ID] = &v
		g.byDelib[deliberationID] = append(g.byDelib[deliberationID], v.ID)
		g.triggers[v.RuleID]++
	}
}

// TriggerCount returns how many distinct violations a rule has produced.
// Re-evaluations of the same snapshot do not inflate the count.
func (g *Gate) TriggerCount(ruleID string) uint64 {
	g.vmu.RLock()
	defer g.vmu.RUnlock()
	return g.triggers[ruleID]
}

// Resolve clears a hold violation. Escalate/notify violations carry no
// pause to clear; veto is terminal and cannot be resolved.
func (g *Gate) Resolve(violationID, resolvedBy string) (*Violation, error) {
	g.vmu.Lock()
	defer g.vmu.Unlock()

	v, ok := g.violations[violationID]
	if !ok {
		return nil, ErrViolationNotFound
	}
	if v.Action != ActionHold {
		return nil, fmt.Errorf("%w: %s has action %s", ErrNotResolvable, violationID, v.Action)
	}
	if !v.Resolved {
		v.Resolved = true
		v.ResolvedBy = resolvedBy
		v.ResolvedAt = g.clock()
	}
	out := *v
	return &out, nil
}

// Violations returns all recorded violations for a deliberation, in record
// order.
func (g *Gate) Violations(deliberationID string) []Violation {
	g.vmu.RLock()
	defer g.vmu.RUnlock()
	ids := g.byDelib[deliberationID]
	out := make([]Violation, 0, len(ids))
	for _, id := range ids {
		out = append(out, *g.violations[id])
	}
	return out
}

// HoldsClear reports whether every hold violation for the deliberation has
// been resolved.
func (g *Gate) HoldsClear(deliberationID string) bool {
	g.vmu.RLock()
	defer g.vmu.RUnlock()
	for _, id := range g.byDelib[deliberationID] {
		v := g.violations[id]
		if v.Action == ActionHold && !v.Resolved {
			return false
		}
	}
	return true
}

func (g *Gate) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()
	if hit {
		return prg, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, hit = g.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000), // hard limit on predicate complexity
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.prgCache[expr] = p
	return p, nil
}

func (g *Gate) evaluateExpr(expr string, input map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// snapshotInput flattens the snapshot into CEL activation values. No wall
// clock goes in: the input is a pure function of committed state, which is
// what makes re-evaluation reproducible.
func snapshotInput(snap Snapshot, transition Transition) map[string]any {
	stmts := make([]any, len(snap.Statements))
	for i, s := range snap.Statements {
		stmts[i] = map[string]any{
			"sequence":       s.Sequence,
			"participant_id": s.ParticipantID,
			"phase":          string(s.Phase),
			"kind":           string(s.Kind),
			"content":        s.Content,
			"confidence":     s.Confidence,
		}
	}

	votes := make([]any, len(snap.Votes))
	for i, v := range snap.Votes {
		votes[i] = map[string]any{
			"participant_id": v.ParticipantID,
			"choice":         string(v.Choice),
			"confidence":     v.Confidence,
			"rationale":      v.Rationale,
		}
	}

	participants := make([]any, len(snap.Deliberation.Participants))
	unavailable := 0
	for i, p := range snap.Deliberation.Participants {
		participants[i] = map[string]any{
			"id":          p.ID,
			"kind":        string(p.Kind),
			"role":        p.Role,
			"unavailable": p.Unavailable,
		}
		if p.Unavailable {
			unavailable++
		}
	}

	return map[string]any{
		"deliberation": map[string]any{
			"id":           snap.Deliberation.ID,
			"question":     snap.Deliberation.Question,
			"phase":        string(snap.Deliberation.Phase),
			"status":       string(snap.Deliberation.Status),
			"participants": participants,
			"unavailable":  unavailable,
		},
		"statements": stmts,
		"votes":      votes,
		"transition": map[string]any{
			"from": string(transition.From),
			"to":   string(transition.To),
		},
	}
}
