// Package coordinator drives the deliberation phase machine. One goroutine
// runs per active deliberation; distinct deliberations share nothing
// mutable beyond the bus and the policy gate, both safe for concurrent
// use.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concord-engine/concord/pkg/bus"
	"github.com/concord-engine/concord/pkg/deliberation"
	"github.com/concord-engine/concord/pkg/policy"
	"github.com/concord-engine/concord/pkg/seal"
)

var (
	// ErrTerminal is returned for operations on a finished deliberation.
	ErrTerminal = errors.New("coordinator: deliberation is terminal")

	// ErrWrongPhase is returned when an operation does not apply to the
	// current phase.
	ErrWrongPhase = errors.New("coordinator: operation not valid in current phase")

	// ErrVotesOutstanding is returned when advance is forced during voting
	// while required votes are still missing.
	ErrVotesOutstanding = errors.New("coordinator: votes outstanding")

	// ErrWindowClosed is returned when human input arrives after the
	// window closed.
	ErrWindowClosed = errors.New("coordinator: human input window is closed")

	// ErrNoCapability is returned at start when a roster agent has no
	// registered capability.
	ErrNoCapability = errors.New("coordinator: agent participant has no capability")

	// ErrUnknownParticipant is returned when a vote or human input names
	// someone who is not on the roster.
	ErrUnknownParticipant = errors.New("coordinator: unknown participant")
)

// maxStrikes is the consecutive-failure count after which a participant is
// marked unavailable for the remainder of the deliberation.
const maxStrikes = 3

// Options tunes per-deliberation behavior. Zero values fall back to the
// defaults below.
type Options struct {
	DebateFanout      int           // participants re-invoked in debate (first k), default 3
	FanoutLimit       int           // concurrent capability invocations per phase, default 4
	CapabilityTimeout time.Duration // per-invocation timeout, default 30s
	HumanWindow       time.Duration // debate human-input window, default 15s
	VoteTimeout       time.Duration // vote-collection timeout, default 60s
	SessionRetention  time.Duration // terminal sessions kept queryable this long, default 1h
}

func (o Options) withDefaults() Options {
	if o.DebateFanout <= 0 {
		o.DebateFanout = 3
	}
	if o.FanoutLimit <= 0 {
		o.FanoutLimit = 4
	}
	if o.CapabilityTimeout <= 0 {
		o.CapabilityTimeout = 30 * time.Second
	}
	if o.HumanWindow <= 0 {
		o.HumanWindow = 15 * time.Second
	}
	if o.VoteTimeout <= 0 {
		o.VoteTimeout = 60 * time.Second
	}
	if o.SessionRetention <= 0 {
		o.SessionRetention = time.Hour
	}
	return o
}

// Metrics receives deliberation lifecycle measurements.
// observability.Provider satisfies it.
type Metrics interface {
	RecordStart(ctx context.Context)
	RecordEnd(ctx context.Context, status string)
	RecordViolation(ctx context.Context, action string)
	RecordPhase(ctx context.Context, phase string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordStart(context.Context)                        {}
func (noopMetrics) RecordEnd(context.Context, string)                  {}
func (noopMetrics) RecordViolation(context.Context, string)            {}
func (noopMetrics) RecordPhase(context.Context, string, time.Duration) {}

// State is the externally visible snapshot of one deliberation.
type State struct {
	Deliberation deliberation.Deliberation `json:"deliberation"`
	Statements   []deliberation.Statement  `json:"statements"`
	Votes        []deliberation.Vote       `json:"votes"`
	Violations   []policy.Violation        `json:"violations"`
	Packet       *seal.DecisionPacket      `json:"packet,omitempty"`
	SealError    string                    `json:"seal_error,omitempty"`
}

// Coordinator owns all deliberation sessions.
type Coordinator struct {
	bus      bus.Bus
	gate     *policy.Gate
	pipeline *seal.Pipeline
	opts     Options
	clock    func() time.Time
	logger   *slog.Logger
	metrics  Metrics

	mu       sync.RWMutex
	sessions map[string]*session
}

// session is the isolated execution context of one deliberation. The
// transition lock serializes phase advancement; capability fan-out within
// a phase runs outside it.
type session struct {
	mu sync.Mutex // transition lock

	d            deliberation.Deliberation
	caps         map[string]Capability
	rules        []policy.Rule // immutable snapshot taken at start
	statements   []deliberation.Statement
	votes        map[string]deliberation.Vote
	voteOrder    []string
	strikes      map[string]int
	consensus    string
	packet       *seal.DecisionPacket
	sealErr      error
	skipToSynth  bool
	humanDone    bool
	cancelReason string
	phaseStart   time.Time

	// seenViolations guards against re-publishing a violation the gate
	// re-derived after a hold/resume re-evaluation.
	seenViolations map[string]bool

	cancelCh  chan struct{} // closed once on cancel
	advanceCh chan struct{} // buffered nudge from AdvancePhase / skip
	humanCh   chan deliberation.Statement
	resumeCh  chan struct{} // buffered nudge from ResolveViolation
	voteCh    chan struct{} // buffered nudge on each committed vote

	cancelOnce sync.Once
}

// New creates a coordinator.
func New(b bus.Bus, gate *policy.Gate, pipeline *seal.Pipeline, opts Options) *Coordinator {
	return &Coordinator{
		bus:      b,
		gate:     gate,
		pipeline: pipeline,
		opts:     opts.withDefaults(),
		clock:    time.Now,
		logger:   slog.Default().With("component", "coordinator"),
		metrics:  noopMetrics{},
		sessions: make(map[string]*session),
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// WithMetrics sets the lifecycle metrics sink.
func (c *Coordinator) WithMetrics(m Metrics) *Coordinator {
	if m != nil {
		c.metrics = m
	}
	return c
}

// Start creates a deliberation and launches its driver goroutine. The rule
// set is snapshotted from the policy source now; later source changes do
// not affect this run.
func (c *Coordinator) Start(
	ctx context.Context,
	question string,
	roster []deliberation.Participant,
	caps map[string]Capability,
	source policy.Source,
) (string, error) {
	if question == "" {
		return "", fmt.Errorf("coordinator: question must not be empty")
	}
	if len(roster) == 0 {
		return "", fmt.Errorf("coordinator: roster must not be empty")
	}
	for _, p := range roster {
		if p.Kind == deliberation.KindAgent && caps[p.ID] == nil {
			return "", fmt.Errorf("%w: %s", ErrNoCapability, p.ID)
		}
	}

	var rules []policy.Rule
	if source != nil {
		rules = source.ListActiveRules()
	}

	now := c.clock().UTC()
	s := &session{
		d: deliberation.Deliberation{
			ID:           uuid.NewString(),
			Question:     question,
			Participants: append([]deliberation.Participant{}, roster...),
			Phase:        deliberation.PhasePending,
			Status:       deliberation.StatusPending,
			CreatedAt:    now,
		},
		phaseStart:     now,
		caps:           caps,
		rules:          rules,
		votes:          make(map[string]deliberation.Vote),
		strikes:        make(map[string]int),
		seenViolations: make(map[string]bool),
		cancelCh:       make(chan struct{}),
		advanceCh:      make(chan struct{}, 1),
		humanCh:        make(chan deliberation.Statement),
		resumeCh:       make(chan struct{}, 1),
		voteCh:         make(chan struct{}, 1),
	}

	c.mu.Lock()
	c.sessions[s.d.ID] = s
	c.mu.Unlock()

	if _, err := c.bus.Append(ctx, s.d.ID, bus.Entry{
		Kind:   bus.EntryStatus,
		Status: &bus.StatusChange{Status: deliberation.StatusPending, Reason: "deliberation created"},
	}); err != nil {
		c.mu.Lock()
		delete(c.sessions, s.d.ID)
		c.mu.Unlock()
		return "", fmt.Errorf("coordinator: record creation: %w", err)
	}

	go c.run(s)

	c.metrics.RecordStart(ctx)
	c.logger.Info("deliberation started",
		"deliberation", s.d.ID, "participants", len(roster), "rules", len(rules))
	return s.d.ID, nil
}

func (c *Coordinator) session(id string) (*session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, deliberation.ErrNotFound
	}
	return s, nil
}

// GetState returns a copy of the deliberation's current state.
func (c *Coordinator) GetState(id string) (*State, error) {
	s, err := c.session(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &State{
		Deliberation: s.d,
		Statements:   append([]deliberation.Statement{}, s.statements...),
		Votes:        s.effectiveVotes(),
		Violations:   c.gate.Violations(id),
		Packet:       s.packet,
	}
	st.Deliberation.Participants = append([]deliberation.Participant{}, s.d.Participants...)
	if s.sealErr != nil {
		st.SealError = s.sealErr.Error()
	}
	return st, nil
}

// AdvancePhase nudges a deliberation that is waiting on an external actor:
// it closes the debate human-input window early and retries a failed
// sealing. Phases otherwise advance on their own; forcing an advance while
// votes are outstanding is rejected.
func (c *Coordinator) AdvancePhase(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	phase := s.d.Phase
	status := s.d.Status
	missing := s.missingVoters()
	s.mu.Unlock()

	if status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, status)
	}
	if phase == deliberation.PhaseVoting && len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrVotesOutstanding, missing)
	}

	select {
	case s.advanceCh <- struct{}{}:
	default: // a nudge is already pending
	}
	return nil
}

// SkipToSynthesis jumps from debate directly to consensus, closing the
// human-input window.
func (c *Coordinator) SkipToSynthesis(id string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.d.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, s.d.Status)
	}
	if s.d.Phase != deliberation.PhaseDebate {
		return fmt.Errorf("%w: skip requires debate, got %s", ErrWrongPhase, s.d.Phase)
	}
	s.skipToSynth = true

	select {
	case s.advanceCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel requests cooperative cancellation. The flag is checked at phase
// boundaries and before external calls; an in-flight external call is
// allowed to complete and its result discarded.
func (c *Coordinator) Cancel(id, reason string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.d.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminal, s.d.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	s.cancelReason = reason
	s.mu.Unlock()

	s.cancelOnce.Do(func() { close(s.cancelCh) })
	return nil
}

// SubmitHumanInput delivers one human statement into the debate window.
func (c *Coordinator) SubmitHumanInput(id, participantID, content string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	p, ok := s.d.Participant(participantID)
	phase := s.d.Phase
	done := s.humanDone
	s.mu.Unlock()

	if !ok || p.Kind != deliberation.KindHuman {
		return fmt.Errorf("%w: %s is not a human participant", ErrUnknownParticipant, participantID)
	}
	if phase != deliberation.PhaseDebate || done {
		return ErrWindowClosed
	}

	stmt := deliberation.Statement{
		ParticipantID: participantID,
		Phase:         deliberation.PhaseDebate,
		Kind:          deliberation.StatementHuman,
		Content:       content,
		Timestamp:     c.clock().UTC(),
	}

	select {
	case s.humanCh <- stmt:
		return nil
	case <-s.cancelCh:
		return fmt.Errorf("%w: cancelled", ErrTerminal)
	case <-time.After(100 * time.Millisecond):
		// Window consumer is gone; it closed between our check and the send.
		return ErrWindowClosed
	}
}

// SubmitVote accepts a vote from a human participant during voting. A
// repeat vote overwrites the effective choice; the change event stays in
// the transcript.
func (c *Coordinator) SubmitVote(id string, vote deliberation.Vote) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, ok := s.d.Participant(vote.ParticipantID)
	phase := s.d.Phase
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, vote.ParticipantID)
	}
	if phase != deliberation.PhaseVoting {
		return fmt.Errorf("%w: voting, got %s", ErrWrongPhase, phase)
	}

	return c.commitVote(context.Background(), s, vote)
}

// ResolveViolation clears a hold and wakes the session so it can re-check
// the gate and resume its paused phase.
func (c *Coordinator) ResolveViolation(id, violationID, resolvedBy string) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}

	if _, err := c.gate.Resolve(violationID, resolvedBy); err != nil {
		return err
	}

	c.logger.Info("violation resolved",
		"deliberation", id, "violation", violationID, "resolved_by", resolvedBy)

	select {
	case s.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// scheduleEviction drops a terminal session from the index after the
// retention window. The transcript stays on the bus and the packet in the
// archive; only the in-memory mirror goes.
func (c *Coordinator) scheduleEviction(id string) {
	time.AfterFunc(c.opts.SessionRetention, func() {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
		c.logger.Debug("session evicted", "deliberation", id)
	})
}

// effectiveVotes returns the current vote set in first-vote order. Caller
// holds s.mu.
func (s *session) effectiveVotes() []deliberation.Vote {
	out := make([]deliberation.Vote, 0, len(s.voteOrder))
	for _, pid := range s.voteOrder {
		out = append(out, s.votes[pid])
	}
	return out
}

// missingVoters lists available participants who have not voted. Caller
// holds s.mu.
func (s *session) missingVoters() []string {
	var missing []string
	for _, p := range s.d.Participants {
		if p.Unavailable {
			continue
		}
		if _, ok := s.votes[p.ID]; !ok {
			missing = append(missing, p.ID)
		}
	}
	return missing
}

func (s *session) isCancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}
