package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/concord-engine/concord/pkg/bus"
	"github.com/concord-engine/concord/pkg/deliberation"
	"github.com/concord-engine/concord/pkg/policy"
)

// run is the per-deliberation driver goroutine. Phase advancement is
// strictly serial; only capability fan-out within a phase is concurrent.
func (c *Coordinator) run(s *session) {
	ctx := context.Background()

	if !c.transition(ctx, s, deliberation.PhaseAnalysis) {
		return
	}
	c.runAnalysis(ctx, s)

	if !c.transition(ctx, s, deliberation.PhaseDebate) {
		return
	}
	c.runDebate(ctx, s)

	if !c.transition(ctx, s, deliberation.PhaseConsensus) {
		return
	}
	c.runConsensus(ctx, s)

	if !c.transition(ctx, s, deliberation.PhaseVoting) {
		return
	}
	c.runVoting(ctx, s)

	if !c.transition(ctx, s, deliberation.PhaseSigning) {
		return
	}
	c.runSigning(ctx, s)
}

// transition consults the policy gate and, if allowed, moves the
// deliberation to the target phase. A hold parks the session until every
// hold violation is resolved, then re-evaluates and resumes from exactly
// where it paused. A veto is terminal. Returns false when the run loop
// must stop.
func (c *Coordinator) transition(ctx context.Context, s *session, to deliberation.Phase) bool {
	for {
		if s.isCancelled() {
			c.finalize(ctx, s, deliberation.StatusCancelled, s.cancelReason)
			return false
		}

		s.mu.Lock()
		snap := policy.Snapshot{
			Deliberation: s.d,
			Statements:   append([]deliberation.Statement{}, s.statements...),
			Votes:        s.effectiveVotes(),
		}
		t := policy.Transition{From: s.d.Phase, To: to}
		s.mu.Unlock()

		decision, err := c.gate.Evaluate(ctx, s.rules, snap, t)
		if err != nil {
			c.logger.Error("gate evaluation failed", "deliberation", s.d.ID, "error", err)
			c.finalize(ctx, s, deliberation.StatusCancelled, fmt.Sprintf("policy gate failure: %v", err))
			return false
		}

		c.publishViolations(ctx, s, decision.Violations)

		// Violation IDs are deterministic, so a re-evaluation after an
		// operator resolve re-derives the already-resolved record; only an
		// unresolved hold actually parks the deliberation.
		switch {
		case decision.Outcome == policy.ActionVeto:
			c.finalize(ctx, s, deliberation.StatusVetoed, decision.Reason)
			return false

		case decision.Outcome == policy.ActionHold && !c.gate.HoldsClear(s.d.ID):
			c.hold(ctx, s, decision.Reason)
			if s.isCancelled() {
				c.finalize(ctx, s, deliberation.StatusCancelled, s.cancelReason)
				return false
			}
			continue // re-evaluate with holds cleared

		default:
			if decision.Outcome == policy.ActionEscalate {
				c.logger.Warn("transition escalated",
					"deliberation", s.d.ID, "transition", fmt.Sprintf("%s->%s", t.From, t.To),
					"reason", decision.Reason)
			}

			now := c.clock()
			s.mu.Lock()
			from := s.d.Phase
			started := s.phaseStart
			s.d.Phase = to
			s.d.Status = deliberation.StatusActive
			s.phaseStart = now
			s.mu.Unlock()

			c.metrics.RecordPhase(ctx, string(from), now.Sub(started))
			c.append(ctx, s, bus.Entry{
				Kind:  bus.EntryPhase,
				Phase: &bus.PhaseChange{From: from, To: to},
			})
			return true
		}
	}
}

// hold parks the deliberation until the operator clears every hold
// violation, or the deliberation is cancelled.
func (c *Coordinator) hold(ctx context.Context, s *session, reason string) {
	s.mu.Lock()
	s.d.Status = deliberation.StatusHeld
	s.mu.Unlock()

	c.append(ctx, s, bus.Entry{
		Kind:   bus.EntryStatus,
		Status: &bus.StatusChange{Status: deliberation.StatusHeld, Reason: reason},
	})
	c.logger.Warn("deliberation held", "deliberation", s.d.ID, "reason", reason)

	for {
		select {
		case <-s.resumeCh:
			if c.gate.HoldsClear(s.d.ID) {
				c.append(ctx, s, bus.Entry{
					Kind:   bus.EntryStatus,
					Status: &bus.StatusChange{Status: deliberation.StatusActive, Reason: "holds cleared"},
				})
				return
			}
		case <-s.cancelCh:
			return
		}
	}
}

// publishViolations mirrors newly recorded violations into the transcript
// so subscribers see governed outcomes as first-class events.
func (c *Coordinator) publishViolations(ctx context.Context, s *session, violations []policy.Violation) {
	for _, v := range violations {
		s.mu.Lock()
		seen := s.seenViolations[v.ID]
		s.seenViolations[v.ID] = true
		s.mu.Unlock()
		if seen {
			continue
		}
		c.metrics.RecordViolation(ctx, string(v.Action))
		c.append(ctx, s, bus.Entry{
			Kind: bus.EntryViolation,
			Violation: &bus.ViolationEvent{
				ViolationID: v.ID,
				RuleID:      v.RuleID,
				Action:      string(v.Action),
				Reason:      v.Reason,
			},
		})
	}
}

// append commits an entry and keeps the session's transcript mirror and
// sequence counter in step. The session lock is held across the bus append
// so the mirror stays in sequence order even under fan-out.
func (c *Coordinator) append(ctx context.Context, s *session, e bus.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := c.bus.Append(ctx, s.d.ID, e)
	if err != nil {
		// A sequence violation here means the ordering guarantee broke;
		// that must surface, not vanish.
		c.logger.Error("bus append failed", "deliberation", s.d.ID, "kind", e.Kind, "error", err)
		return
	}
	s.d.Sequence = seq
	if e.Kind == bus.EntryStatement && e.Statement != nil {
		stmt := *e.Statement
		stmt.Sequence = seq
		s.statements = append(s.statements, stmt)
	}
}

// commitStatement writes one statement through the single append path.
func (c *Coordinator) commitStatement(ctx context.Context, s *session, stmt deliberation.Statement) {
	c.append(ctx, s, bus.Entry{Kind: bus.EntryStatement, Statement: &stmt})
}

// commitVote records a vote event and updates the effective vote set.
func (c *Coordinator) commitVote(ctx context.Context, s *session, vote deliberation.Vote) error {
	if vote.CastAt.IsZero() {
		vote.CastAt = c.clock().UTC()
	}

	s.mu.Lock()
	seq, err := c.bus.Append(ctx, s.d.ID, bus.Entry{Kind: bus.EntryVote, Vote: &vote})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("coordinator: record vote: %w", err)
	}
	s.d.Sequence = seq
	if _, voted := s.votes[vote.ParticipantID]; !voted {
		s.voteOrder = append(s.voteOrder, vote.ParticipantID)
	}
	s.votes[vote.ParticipantID] = vote
	s.mu.Unlock()

	select {
	case s.voteCh <- struct{}{}:
	default:
	}
	return nil
}

// invokeProduce calls one participant capability with a timeout and commits
// the result. Errors become error-kind statements and count toward the
// three-strikes unavailability mark; they never abort the phase.
func (c *Coordinator) invokeProduce(ctx context.Context, s *session, p deliberation.Participant, phase deliberation.Phase) {
	capability := s.caps[p.ID]
	if capability == nil {
		return
	}
	if s.isCancelled() {
		return
	}

	s.mu.Lock()
	cc := CapabilityContext{
		Question:   s.d.Question,
		Role:       p.Role,
		Phase:      phase,
		Transcript: append([]deliberation.Statement{}, s.statements...),
	}
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CapabilityTimeout)
	defer cancel()

	production, err := capability.Produce(callCtx, cc)
	if err != nil {
		c.recordStrike(s, p.ID)
		c.commitStatement(ctx, s, deliberation.Statement{
			ParticipantID: p.ID,
			Phase:         phase,
			Kind:          deliberation.StatementError,
			Content:       fmt.Sprintf("capability error: %v", err),
			Timestamp:     c.clock().UTC(),
		})
		return
	}

	c.clearStrikes(s, p.ID)
	c.commitStatement(ctx, s, deliberation.Statement{
		ParticipantID: p.ID,
		Phase:         phase,
		Kind:          deliberation.StatementNormal,
		Content:       production.Content,
		Confidence:    production.Confidence,
		Timestamp:     c.clock().UTC(),
	})
}

func (c *Coordinator) recordStrike(s *session, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strikes[participantID]++
	if s.strikes[participantID] < maxStrikes {
		return
	}
	for i := range s.d.Participants {
		if s.d.Participants[i].ID == participantID && !s.d.Participants[i].Unavailable {
			s.d.Participants[i].Unavailable = true
			c.logger.Warn("participant marked unavailable",
				"deliberation", s.d.ID, "participant", participantID)
		}
	}
}

func (c *Coordinator) clearStrikes(s *session, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strikes[participantID] = 0
	for i := range s.d.Participants {
		if s.d.Participants[i].ID == participantID {
			s.d.Participants[i].LastSeen = c.clock().UTC()
		}
	}
}

// fanout invokes capabilities for the given participants concurrently, up
// to the fan-out limit. Statements land in commit order, not invocation
// order; that interleaving is documented non-determinism.
func (c *Coordinator) fanout(ctx context.Context, s *session, participants []deliberation.Participant, phase deliberation.Phase, invoke func(context.Context, *session, deliberation.Participant, deliberation.Phase)) {
	sem := make(chan struct{}, c.opts.FanoutLimit)
	done := make(chan struct{})
	active := 0

	for _, p := range participants {
		if s.caps[p.ID] == nil {
			continue
		}
		s.mu.Lock()
		unavailable := false
		if rp, ok := s.d.Participant(p.ID); ok {
			unavailable = rp.Unavailable
		}
		s.mu.Unlock()
		if unavailable {
			continue
		}

		active++
		go func(p deliberation.Participant) {
			sem <- struct{}{}
			defer func() { <-sem; done <- struct{}{} }()
			invoke(ctx, s, p, phase)
		}(p)
	}

	for i := 0; i < active; i++ {
		<-done
	}
}

// runAnalysis invokes every participant capability once, in roster order of
// launch; commits may interleave.
func (c *Coordinator) runAnalysis(ctx context.Context, s *session) {
	c.fanout(ctx, s, s.d.Participants, deliberation.PhaseAnalysis, c.invokeProduce)
}

// runDebate re-invokes the first k participants with the accumulated
// transcript, then opens the human-input window.
func (c *Coordinator) runDebate(ctx context.Context, s *session) {
	s.mu.Lock()
	skip := s.skipToSynth
	s.mu.Unlock()
	if skip || s.isCancelled() {
		return
	}

	debaters := s.d.Participants
	if len(debaters) > c.opts.DebateFanout {
		debaters = debaters[:c.opts.DebateFanout]
	}
	c.fanout(ctx, s, debaters, deliberation.PhaseDebate, c.invokeProduce)

	c.humanWindow(ctx, s)
}

// humanWindow gives a human participant one bounded-duration opportunity to
// submit a statement. It closes on first submission, on timeout, or on an
// explicit skip/advance, whichever is first.
func (c *Coordinator) humanWindow(ctx context.Context, s *session) {
	s.mu.Lock()
	skip := s.skipToSynth
	humans := 0
	for _, p := range s.d.Participants {
		if p.Kind == deliberation.KindHuman && !p.Unavailable {
			humans++
		}
	}
	s.mu.Unlock()

	if skip || humans == 0 || s.isCancelled() {
		return
	}

	timer := time.NewTimer(c.opts.HumanWindow)
	defer timer.Stop()
	defer func() {
		s.mu.Lock()
		s.humanDone = true
		s.mu.Unlock()
	}()

	select {
	case stmt := <-s.humanCh:
		c.commitStatement(ctx, s, stmt)
	case <-timer.C:
		c.logger.Info("human-input window timed out", "deliberation", s.d.ID)
	case <-s.advanceCh:
	case <-s.cancelCh:
	}
}

// runConsensus appends the synthetic consensus narrative; the phase is
// otherwise purely a transition.
func (c *Coordinator) runConsensus(ctx context.Context, s *session) {
	s.mu.Lock()
	byParticipant := make(map[string]int)
	for _, stmt := range s.statements {
		if stmt.Kind != deliberation.StatementError {
			byParticipant[stmt.ParticipantID]++
		}
	}
	total := 0
	for _, n := range byParticipant {
		total += n
	}
	s.mu.Unlock()

	c.commitStatement(ctx, s, deliberation.Statement{
		ParticipantID: "coordinator",
		Phase:         deliberation.PhaseConsensus,
		Kind:          deliberation.StatementConsensus,
		Content: fmt.Sprintf("synthesis: %d statements from %d participants under review",
			total, len(byParticipant)),
		Timestamp: c.clock().UTC(),
	})
}

// runVoting collects exactly one vote per available participant: agents via
// their capability, humans via SubmitVote. Missing votes become abstain at
// the vote timeout.
func (c *Coordinator) runVoting(ctx context.Context, s *session) {
	agents := make([]deliberation.Participant, 0, len(s.d.Participants))
	for _, p := range s.d.Participants {
		if p.Kind == deliberation.KindAgent {
			agents = append(agents, p)
		}
	}
	c.fanout(ctx, s, agents, deliberation.PhaseVoting, c.invokeVote)

	deadline := time.NewTimer(c.opts.VoteTimeout)
	defer deadline.Stop()

collect:
	for {
		s.mu.Lock()
		missing := s.missingVoters()
		s.mu.Unlock()
		if len(missing) == 0 {
			break
		}

		select {
		case <-s.voteCh:
		case <-deadline.C:
			break collect
		case <-s.cancelCh:
			return
		}
	}

	// Default abstain for anyone still missing: timed-out humans and
	// unavailable participants alike.
	s.mu.Lock()
	var absent []string
	for _, p := range s.d.Participants {
		if _, ok := s.votes[p.ID]; !ok {
			absent = append(absent, p.ID)
		}
	}
	s.mu.Unlock()

	for _, pid := range absent {
		_ = c.commitVote(ctx, s, deliberation.Vote{
			ParticipantID: pid,
			Choice:        deliberation.VoteAbstain,
			Rationale:     "no vote received before timeout",
		})
	}

	s.mu.Lock()
	s.consensus = summarizeVotes(s.effectiveVotes())
	s.mu.Unlock()
}

// invokeVote asks one agent capability for its ballot.
func (c *Coordinator) invokeVote(ctx context.Context, s *session, p deliberation.Participant, phase deliberation.Phase) {
	capability := s.caps[p.ID]
	if capability == nil || s.isCancelled() {
		return
	}

	s.mu.Lock()
	cc := CapabilityContext{
		Question:   s.d.Question,
		Role:       p.Role,
		Phase:      phase,
		Transcript: append([]deliberation.Statement{}, s.statements...),
	}
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CapabilityTimeout)
	defer cancel()

	ballot, err := capability.Vote(callCtx, cc)
	if err != nil {
		c.recordStrike(s, p.ID)
		c.commitStatement(ctx, s, deliberation.Statement{
			ParticipantID: p.ID,
			Phase:         phase,
			Kind:          deliberation.StatementError,
			Content:       fmt.Sprintf("capability error: %v", err),
			Timestamp:     c.clock().UTC(),
		})
		return
	}

	c.clearStrikes(s, p.ID)
	_ = c.commitVote(ctx, s, deliberation.Vote{
		ParticipantID: p.ID,
		Choice:        ballot.Choice,
		Confidence:    ballot.Confidence,
		Rationale:     ballot.Rationale,
	})
}

func summarizeVotes(votes []deliberation.Vote) string {
	var approve, reject, abstain int
	for _, v := range votes {
		switch v.Choice {
		case deliberation.VoteApprove:
			approve++
		case deliberation.VoteReject:
			reject++
		default:
			abstain++
		}
	}
	verdict := "no consensus"
	switch {
	case approve > reject:
		verdict = "approved"
	case reject > approve:
		verdict = "rejected"
	}
	return fmt.Sprintf("%s (%d approve, %d reject, %d abstain)", verdict, approve, reject, abstain)
}

// runSigning drives the sealing pipeline. A sealing failure leaves the
// deliberation in signing as a durable retry-required state; AdvancePhase
// retries, Cancel abandons.
func (c *Coordinator) runSigning(ctx context.Context, s *session) {
	for {
		if s.isCancelled() {
			c.finalize(ctx, s, deliberation.StatusCancelled, s.cancelReason)
			return
		}

		s.mu.Lock()
		d := s.d
		d.Participants = append([]deliberation.Participant{}, s.d.Participants...)
		statements := append([]deliberation.Statement{}, s.statements...)
		votes := s.effectiveVotes()
		consensus := s.consensus
		s.mu.Unlock()

		packet, err := c.pipeline.Seal(ctx, &d, statements, votes, consensus)
		if err == nil {
			// The gate already cleared entry into signing; the packet is
			// archived, so completion is unconditional from here. Packet,
			// phase, and status flip under one lock so no observer ever
			// sees a packet on a non-completed deliberation.
			now := c.clock()
			s.mu.Lock()
			started := s.phaseStart
			s.packet = packet
			s.sealErr = nil
			s.d.Phase = deliberation.PhaseCompleted
			s.d.Status = deliberation.StatusCompleted
			s.d.Reason = consensus
			s.d.CompletedAt = now.UTC()
			s.mu.Unlock()

			c.metrics.RecordPhase(ctx, string(deliberation.PhaseSigning), now.Sub(started))
			c.metrics.RecordEnd(ctx, string(deliberation.StatusCompleted))

			c.append(ctx, s, bus.Entry{
				Kind:  bus.EntryPhase,
				Phase: &bus.PhaseChange{From: deliberation.PhaseSigning, To: deliberation.PhaseCompleted},
			})
			c.append(ctx, s, bus.Entry{
				Kind:   bus.EntryStatus,
				Status: &bus.StatusChange{Status: deliberation.StatusCompleted, Reason: consensus},
			})
			c.logger.Info("deliberation finished",
				"deliberation", s.d.ID, "status", deliberation.StatusCompleted, "reason", consensus)
			c.scheduleEviction(s.d.ID)
			return
		}

		s.mu.Lock()
		s.sealErr = err
		s.mu.Unlock()

		c.append(ctx, s, bus.Entry{
			Kind:   bus.EntrySealFailed,
			Detail: err.Error(),
		})
		c.logger.Error("sealing failed, retry required", "deliberation", s.d.ID, "error", err)

		select {
		case <-s.advanceCh:
		case <-s.cancelCh:
		}
	}
}

// finalize moves the deliberation into a terminal status and reports it
// with a human-readable reason and the full violation list.
func (c *Coordinator) finalize(ctx context.Context, s *session, status deliberation.Status, reason string) {
	s.mu.Lock()
	if s.d.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.d.Status = status
	s.d.Reason = reason
	s.d.CompletedAt = c.clock().UTC()
	if status == deliberation.StatusCompleted {
		s.d.Phase = deliberation.PhaseCompleted
	}
	s.mu.Unlock()

	c.append(ctx, s, bus.Entry{
		Kind:   bus.EntryStatus,
		Status: &bus.StatusChange{Status: status, Reason: reason},
	})
	c.metrics.RecordEnd(ctx, string(status))
	c.logger.Info("deliberation finished",
		"deliberation", s.d.ID, "status", status, "reason", reason,
		"violations", len(c.gate.Violations(s.d.ID)))
	c.scheduleEviction(s.d.ID)
}
