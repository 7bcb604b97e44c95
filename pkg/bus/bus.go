// Package bus provides the append-only, per-deliberation sequenced
// transcript log and its fan-out to subscribers.
//
// Contract:
//   - Append is the single path by which history is written. It assigns the
//     next sequence number atomically per deliberation; sequences are
//     strictly increasing and gapless.
//   - Subscribe(fromSequence) delivers every entry from fromSequence onward,
//     then continues live. Resume is by sequence, never by time.
//   - Delivery to a live subscriber is at-least-once; consumers must be
//     idempotent on sequence number.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/concord-engine/concord/pkg/deliberation"
)

var (
	// ErrSequenceViolation indicates an append carrying a stale or
	// non-contiguous sequence. This is a programming error, never ignored.
	ErrSequenceViolation = errors.New("bus: sequence violation")

	// ErrUnknownDeliberation is returned by Replay and Subscribe for a
	// deliberation with no transcript.
	ErrUnknownDeliberation = errors.New("bus: unknown deliberation")

	// ErrClosed is returned when appending to a closed transcript.
	ErrClosed = errors.New("bus: transcript closed")
)

// EntryKind identifies the payload carried by a transcript entry.
type EntryKind string

const (
	EntryStatement  EntryKind = "statement"
	EntryVote       EntryKind = "vote"
	EntryPhase      EntryKind = "phase"
	EntryStatus     EntryKind = "status"
	EntryViolation  EntryKind = "violation"
	EntrySealFailed EntryKind = "seal_failed"
)

// PhaseChange records a phase transition.
type PhaseChange struct {
	From deliberation.Phase `json:"from"`
	To   deliberation.Phase `json:"to"`
}

// StatusChange records a lifecycle change with a human-readable reason.
type StatusChange struct {
	Status deliberation.Status `json:"status"`
	Reason string              `json:"reason,omitempty"`
}

// ViolationEvent mirrors a policy violation into the transcript so that
// subscribers see governed outcomes as first-class events.
type ViolationEvent struct {
	ViolationID string `json:"violation_id"`
	RuleID      string `json:"rule_id"`
	Action      string `json:"action"`
	Reason      string `json:"reason"`
}

// Entry is one immutable transcript record. Exactly one payload field is
// set, matching Kind.
type Entry struct {
	Sequence       uint64                  `json:"sequence"`
	DeliberationID string                  `json:"deliberation_id"`
	Kind           EntryKind               `json:"kind"`
	Statement      *deliberation.Statement `json:"statement,omitempty"`
	Vote           *deliberation.Vote      `json:"vote,omitempty"`
	Phase          *PhaseChange            `json:"phase,omitempty"`
	Status         *StatusChange           `json:"status,omitempty"`
	Violation      *ViolationEvent         `json:"violation,omitempty"`
	Detail         string                  `json:"detail,omitempty"`
	Timestamp      time.Time               `json:"timestamp"`
}

// clone deep-copies the entry so no caller can mutate committed history
// through a shared payload pointer.
func (e Entry) clone() Entry {
	if e.Statement != nil {
		s := *e.Statement
		e.Statement = &s
	}
	if e.Vote != nil {
		v := *e.Vote
		e.Vote = &v
	}
	if e.Phase != nil {
		p := *e.Phase
		e.Phase = &p
	}
	if e.Status != nil {
		st := *e.Status
		e.Status = &st
	}
	if e.Violation != nil {
		vi := *e.Violation
		e.Violation = &vi
	}
	return e
}

// Subscription is a live, resumable entry stream. Entries arrive in
// sequence order with no gaps. The channel closes when the context is
// cancelled or Close is called.
type Subscription struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the entry channel.
func (s *Subscription) C() <-chan Entry { return s.ch }

// Close stops delivery. Safe for concurrent use and repeat calls.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Bus is the transcript log. Implementations must linearize appends per
// deliberation; distinct deliberations proceed fully in parallel.
type Bus interface {
	// Append commits an entry and returns its assigned sequence.
	Append(ctx context.Context, deliberationID string, e Entry) (uint64, error)

	// Subscribe streams entries from fromSequence (1-based, inclusive)
	// onward, then continues live.
	Subscribe(ctx context.Context, deliberationID string, fromSequence uint64) (*Subscription, error)

	// Replay returns committed entries in [fromSequence, toSequence].
	// toSequence of 0 means "through the latest".
	Replay(ctx context.Context, deliberationID string, fromSequence, toSequence uint64) ([]Entry, error)
}
