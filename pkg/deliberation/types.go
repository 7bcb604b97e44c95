// Package deliberation defines the core entities of the coordination
// pipeline: deliberations, participants, statements, and votes.
package deliberation

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a deliberation is not known to the coordinator.
var ErrNotFound = errors.New("deliberation not found")

// Phase is the current step of the deliberation state machine.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseAnalysis  Phase = "analysis"
	PhaseDebate    Phase = "debate"
	PhaseConsensus Phase = "consensus"
	PhaseVoting    Phase = "voting"
	PhaseSigning   Phase = "signing"
	PhaseCompleted Phase = "completed"
)

// Next returns the successor phase on the linear path. The escape edges
// (cancel, skip-to-synthesis, held, vetoed) are owned by the coordinator.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhasePending:
		return PhaseAnalysis, true
	case PhaseAnalysis:
		return PhaseDebate, true
	case PhaseDebate:
		return PhaseConsensus, true
	case PhaseConsensus:
		return PhaseVoting, true
	case PhaseVoting:
		return PhaseSigning, true
	case PhaseSigning:
		return PhaseCompleted, true
	default:
		return p, false
	}
}

// Status is the lifecycle state of a deliberation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusHeld      Status = "held"
	StatusVetoed    Status = "vetoed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusVetoed || s == StatusCancelled || s == StatusCompleted
}

// ParticipantKind distinguishes automated from human actors.
type ParticipantKind string

const (
	KindAgent ParticipantKind = "agent"
	KindHuman ParticipantKind = "human"
)

// Participant is one actor on the roster. The roster is immutable once the
// deliberation starts; only liveness fields change afterwards.
type Participant struct {
	ID          string          `json:"id" yaml:"id"`
	Kind        ParticipantKind `json:"kind" yaml:"kind"`
	Role        string          `json:"role" yaml:"role"`
	KeyRef      string          `json:"key_ref" yaml:"key_ref"`
	Required    bool            `json:"required" yaml:"required"` // required signer at sealing time
	Unavailable bool            `json:"unavailable,omitempty" yaml:"-"`
	LastSeen    time.Time       `json:"last_seen,omitempty" yaml:"-"`
}

// StatementKind marks the origin of a transcript statement.
type StatementKind string

const (
	StatementNormal    StatementKind = "statement"
	StatementError     StatementKind = "error"
	StatementConsensus StatementKind = "consensus"
	StatementHuman     StatementKind = "human"
)

// Statement is a single immutable transcript entry. Sequence is assigned by
// the bus at commit time and is strictly increasing and gapless within a
// deliberation.
type Statement struct {
	Sequence      uint64        `json:"sequence"`
	ParticipantID string        `json:"participant_id"`
	Phase         Phase         `json:"phase"`
	Kind          StatementKind `json:"kind"`
	Content       string        `json:"content"`
	Confidence    float64       `json:"confidence,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// VoteChoice is the domain vote enumeration.
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// Vote records one participant's position. A later vote from the same
// participant overwrites the effective choice; the overwrite event itself
// stays in the transcript.
type Vote struct {
	ParticipantID string     `json:"participant_id"`
	Choice        VoteChoice `json:"choice"`
	Confidence    float64    `json:"confidence,omitempty"`
	Rationale     string     `json:"rationale,omitempty"`
	CastAt        time.Time  `json:"cast_at"`
}

// Deliberation is one complete run of the phase machine for a single
// question. All mutation goes through the coordinator.
type Deliberation struct {
	ID           string        `json:"id"`
	Question     string        `json:"question"`
	Participants []Participant `json:"participants"`
	Phase        Phase         `json:"phase"`
	Status       Status        `json:"status"`
	Sequence     uint64        `json:"sequence"` // last committed bus sequence
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
}

// Participant returns the roster entry for id.
func (d *Deliberation) Participant(id string) (Participant, bool) {
	for _, p := range d.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Humans returns the human subset of the roster.
func (d *Deliberation) Humans() []Participant {
	var out []Participant
	for _, p := range d.Participants {
		if p.Kind == KindHuman {
			out = append(out, p)
		}
	}
	return out
}
