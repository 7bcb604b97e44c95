// Package seal implements the signing and sealing pipeline: canonical
// transcript bytes, per-participant detached signatures, the Merkle seal,
// an external trusted timestamp, and the immutable DecisionPacket.
package seal

import (
	"errors"
	"time"

	"github.com/concord-engine/concord/pkg/deliberation"
)

var (
	// ErrNotSigning is returned when sealing is attempted outside the
	// signing phase.
	ErrNotSigning = errors.New("seal: deliberation is not in signing phase")

	// ErrRequiredSigner is returned when a required participant's signer
	// stays unreachable after bounded retries. The deliberation remains in
	// signing; a packet is never emitted with a subset of required
	// signatures.
	ErrRequiredSigner = errors.New("seal: required signer unavailable")

	// ErrTimestampAuthority is returned when the timestamp authority stays
	// unreachable after bounded retries.
	ErrTimestampAuthority = errors.New("seal: timestamp authority unavailable")
)

// Signature is a detached per-participant signature over the canonical
// transcript bytes bound to the participant and deliberation.
type Signature struct {
	ParticipantID  string    `json:"participant_id"`
	Algorithm      string    `json:"algorithm"`
	Signature      string    `json:"signature"` // hex
	KeyFingerprint string    `json:"key_fingerprint"`
	SignedAt       time.Time `json:"signed_at"`
}

// TimestampToken is a third-party attestation that a hash existed at a
// given time, modeled on RFC 3161 semantics.
type TimestampToken struct {
	Token       string    `json:"token"`
	AuthorityID string    `json:"authority_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// ArchiveMeta records where and under what retention the packet is held.
type ArchiveMeta struct {
	LocationRef   string `json:"location_ref"`
	RetentionDays int    `json:"retention_days"`
	WORM          bool   `json:"worm"`
}

// DecisionPacket is the sealed output of a completed deliberation. Created
// exactly once, at most one per deliberation, immutable thereafter.
type DecisionPacket struct {
	ID               string                   `json:"id"`
	DeliberationID   string                   `json:"deliberation_id"`
	Question         string                   `json:"question"`
	Statements       []deliberation.Statement `json:"statements"`
	Votes            []deliberation.Vote      `json:"votes"`
	ConsensusSummary string                   `json:"consensus_summary"`
	Signatures       []Signature              `json:"signatures"`
	MerkleRoot       string                   `json:"merkle_root"`
	Anchor           string                   `json:"anchor,omitempty"`
	Timestamp        TimestampToken           `json:"timestamp"`
	Archive          ArchiveMeta              `json:"archive"`
	CreatedAt        time.Time                `json:"created_at"`
}

// canonicalRecord is the exact structure that gets canonicalized and
// signed. Field set and ordering are part of the wire format; changing
// either is a breaking-format change.
type canonicalRecord struct {
	DeliberationID   string                   `json:"deliberation_id"`
	Question         string                   `json:"question"`
	Statements       []deliberation.Statement `json:"statements"`
	Votes            []deliberation.Vote      `json:"votes"`
	ConsensusSummary string                   `json:"consensus_summary"`
}
