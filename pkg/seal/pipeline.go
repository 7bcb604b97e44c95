package seal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/concord-engine/concord/pkg/canonical"
	"github.com/concord-engine/concord/pkg/deliberation"
	"github.com/concord-engine/concord/pkg/merkle"
)

// Retention is the archival policy handed to the gateway with the packet.
type Retention struct {
	Days int    `json:"days"`
	Mode string `json:"mode"` // e.g. "compliance"
}

// Archiver is the write-once archival collaborator. A second Store call for
// the same packet id must be rejected, not overwritten.
type Archiver interface {
	Store(ctx context.Context, packet *DecisionPacket, retention Retention) (string, error)
}

// Metrics receives sealing measurements. observability.Provider satisfies
// it.
type Metrics interface {
	RecordSeal(ctx context.Context, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordSeal(context.Context, time.Duration) {}

// packetNamespace seeds the deterministic packet ID from the deliberation
// id, which also makes accidental double-sealing collide in the archive.
var packetNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("concord:seal:packet:v1"))

// Pipeline runs the sealing steps for one deliberation at a time. It holds
// no per-deliberation state, so distinct deliberations may seal in
// parallel.
type Pipeline struct {
	signer      Signer
	authority   TimestampAuthority
	archiver    Archiver
	maxAttempts int
	baseBackoff time.Duration
	retention   Retention
	clock       func() time.Time
	logger      *slog.Logger
	metrics     Metrics
}

// NewPipeline creates a sealing pipeline with bounded-backoff retries for
// the external collaborators.
func NewPipeline(signer Signer, authority TimestampAuthority, archiver Archiver, retention Retention) *Pipeline {
	return &Pipeline{
		signer:      signer,
		authority:   authority,
		archiver:    archiver,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
		retention:   retention,
		clock:       time.Now,
		logger:      slog.Default().With("component", "seal-pipeline"),
		metrics:     noopMetrics{},
	}
}

// WithClock overrides the clock for deterministic testing.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithBackoff overrides retry tuning, mainly for tests.
func (p *Pipeline) WithBackoff(attempts int, base time.Duration) *Pipeline {
	p.maxAttempts = attempts
	p.baseBackoff = base
	return p
}

// WithMetrics sets the sealing metrics sink.
func (p *Pipeline) WithMetrics(m Metrics) *Pipeline {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Seal canonicalizes the finished transcript, collects signatures in roster
// order, builds the Merkle seal, requests the external timestamp, and
// archives the assembled packet. A missing required signature aborts with
// ErrRequiredSigner and no packet is emitted; there is no placeholder
// fallback.
func (p *Pipeline) Seal(
	ctx context.Context,
	d *deliberation.Deliberation,
	statements []deliberation.Statement,
	votes []deliberation.Vote,
	consensusSummary string,
) (*DecisionPacket, error) {
	if d.Phase != deliberation.PhaseSigning {
		return nil, fmt.Errorf("%w: phase is %s", ErrNotSigning, d.Phase)
	}
	begin := p.clock()

	record := canonicalRecord{
		DeliberationID:   d.ID,
		Question:         d.Question,
		Statements:       statements,
		Votes:            votes,
		ConsensusSummary: consensusSummary,
	}
	canonicalBytes, err := canonical.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("seal: canonicalize transcript: %w", err)
	}

	// Signatures in roster order. Unavailable optional signers are skipped;
	// a required signer that stays unreachable blocks sealing entirely.
	signatures := make([]Signature, 0, len(d.Participants))
	for _, participant := range d.Participants {
		digest := SigningDigest(canonicalBytes, participant.ID, d.ID)

		result, err := p.signWithRetry(ctx, digest, participant.KeyRef)
		if err != nil {
			if participant.Required {
				return nil, fmt.Errorf("%w: participant %s: %v", ErrRequiredSigner, participant.ID, err)
			}
			p.logger.Warn("optional signer unreachable, continuing",
				"deliberation", d.ID, "participant", participant.ID, "error", err)
			continue
		}

		signatures = append(signatures, Signature{
			ParticipantID:  participant.ID,
			Algorithm:      result.Algorithm,
			Signature:      fmt.Sprintf("%x", result.Signature),
			KeyFingerprint: result.KeyFingerprint,
			SignedAt:       p.clock().UTC(),
		})
	}

	root, err := sealRoot(statements, signatures)
	if err != nil {
		return nil, err
	}

	token, err := p.timestampWithRetry(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampAuthority, err)
	}

	packet := &DecisionPacket{
		ID:               uuid.NewSHA1(packetNamespace, []byte(d.ID)).String(),
		DeliberationID:   d.ID,
		Question:         d.Question,
		Statements:       statements,
		Votes:            votes,
		ConsensusSummary: consensusSummary,
		Signatures:       signatures,
		MerkleRoot:       root,
		Timestamp:        token,
		CreatedAt:        p.clock().UTC(),
	}

	location, err := p.archiveWithRetry(ctx, packet)
	if err != nil {
		return nil, fmt.Errorf("seal: archive packet: %w", err)
	}
	packet.Archive = ArchiveMeta{
		LocationRef:   location,
		RetentionDays: p.retention.Days,
		WORM:          true,
	}

	p.metrics.RecordSeal(ctx, p.clock().Sub(begin))
	p.logger.Info("deliberation sealed",
		"deliberation", d.ID, "packet", packet.ID,
		"signatures", len(signatures), "merkle_root", root, "location", location)
	return packet, nil
}

// SigningDigest binds the canonical bytes to one participant and
// deliberation: sha256(canonical_bytes || participantID || deliberationID).
func SigningDigest(canonicalBytes []byte, participantID, deliberationID string) []byte {
	h := sha256.New()
	h.Write(canonicalBytes)
	h.Write([]byte(participantID))
	h.Write([]byte(deliberationID))
	return h.Sum(nil)
}

// sealRoot builds the Merkle tree whose leaves are each statement and each
// collected signature, in append order.
func sealRoot(statements []deliberation.Statement, signatures []Signature) (string, error) {
	leaves := make([][]byte, 0, len(statements)+len(signatures))
	for _, s := range statements {
		b, err := canonical.Marshal(s)
		if err != nil {
			return "", fmt.Errorf("seal: canonicalize statement %d: %w", s.Sequence, err)
		}
		leaves = append(leaves, b)
	}
	for _, sig := range signatures {
		b, err := canonical.Marshal(sig)
		if err != nil {
			return "", fmt.Errorf("seal: canonicalize signature %s: %w", sig.ParticipantID, err)
		}
		leaves = append(leaves, b)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return "", fmt.Errorf("seal: build merkle tree: %w", err)
	}
	return tree.Root, nil
}

func (p *Pipeline) signWithRetry(ctx context.Context, digest []byte, keyRef string) (SignResult, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return SignResult{}, err
		}
		result, err := p.signer.Sign(ctx, digest, keyRef)
		if err == nil {
			return result, nil
		}
		lastErr = err
		p.sleep(ctx, attempt)
	}
	return SignResult{}, lastErr
}

func (p *Pipeline) timestampWithRetry(ctx context.Context, root string) (TimestampToken, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return TimestampToken{}, err
		}
		token, err := p.authority.Timestamp(ctx, root)
		if err == nil {
			return token, nil
		}
		lastErr = err
		p.sleep(ctx, attempt)
	}
	return TimestampToken{}, lastErr
}

func (p *Pipeline) archiveWithRetry(ctx context.Context, packet *DecisionPacket) (string, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		location, err := p.archiver.Store(ctx, packet, p.retention)
		if err == nil {
			return location, nil
		}
		lastErr = err
		p.sleep(ctx, attempt)
	}
	return "", lastErr
}

// sleep waits base * 2^attempt plus jitter, or until the context ends.
func (p *Pipeline) sleep(ctx context.Context, attempt int) {
	backoff := time.Duration(math.Pow(2, float64(attempt))) * p.baseBackoff
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		backoff += time.Duration(n.Int64()) * time.Millisecond
	}
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
	}
}
