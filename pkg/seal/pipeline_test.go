package seal_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-engine/concord/pkg/archive"
	"github.com/concord-engine/concord/pkg/deliberation"
	"github.com/concord-engine/concord/pkg/seal"
)

type failingSigner struct {
	inner    seal.Signer
	failRefs map[string]bool
}

func (f *failingSigner) Sign(ctx context.Context, data []byte, keyRef string) (seal.SignResult, error) {
	if f.failRefs[keyRef] {
		return seal.SignResult{}, errors.New("kms unreachable")
	}
	return f.inner.Sign(ctx, data, keyRef)
}

type flakyAuthority struct {
	inner     seal.TimestampAuthority
	failures  int
	callCount int
}

func (f *flakyAuthority) Timestamp(ctx context.Context, hash string) (seal.TimestampToken, error) {
	f.callCount++
	if f.callCount <= f.failures {
		return seal.TimestampToken{}, errors.New("tsa timeout")
	}
	return f.inner.Timestamp(ctx, hash)
}

type captureSealMetrics struct {
	mu    sync.Mutex
	seals int
}

func (m *captureSealMetrics) RecordSeal(context.Context, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seals++
}

func roster() []deliberation.Participant {
	return []deliberation.Participant{
		{ID: "analyst-1", Kind: deliberation.KindAgent, Role: "analyst", KeyRef: "key-analyst-1", Required: true},
		{ID: "critic-1", Kind: deliberation.KindAgent, Role: "critic", KeyRef: "key-critic-1", Required: true},
		{ID: "reviewer-1", Kind: deliberation.KindHuman, Role: "reviewer", KeyRef: "key-reviewer-1"},
	}
}

func signingDeliberation() *deliberation.Deliberation {
	return &deliberation.Deliberation{
		ID:           "delib-seal-test",
		Question:     "approve the rollout?",
		Participants: roster(),
		Phase:        deliberation.PhaseSigning,
		Status:       deliberation.StatusActive,
	}
}

func transcript() ([]deliberation.Statement, []deliberation.Vote) {
	statements := []deliberation.Statement{
		{Sequence: 1, ParticipantID: "analyst-1", Phase: deliberation.PhaseAnalysis,
			Kind: deliberation.StatementNormal, Content: "risk is low", Confidence: 0.9},
		{Sequence: 2, ParticipantID: "critic-1", Phase: deliberation.PhaseDebate,
			Kind: deliberation.StatementNormal, Content: "rollback plan exists", Confidence: 0.8},
		{Sequence: 3, ParticipantID: "coordinator", Phase: deliberation.PhaseConsensus,
			Kind: deliberation.StatementConsensus, Content: "proceed with rollout"},
	}
	votes := []deliberation.Vote{
		{ParticipantID: "analyst-1", Choice: deliberation.VoteApprove, Confidence: 0.9},
		{ParticipantID: "critic-1", Choice: deliberation.VoteApprove, Confidence: 0.7},
		{ParticipantID: "reviewer-1", Choice: deliberation.VoteApprove},
	}
	return statements, votes
}

func newSigner(t *testing.T) (*seal.LocalSigner, map[string]ed25519.PublicKey) {
	t.Helper()
	signer := seal.NewLocalSigner()
	keys := make(map[string]ed25519.PublicKey)
	for _, p := range roster() {
		pub, err := signer.GenerateKey(p.KeyRef)
		require.NoError(t, err)
		keys[p.ID] = pub
	}
	return signer, keys
}

func TestPipeline_SealEndToEnd(t *testing.T) {
	signer, keys := newSigner(t)
	gateway := archive.NewMemoryGateway()
	pipeline := seal.NewPipeline(
		signer,
		seal.NewStaticAuthority("test-tsa"),
		gateway,
		seal.Retention{Days: 2555, Mode: "compliance"},
	).WithBackoff(1, time.Millisecond)

	d := signingDeliberation()
	statements, votes := transcript()

	packet, err := pipeline.Seal(context.Background(), d, statements, votes, "proceed with rollout")
	require.NoError(t, err)

	assert.NotEmpty(t, packet.ID)
	assert.Equal(t, d.ID, packet.DeliberationID)
	assert.Len(t, packet.Signatures, 3, "every reachable signer contributes")
	assert.NotEmpty(t, packet.MerkleRoot)
	assert.NotEmpty(t, packet.Timestamp.Token)
	assert.Equal(t, "test-tsa", packet.Timestamp.AuthorityID)
	assert.True(t, packet.Archive.WORM)
	assert.Equal(t, 2555, packet.Archive.RetentionDays)
	assert.NotEmpty(t, packet.Archive.LocationRef)

	// Signatures land in roster order.
	assert.Equal(t, "analyst-1", packet.Signatures[0].ParticipantID)
	assert.Equal(t, "critic-1", packet.Signatures[1].ParticipantID)
	assert.Equal(t, "reviewer-1", packet.Signatures[2].ParticipantID)

	// The archived copy is retrievable and the whole packet verifies offline.
	stored, err := gateway.Load(context.Background(), packet.ID)
	require.NoError(t, err)
	assert.Equal(t, packet.MerkleRoot, stored.MerkleRoot)

	require.NoError(t, seal.VerifyPacket(packet, keys))
}

func TestPipeline_RejectsOutsideSigningPhase(t *testing.T) {
	signer, _ := newSigner(t)
	pipeline := seal.NewPipeline(signer, seal.NewStaticAuthority("tsa"), archive.NewMemoryGateway(), seal.Retention{})

	d := signingDeliberation()
	d.Phase = deliberation.PhaseVoting
	statements, votes := transcript()

	_, err := pipeline.Seal(context.Background(), d, statements, votes, "")
	assert.ErrorIs(t, err, seal.ErrNotSigning)
}

func TestPipeline_RequiredSignerFailureBlocksSealing(t *testing.T) {
	signer, _ := newSigner(t)
	gateway := archive.NewMemoryGateway()
	pipeline := seal.NewPipeline(
		&failingSigner{inner: signer, failRefs: map[string]bool{"key-critic-1": true}},
		seal.NewStaticAuthority("tsa"),
		gateway,
		seal.Retention{},
	).WithBackoff(2, time.Millisecond)

	d := signingDeliberation()
	statements, votes := transcript()

	packet, err := pipeline.Seal(context.Background(), d, statements, votes, "")
	assert.ErrorIs(t, err, seal.ErrRequiredSigner)
	assert.Nil(t, packet, "no packet with a subset of required signatures")
}

func TestPipeline_OptionalSignerFailureSkipped(t *testing.T) {
	signer, keys := newSigner(t)
	pipeline := seal.NewPipeline(
		&failingSigner{inner: signer, failRefs: map[string]bool{"key-reviewer-1": true}},
		seal.NewStaticAuthority("tsa"),
		archive.NewMemoryGateway(),
		seal.Retention{},
	).WithBackoff(1, time.Millisecond)

	d := signingDeliberation()
	statements, votes := transcript()

	packet, err := pipeline.Seal(context.Background(), d, statements, votes, "")
	require.NoError(t, err)
	require.Len(t, packet.Signatures, 2)
	for _, sig := range packet.Signatures {
		assert.NotEqual(t, "reviewer-1", sig.ParticipantID)
	}

	require.NoError(t, seal.VerifyPacket(packet, keys))
}

func TestPipeline_TimestampAuthorityRetriedThenFails(t *testing.T) {
	signer, _ := newSigner(t)
	tsa := &flakyAuthority{inner: seal.NewStaticAuthority("tsa"), failures: 100}
	pipeline := seal.NewPipeline(signer, tsa, archive.NewMemoryGateway(), seal.Retention{}).
		WithBackoff(3, time.Millisecond)

	d := signingDeliberation()
	statements, votes := transcript()

	_, err := pipeline.Seal(context.Background(), d, statements, votes, "")
	assert.ErrorIs(t, err, seal.ErrTimestampAuthority)
	assert.Equal(t, 3, tsa.callCount, "bounded retries")
}

func TestPipeline_TimestampAuthorityRecoversWithinRetries(t *testing.T) {
	signer, _ := newSigner(t)
	tsa := &flakyAuthority{inner: seal.NewStaticAuthority("tsa"), failures: 2}
	pipeline := seal.NewPipeline(signer, tsa, archive.NewMemoryGateway(), seal.Retention{}).
		WithBackoff(3, time.Millisecond)

	d := signingDeliberation()
	statements, votes := transcript()

	packet, err := pipeline.Seal(context.Background(), d, statements, votes, "")
	require.NoError(t, err)
	assert.NotEmpty(t, packet.Timestamp.Token)
}

func TestPipeline_PacketIDDeterministicPerDeliberation(t *testing.T) {
	statements, votes := transcript()

	var ids []string
	for i := 0; i < 2; i++ {
		signer, _ := newSigner(t)
		pipeline := seal.NewPipeline(signer, seal.NewStaticAuthority("tsa"),
			archive.NewMemoryGateway(), seal.Retention{})
		packet, err := pipeline.Seal(context.Background(), signingDeliberation(), statements, votes, "")
		require.NoError(t, err)
		ids = append(ids, packet.ID)
	}
	assert.Equal(t, ids[0], ids[1], "packet id derives from the deliberation id")
}

func TestPipeline_RecordsSealDuration(t *testing.T) {
	signer, _ := newSigner(t)
	metrics := &captureSealMetrics{}
	pipeline := seal.NewPipeline(
		signer,
		seal.NewStaticAuthority("test-tsa"),
		archive.NewMemoryGateway(),
		seal.Retention{Days: 30, Mode: "compliance"},
	).WithBackoff(1, time.Millisecond).WithMetrics(metrics)

	statements, votes := transcript()

	// A rejected seal records nothing.
	d := signingDeliberation()
	d.Phase = deliberation.PhaseVoting
	_, err := pipeline.Seal(context.Background(), d, statements, votes, "summary")
	require.Error(t, err)

	_, err = pipeline.Seal(context.Background(), signingDeliberation(), statements, votes, "summary")
	require.NoError(t, err)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.seals)
}

func TestVerifyPacket_DetectsTampering(t *testing.T) {
	signer, keys := newSigner(t)
	pipeline := seal.NewPipeline(signer, seal.NewStaticAuthority("tsa"),
		archive.NewMemoryGateway(), seal.Retention{})

	statements, votes := transcript()
	packet, err := pipeline.Seal(context.Background(), signingDeliberation(), statements, votes, "summary")
	require.NoError(t, err)
	require.NoError(t, seal.VerifyPacket(packet, keys))

	// Tampered content breaks both the signatures and the root.
	tampered := *packet
	tampered.Statements = append([]deliberation.Statement{}, packet.Statements...)
	tampered.Statements[0].Content = "risk is extreme"
	assert.Error(t, seal.VerifyPacket(&tampered, keys))

	// A wrong key fails verification too.
	wrongKeys := map[string]ed25519.PublicKey{}
	for id := range keys {
		other := seal.NewLocalSigner()
		pub, err := other.GenerateKey("x")
		require.NoError(t, err)
		wrongKeys[id] = pub
	}
	assert.Error(t, seal.VerifyPacket(packet, wrongKeys))
}
