package seal_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-engine/concord/pkg/seal"
)

func TestLocalSigner_EnsureKeyProvisionsOnce(t *testing.T) {
	signer := seal.NewLocalSigner()

	pub1, err := signer.EnsureKey("key-analyst-1")
	require.NoError(t, err)
	require.NotEmpty(t, pub1)

	// A repeat call returns the existing key instead of rotating it.
	pub2, err := signer.EnsureKey("key-analyst-1")
	require.NoError(t, err)
	assert.Equal(t, pub1, pub2)

	registered, ok := signer.PublicKey("key-analyst-1")
	require.True(t, ok)
	assert.Equal(t, pub1, registered)

	// The provisioned key signs, and the signature verifies against the
	// returned public key.
	res, err := signer.Sign(context.Background(), []byte("digest"), "key-analyst-1")
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub1, []byte("digest"), res.Signature))
	assert.Equal(t, seal.Fingerprint(pub1), res.KeyFingerprint)
}

func TestLocalSigner_SignRejectsUnknownRef(t *testing.T) {
	signer := seal.NewLocalSigner()
	_, err := signer.Sign(context.Background(), []byte("digest"), "key-missing")
	assert.Error(t, err)
}
