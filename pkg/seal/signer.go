package seal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// SignResult is the external signer's answer for one digest.
type SignResult struct {
	Signature      []byte
	Algorithm      string
	KeyFingerprint string
}

// Signer is the external key-management collaborator. Sign must be
// idempotent for identical input.
type Signer interface {
	Sign(ctx context.Context, data []byte, keyRef string) (SignResult, error)
}

// LocalSigner is an in-process ed25519 Signer keyed by keyRef. It exists so
// the service runs end-to-end without external key infrastructure; a
// production deployment points Signer at a KMS instead.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewLocalSigner creates an empty local signer.
func NewLocalSigner() *LocalSigner {
	return &LocalSigner{keys: make(map[string]ed25519.PrivateKey)}
}

// GenerateKey creates and registers a key for keyRef, returning the public
// key for later verification.
func (s *LocalSigner) GenerateKey(keyRef string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: generate key %s: %w", keyRef, err)
	}
	s.mu.Lock()
	s.keys[keyRef] = priv
	s.mu.Unlock()
	return pub, nil
}

// EnsureKey returns the public key for keyRef, generating and registering
// one first if none exists. Startup provisioning for local rosters.
func (s *LocalSigner) EnsureKey(keyRef string) (ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if priv, ok := s.keys[keyRef]; ok {
		return priv.Public().(ed25519.PublicKey), nil
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("seal: generate key %s: %w", keyRef, err)
	}
	s.keys[keyRef] = priv
	return pub, nil
}

// PublicKey returns the registered public key for keyRef.
func (s *LocalSigner) PublicKey(keyRef string) (ed25519.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	priv, ok := s.keys[keyRef]
	if !ok {
		return nil, false
	}
	return priv.Public().(ed25519.PublicKey), true
}

// Sign implements Signer. Ed25519 is deterministic, so identical input
// yields an identical signature, satisfying the idempotency contract.
func (s *LocalSigner) Sign(ctx context.Context, data []byte, keyRef string) (SignResult, error) {
	if err := ctx.Err(); err != nil {
		return SignResult{}, err
	}

	s.mu.RLock()
	priv, ok := s.keys[keyRef]
	s.mu.RUnlock()
	if !ok {
		return SignResult{}, fmt.Errorf("seal: no key for ref %q", keyRef)
	}

	sig := ed25519.Sign(priv, data)
	return SignResult{
		Signature:      sig,
		Algorithm:      "ed25519",
		KeyFingerprint: Fingerprint(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// Fingerprint returns the short identifier of a public key.
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(h[:8])
}
