package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// InclusionProof proves one leaf belongs to a sealed tree. A verifier needs
// only the leaf and the proof path, never the whole transcript.
type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof generates an inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*InclusionProof, error) {
	if index < 0 || index >= len(t.Leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(t.Leaves))
	}

	proof := &InclusionProof{
		LeafIndex:  index,
		LeafHash:   t.Leaves[index].LeafHash,
		MerkleRoot: t.Root,
	}

	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		// Odd levels duplicate the last hash; mirror that here.
		padded := level
		if len(padded)%2 != 0 {
			padded = append(append([]string{}, padded...), padded[len(padded)-1])
		}

		var step ProofStep
		if pos%2 == 0 {
			step = ProofStep{Side: "R", SiblingHash: padded[pos+1]}
		} else {
			step = ProofStep{Side: "L", SiblingHash: padded[pos-1]}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		pos /= 2
	}

	return proof, nil
}

// Verify checks an inclusion proof against a trusted root.
func Verify(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		var combined []byte
		combined = append(combined, []byte(nodeDomain)...)
		combined = append(combined, 0)
		if step.Side == "L" {
			combined = append(combined, hexToBytes(step.SiblingHash)...)
			combined = append(combined, hexToBytes(current)...)
		} else {
			combined = append(combined, hexToBytes(current)...)
			combined = append(combined, hexToBytes(step.SiblingHash)...)
		}
		h := sha256.Sum256(combined)
		current = hex.EncodeToString(h[:])
	}

	return strings.EqualFold(current, proof.MerkleRoot)
}
