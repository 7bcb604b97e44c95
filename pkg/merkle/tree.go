// Package merkle builds the seal tree committing to every transcript entry
// and signature of a decision packet, enabling tamper detection without
// re-reading the full record.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	leafDomain = "concord:seal:leaf:v1"
	nodeDomain = "concord:seal:node:v1"
)

// ErrEmptyTree is returned when building a tree with no leaves.
var ErrEmptyTree = errors.New("merkle: no leaves")

// Leaf is one sealed item: its raw bytes and domain-separated hash.
type Leaf struct {
	Index     int    `json:"index"`
	LeafBytes []byte `json:"-"`
	LeafHash  string `json:"leaf_hash"`
}

// Tree is a Merkle tree over an ordered leaf set. Leaf order is append
// order, never sorted; the transcript's ordering is part of what the root
// commits to.
type Tree struct {
	Leaves []Leaf     `json:"leaves"`
	Root   string     `json:"root"`
	levels [][]string // levels[0] = leaf hashes, last = [root]
}

// Build constructs the tree from ordered leaf payloads.
func Build(payloads [][]byte) (*Tree, error) {
	if len(payloads) == 0 {
		return nil, ErrEmptyTree
	}

	leaves := make([]Leaf, len(payloads))
	for i, p := range payloads {
		lb := leafBytes(p)
		leaves[i] = Leaf{
			Index:     i,
			LeafBytes: lb,
			LeafHash:  sha256Hex(lb),
		}
	}

	t := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}

	t.levels = append(t.levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	t.Root = level[0]
	return t, nil
}

func leafBytes(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.Write(payload)
	return buf.Bytes()
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // duplicate last
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
