package seal

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/concord-engine/concord/pkg/canonical"
)

// VerifyPacket re-derives the canonical bytes, every signature, and the
// Merkle root of a packet from its own contents. It needs only the public
// keys of the signers, so a regulator can run it offline against the
// archived record.
func VerifyPacket(packet *DecisionPacket, publicKeys map[string]ed25519.PublicKey) error {
	record := canonicalRecord{
		DeliberationID:   packet.DeliberationID,
		Question:         packet.Question,
		Statements:       packet.Statements,
		Votes:            packet.Votes,
		ConsensusSummary: packet.ConsensusSummary,
	}
	canonicalBytes, err := canonical.Marshal(record)
	if err != nil {
		return fmt.Errorf("seal: canonicalize packet record: %w", err)
	}

	for _, sig := range packet.Signatures {
		pub, ok := publicKeys[sig.ParticipantID]
		if !ok {
			return fmt.Errorf("seal: no public key for participant %s", sig.ParticipantID)
		}
		raw, err := hex.DecodeString(sig.Signature)
		if err != nil {
			return fmt.Errorf("seal: signature of %s is not hex: %w", sig.ParticipantID, err)
		}
		digest := SigningDigest(canonicalBytes, sig.ParticipantID, packet.DeliberationID)
		if !ed25519.Verify(pub, digest, raw) {
			return fmt.Errorf("seal: signature of %s does not verify", sig.ParticipantID)
		}
		if got := Fingerprint(pub); got != sig.KeyFingerprint {
			return fmt.Errorf("seal: key fingerprint mismatch for %s: %s != %s", sig.ParticipantID, got, sig.KeyFingerprint)
		}
	}

	root, err := sealRoot(packet.Statements, packet.Signatures)
	if err != nil {
		return err
	}
	if root != packet.MerkleRoot {
		return fmt.Errorf("seal: merkle root mismatch: computed %s, packet carries %s", root, packet.MerkleRoot)
	}

	return nil
}
