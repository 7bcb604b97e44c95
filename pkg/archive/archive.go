// Package archive persists decision packets under a write-once-read-many
// policy. Every backend rejects a second store for the same packet id
// rather than overwriting it.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/concord-engine/concord/pkg/seal"
)

var (
	// ErrAlreadyArchived is returned on a duplicate store attempt.
	ErrAlreadyArchived = errors.New("archive: packet already archived")

	// ErrPacketNotFound is returned when loading an unknown packet.
	ErrPacketNotFound = errors.New("archive: packet not found")
)

// Gateway is the archival collaborator contract: write-once store plus
// read access for auditors.
type Gateway interface {
	seal.Archiver
	Load(ctx context.Context, packetID string) (*seal.DecisionPacket, error)
}

// MemoryGateway is the in-process Gateway. Packets are held as serialized
// bytes so a caller holding the original struct cannot mutate the archived
// copy.
type MemoryGateway struct {
	mu      sync.RWMutex
	packets map[string][]byte
}

// NewMemoryGateway creates an empty in-memory archive.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{packets: make(map[string][]byte)}
}

// Store implements Gateway.
func (g *MemoryGateway) Store(_ context.Context, packet *seal.DecisionPacket, _ seal.Retention) (string, error) {
	data, err := json.Marshal(packet)
	if err != nil {
		return "", fmt.Errorf("archive: marshal packet: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.packets[packet.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyArchived, packet.ID)
	}
	g.packets[packet.ID] = data
	return "mem://decision-packets/" + packet.ID, nil
}

// Load implements Gateway.
func (g *MemoryGateway) Load(_ context.Context, packetID string) (*seal.DecisionPacket, error) {
	g.mu.RLock()
	data, ok := g.packets[packetID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPacketNotFound, packetID)
	}

	var packet seal.DecisionPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, fmt.Errorf("archive: unmarshal packet: %w", err)
	}
	return &packet, nil
}
