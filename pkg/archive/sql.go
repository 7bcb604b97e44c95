package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/concord-engine/concord/pkg/seal"
)

// SQLGateway implements Gateway on database/sql. It works against both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); the caller registers
// the driver.
type SQLGateway struct {
	db    *sql.DB
	clock func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS decision_packets (
	id TEXT PRIMARY KEY,
	deliberation_id TEXT UNIQUE NOT NULL,
	merkle_root TEXT NOT NULL,
	packet TEXT NOT NULL,
	retention_days INTEGER NOT NULL,
	retention_mode TEXT NOT NULL,
	retain_until TIMESTAMP NOT NULL,
	archived_at TIMESTAMP NOT NULL
);
`

// NewSQLGateway creates a SQL-backed archive.
func NewSQLGateway(db *sql.DB) *SQLGateway {
	return &SQLGateway{db: db, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (g *SQLGateway) WithClock(clock func() time.Time) *SQLGateway {
	g.clock = clock
	return g
}

// Init creates the packet table.
func (g *SQLGateway) Init(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, schema)
	return err
}

// Store implements Gateway. The existence check and insert run in one
// transaction; the primary key backstops races between processes.
func (g *SQLGateway) Store(ctx context.Context, packet *seal.DecisionPacket, retention seal.Retention) (string, error) {
	data, err := json.Marshal(packet)
	if err != nil {
		return "", fmt.Errorf("archive: marshal packet: %w", err)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("archive: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM decision_packets WHERE id = $1`, packet.ID).Scan(&existing)
	switch {
	case err == nil:
		return "", fmt.Errorf("%w: %s", ErrAlreadyArchived, packet.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("archive: existence check: %w", err)
	}

	now := g.clock().UTC()
	retainUntil := now.AddDate(0, 0, retention.Days)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO decision_packets
			(id, deliberation_id, merkle_root, packet, retention_days, retention_mode, retain_until, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		packet.ID, packet.DeliberationID, packet.MerkleRoot, string(data),
		retention.Days, retention.Mode, retainUntil, now,
	)
	if err != nil {
		return "", fmt.Errorf("archive: insert packet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("archive: commit: %w", err)
	}
	return "sql://decision_packets/" + packet.ID, nil
}

// Load implements Gateway.
func (g *SQLGateway) Load(ctx context.Context, packetID string) (*seal.DecisionPacket, error) {
	var data string
	err := g.db.QueryRowContext(ctx, `SELECT packet FROM decision_packets WHERE id = $1`, packetID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPacketNotFound, packetID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: load packet: %w", err)
	}

	var packet seal.DecisionPacket
	if err := json.Unmarshal([]byte(data), &packet); err != nil {
		return nil, fmt.Errorf("archive: unmarshal packet: %w", err)
	}
	return &packet, nil
}
