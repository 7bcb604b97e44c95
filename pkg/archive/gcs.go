package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/concord-engine/concord/pkg/seal"
)

// GCSGateway implements Gateway on Google Cloud Storage. Write-once comes
// from the DoesNotExist precondition; retention from a per-object temporary
// hold plus custom-time metadata a bucket lifecycle rule can act on.
type GCSGateway struct {
	bucket *storage.BucketHandle
	name   string
	prefix string
	clock  func() time.Time
}

// NewGCSGateway creates a GCS-backed archive.
func NewGCSGateway(client *storage.Client, bucket string) *GCSGateway {
	return &GCSGateway{
		bucket: client.Bucket(bucket),
		name:   bucket,
		prefix: "decision-packets/",
		clock:  time.Now,
	}
}

func (g *GCSGateway) object(packetID string) string {
	return g.prefix + packetID + ".json"
}

// Store implements Gateway.
func (g *GCSGateway) Store(ctx context.Context, packet *seal.DecisionPacket, retention seal.Retention) (string, error) {
	data, err := json.Marshal(packet)
	if err != nil {
		return "", fmt.Errorf("archive: marshal packet: %w", err)
	}

	obj := g.bucket.Object(g.object(packet.ID)).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.TemporaryHold = true
	w.CustomTime = g.clock().UTC().AddDate(0, 0, retention.Days)
	w.Metadata = map[string]string{
		"retention_mode": retention.Mode,
		"merkle_root":    packet.MerkleRoot,
	}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return "", fmt.Errorf("%w: %s", ErrAlreadyArchived, packet.ID)
		}
		return "", fmt.Errorf("archive: gcs close: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", g.name, g.object(packet.ID)), nil
}

// Load implements Gateway.
func (g *GCSGateway) Load(ctx context.Context, packetID string) (*seal.DecisionPacket, error) {
	r, err := g.bucket.Object(g.object(packetID)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPacketNotFound, packetID)
		}
		return nil, fmt.Errorf("archive: gcs open: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs read: %w", err)
	}

	var packet seal.DecisionPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, fmt.Errorf("archive: unmarshal packet: %w", err)
	}
	return &packet, nil
}
