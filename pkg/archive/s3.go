package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/concord-engine/concord/pkg/seal"
)

// S3Gateway implements Gateway on S3 Object Lock. Compliance-mode retention
// makes the object undeletable and unmodifiable until retain-until passes,
// which is the WORM guarantee the packet contract requires.
type S3Gateway struct {
	client *s3.Client
	bucket string
	prefix string
	clock  func() time.Time
}

// NewS3Gateway creates an S3-backed archive. The bucket must be created
// with object lock enabled.
func NewS3Gateway(client *s3.Client, bucket string) *S3Gateway {
	return &S3Gateway{
		client: client,
		bucket: bucket,
		prefix: "decision-packets/",
		clock:  time.Now,
	}
}

func (g *S3Gateway) key(packetID string) string {
	return g.prefix + packetID + ".json"
}

// Store implements Gateway. If-None-Match makes the put conditional on the
// key not existing, so a duplicate store fails with a 412 instead of
// overwriting.
func (g *S3Gateway) Store(ctx context.Context, packet *seal.DecisionPacket, retention seal.Retention) (string, error) {
	data, err := json.Marshal(packet)
	if err != nil {
		return "", fmt.Errorf("archive: marshal packet: %w", err)
	}

	lockMode := s3types.ObjectLockModeGovernance
	if retention.Mode == "compliance" {
		lockMode = s3types.ObjectLockModeCompliance
	}
	retainUntil := g.clock().UTC().AddDate(0, 0, retention.Days)

	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:                    aws.String(g.bucket),
		Key:                       aws.String(g.key(packet.ID)),
		Body:                      bytes.NewReader(data),
		ContentType:               aws.String("application/json"),
		IfNoneMatch:               aws.String("*"),
		ObjectLockMode:            lockMode,
		ObjectLockRetainUntilDate: aws.Time(retainUntil),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return "", fmt.Errorf("%w: %s", ErrAlreadyArchived, packet.ID)
		}
		return "", fmt.Errorf("archive: s3 put: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", g.bucket, g.key(packet.ID)), nil
}

// Load implements Gateway.
func (g *S3Gateway) Load(ctx context.Context, packetID string) (*seal.DecisionPacket, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(g.key(packetID)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrPacketNotFound, packetID)
		}
		return nil, fmt.Errorf("archive: s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: s3 read: %w", err)
	}

	var packet seal.DecisionPacket
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, fmt.Errorf("archive: unmarshal packet: %w", err)
	}
	return &packet, nil
}
