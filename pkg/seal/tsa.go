package seal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// TimestampAuthority is the external trusted-timestamping collaborator.
type TimestampAuthority interface {
	Timestamp(ctx context.Context, hash string) (TimestampToken, error)
}

// StaticAuthority is an in-process authority for development and tests. Its
// tokens bind the hash and issue time but carry no third-party trust.
type StaticAuthority struct {
	AuthorityID string
	clock       func() time.Time
}

// NewStaticAuthority creates a local authority.
func NewStaticAuthority(authorityID string) *StaticAuthority {
	return &StaticAuthority{AuthorityID: authorityID, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (a *StaticAuthority) WithClock(clock func() time.Time) *StaticAuthority {
	a.clock = clock
	return a
}

// Timestamp implements TimestampAuthority.
func (a *StaticAuthority) Timestamp(ctx context.Context, hash string) (TimestampToken, error) {
	if err := ctx.Err(); err != nil {
		return TimestampToken{}, err
	}
	now := a.clock().UTC()
	tok := sha256.Sum256([]byte(a.AuthorityID + "|" + hash + "|" + now.Format(time.RFC3339Nano)))
	return TimestampToken{
		Token:       hex.EncodeToString(tok[:]),
		AuthorityID: a.AuthorityID,
		Timestamp:   now,
	}, nil
}

// HTTPAuthority talks to a remote timestamp service. Requests are
// rate-limited so a burst of sealings cannot exhaust the authority's quota.
type HTTPAuthority struct {
	Endpoint    string
	AuthorityID string
	client      *http.Client
	limiter     *rate.Limiter
}

// NewHTTPAuthority creates a client for a remote authority.
func NewHTTPAuthority(endpoint, authorityID string) *HTTPAuthority {
	return &HTTPAuthority{
		Endpoint:    endpoint,
		AuthorityID: authorityID,
		client:      &http.Client{Timeout: 15 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(5), 10),
	}
}

type timestampRequest struct {
	Hash string `json:"hash"`
}

// Timestamp implements TimestampAuthority.
func (a *HTTPAuthority) Timestamp(ctx context.Context, hash string) (TimestampToken, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return TimestampToken{}, err
	}

	body, err := json.Marshal(timestampRequest{Hash: hash})
	if err != nil {
		return TimestampToken{}, fmt.Errorf("seal: marshal timestamp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return TimestampToken{}, fmt.Errorf("seal: build timestamp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return TimestampToken{}, fmt.Errorf("seal: timestamp authority: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return TimestampToken{}, fmt.Errorf("seal: timestamp authority status %d: %s", resp.StatusCode, payload)
	}

	var token TimestampToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return TimestampToken{}, fmt.Errorf("seal: decode timestamp token: %w", err)
	}
	if token.AuthorityID == "" {
		token.AuthorityID = a.AuthorityID
	}
	return token, nil
}
