package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/concord-engine/concord/pkg/deliberation"
)

// RemoteCapability invokes an agent running as an external HTTP service.
// The service exposes POST {endpoint}/produce and POST {endpoint}/vote,
// both taking the capability context and returning the corresponding
// output. Transport failures surface as capability errors and count
// toward the participant's strikes.
type RemoteCapability struct {
	endpoint string
	client   *http.Client
}

// NewRemoteCapability creates a capability backed by an agent endpoint.
func NewRemoteCapability(endpoint string) *RemoteCapability {
	return &RemoteCapability{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type remoteRequest struct {
	Question   string                   `json:"question"`
	Role       string                   `json:"role"`
	Phase      deliberation.Phase       `json:"phase"`
	Transcript []deliberation.Statement `json:"transcript"`
}

// Produce implements Capability.
func (r *RemoteCapability) Produce(ctx context.Context, cc CapabilityContext) (Production, error) {
	var out Production
	if err := r.post(ctx, "/produce", cc, &out); err != nil {
		return Production{}, err
	}
	return out, nil
}

// Vote implements Capability.
func (r *RemoteCapability) Vote(ctx context.Context, cc CapabilityContext) (Ballot, error) {
	var out Ballot
	if err := r.post(ctx, "/vote", cc, &out); err != nil {
		return Ballot{}, err
	}
	if out.Choice == "" {
		out.Choice = deliberation.VoteAbstain
	}
	return out, nil
}

func (r *RemoteCapability) post(ctx context.Context, path string, cc CapabilityContext, out any) error {
	body, err := json.Marshal(remoteRequest{
		Question:   cc.Question,
		Role:       cc.Role,
		Phase:      cc.Phase,
		Transcript: cc.Transcript,
	})
	if err != nil {
		return fmt.Errorf("coordinator: encode capability request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("coordinator: build capability request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: invoke %s: %w", r.endpoint+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator: %s returned %d", r.endpoint+path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("coordinator: decode capability response: %w", err)
	}
	return nil
}
