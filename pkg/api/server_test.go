package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-engine/concord/pkg/api"
	"github.com/concord-engine/concord/pkg/archive"
	"github.com/concord-engine/concord/pkg/bus"
	"github.com/concord-engine/concord/pkg/coordinator"
	"github.com/concord-engine/concord/pkg/deliberation"
	"github.com/concord-engine/concord/pkg/policy"
	"github.com/concord-engine/concord/pkg/seal"
)

type approveCap struct{}

func (approveCap) Produce(_ context.Context, cc coordinator.CapabilityContext) (coordinator.Production, error) {
	return coordinator.Production{Content: "analysis of " + cc.Question, Confidence: 0.9}, nil
}

func (approveCap) Vote(context.Context, coordinator.CapabilityContext) (coordinator.Ballot, error) {
	return coordinator.Ballot{Choice: deliberation.VoteApprove, Confidence: 0.9}, nil
}

type testServer struct {
	*httptest.Server
	bus   *bus.MemoryBus
	coord *coordinator.Coordinator
	auth  *api.OperatorAuth
}

func newTestServer(t *testing.T, jwtSecret string) *testServer {
	t.Helper()

	b := bus.NewMemoryBus()
	gate, err := policy.NewGate()
	require.NoError(t, err)

	signer := seal.NewLocalSigner()
	for i := 0; i < 3; i++ {
		_, err := signer.GenerateKey(fmt.Sprintf("key-agent-%d", i))
		require.NoError(t, err)
	}
	pipeline := seal.NewPipeline(signer, seal.NewStaticAuthority("tsa"),
		archive.NewMemoryGateway(), seal.Retention{Days: 30, Mode: "compliance"}).
		WithBackoff(1, time.Millisecond)

	coord := coordinator.New(b, gate, pipeline, coordinator.Options{
		HumanWindow: 50 * time.Millisecond,
		VoteTimeout: 500 * time.Millisecond,
	})

	caps := map[string]coordinator.Capability{
		"agent-0": approveCap{}, "agent-1": approveCap{}, "agent-2": approveCap{},
	}
	auth := api.NewOperatorAuth(jwtSecret)
	srv := api.NewServer(coord, b, nil, caps, auth)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, bus: b, coord: coord, auth: auth}
}

func (ts *testServer) startDeliberation(t *testing.T) string {
	t.Helper()
	body := `{
		"question": "roll out the change?",
		"participants": [
			{"id": "agent-0", "kind": "agent", "role": "analyst", "key_ref": "key-agent-0"},
			{"id": "agent-1", "kind": "agent", "role": "critic", "key_ref": "key-agent-1"},
			{"id": "agent-2", "kind": "agent", "role": "risk", "key_ref": "key-agent-2"}
		]
	}`
	resp, err := http.Post(ts.URL+"/v1/deliberations", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ID)
	return out.ID
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartAndGetState(t *testing.T) {
	ts := newTestServer(t, "")
	id := ts.startDeliberation(t)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/v1/deliberations/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st coordinator.State
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.Deliberation.Status == deliberation.StatusCompleted && st.Packet != nil
	}, 10*time.Second, 25*time.Millisecond)
}

func TestServer_StartRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Post(ts.URL+"/v1/deliberations", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/deliberations", "application/json",
		strings.NewReader(`{"question": "", "participants": []}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UnknownDeliberationIs404(t *testing.T) {
	ts := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/v1/deliberations/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/deliberations/nope/cancel", "application/json",
		strings.NewReader(`{"reason":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ResolveRequiresOperatorToken(t *testing.T) {
	ts := newTestServer(t, "test-secret")

	url := ts.URL + "/v1/deliberations/d1/violations/v1/resolve"

	// No token.
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token reaches the handler; the deliberation does not exist, so
	// the auth layer is what we are exercising here.
	token, err := ts.auth.IssueToken("operator@example.com")
	require.NoError(t, err)
	req, err = http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_StreamResumesFromSequence(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := ts.bus.Append(ctx, "d-stream", bus.Entry{
			Kind: bus.EntryStatement,
			Statement: &deliberation.Statement{
				ParticipantID: "agent-0",
				Phase:         deliberation.PhaseAnalysis,
				Kind:          deliberation.StatementNormal,
				Content:       fmt.Sprintf("statement %d", i),
			},
		})
		require.NoError(t, err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/deliberations/d-stream/stream?from=3"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Backlog from sequence 3, then live entries, in order with no gaps.
	for want := uint64(3); want <= 5; want++ {
		var e bus.Entry
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&e))
		assert.Equal(t, want, e.Sequence)
	}

	_, err = ts.bus.Append(ctx, "d-stream", bus.Entry{
		Kind:   bus.EntryStatus,
		Status: &bus.StatusChange{Status: deliberation.StatusActive},
	})
	require.NoError(t, err)

	var live bus.Entry
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, uint64(6), live.Sequence)
	assert.Equal(t, bus.EntryStatus, live.Kind)
}

func TestServer_VoteAndInputValidation(t *testing.T) {
	ts := newTestServer(t, "")
	id := ts.startDeliberation(t)

	// Voting for an unknown participant is a client error regardless of
	// phase.
	body, _ := json.Marshal(deliberation.Vote{ParticipantID: "ghost", Choice: deliberation.VoteApprove})
	resp, err := http.Post(ts.URL+"/v1/deliberations/"+id+"/votes", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Same for human input from someone off the roster.
	resp, err = http.Post(ts.URL+"/v1/deliberations/"+id+"/input", "application/json",
		strings.NewReader(`{"participant_id": "ghost", "content": "hello"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
