package orchestrator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/config"
	"github.com/open-edge-platform/cms-agent/internal/orchestrator"
	"github.com/open-edge-platform/cms-agent/internal/queue"
	"github.com/open-edge-platform/cms-agent/internal/transport/httptransport"
	"github.com/open-edge-platform/cms-agent/internal/types"
	"github.com/open-edge-platform/cms-agent/internal/update"
	"github.com/open-edge-platform/cms-agent/internal/vault"
)

// newTestBackend serves both halves of the control plane a test orchestrator
// talks to: the REST identify endpoint, and a websocket endpoint that
// upgrades and immediately sends auth_success, mirroring a real handshake
// acknowledgement closely enough to exercise the real connection-attempt
// path instead of a stand-in.
func newTestBackend(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			_ = conn.WriteJSON(map[string]interface{}{"type": "auth_success", "payload": map[string]string{}})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
		if r.URL.Path == "/api/v1/agents/identify" {
			_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": "agent-1", "token": "test-token"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *httptest.Server) {
	t.Helper()

	srv := newTestBackend(t)

	dataRoot := t.TempDir()
	settings := &config.Settings{
		ServerBaseURL:          srv.URL,
		StatusReportInterval:   50 * time.Millisecond,
		TokenRefreshInterval:   time.Hour,
		CommandDefaultTimeout:  time.Second,
		CommandMaxParallel:     2,
		CommandQueueMaxSize:    8,
		WSReconnectDelayInitial: 10 * time.Millisecond,
		WSReconnectDelayMax:     20 * time.Millisecond,
		NetworkRetryMaxAttempts: 3,
		DataRoot:               dataRoot,
	}

	identity := &types.RuntimeIdentity{AgentID: "agent-1", EncryptedToken: nil}

	v, err := vault.New(filepath.Join(dataRoot, "host-id"))
	require.NoError(t, err)

	httpClient := httptransport.New(httptransport.Config{
		BaseURL:        srv.URL,
		RequestTimeout: time.Second,
		MaxAttempts:    1,
		InitialDelay:   time.Millisecond,
	})

	statusQ, err := queue.Open(filepath.Join(dataRoot, "offline_queue", "status_reports"), queue.Limits{MaxItems: 100})
	require.NoError(t, err)
	resultQ, err := queue.Open(filepath.Join(dataRoot, "offline_queue", "command_results"), queue.Limits{MaxItems: 100})
	require.NoError(t, err)
	errQ, err := queue.Open(filepath.Join(dataRoot, "error_reports"), queue.Limits{MaxItems: 100})
	require.NoError(t, err)

	pipeline := update.New(filepath.Join(dataRoot, "updates"))

	onCommand := func(ctx context.Context, req types.CommandRequest) types.CommandResult {
		return types.CommandResult{CommandID: req.CommandID, Success: true}
	}

	o := orchestrator.New(settings, identity, v, httpClient, orchestrator.Queues{
		StatusReports:  statusQ,
		CommandResults: resultQ,
		ErrorReports:   errQ,
	}, pipeline, onCommand, nil)

	return o, srv
}

func TestOrchestratorStartsInInitializingState(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	assert.Equal(t, types.StateInitializing, o.State())
}

func TestOrchestratorRunReachesConnectedAndStopsOnCancel(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return o.State() == types.StateConnected
	}, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	assert.Equal(t, types.StateStopping, o.State())
}
