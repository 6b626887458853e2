package httptransport_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/transport/httptransport"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *httptransport.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return httptransport.New(httptransport.Config{
		BaseURL:        srv.URL,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    3,
		InitialDelay:   1 * time.Millisecond,
	})
}

func TestIdentifySucceeds(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agents/identify", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": "agent-1", "token": "tok"})
	})

	identity, err := client.Identify(t.Context(), "agent-1", types.Location{Room: "lab"})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", identity.AgentID)
	assert.Equal(t, "tok", identity.Token)
}

func TestDoWithRetryRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"agent_id": "agent-1", "token": "tok"})
	})

	_, err := client.Identify(t.Context(), "agent-1", types.Location{})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoWithRetryDoesNotRetryOn4xx(t *testing.T) {
	attempts := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Identify(t.Context(), "agent-1", types.Location{})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestCheckForUpdateNotAvailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"available": false})
	})

	desc, ok, err := client.CheckForUpdate(t.Context(), "1.0.0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, desc)
}
