package wstransport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-edge-platform/cms-agent/internal/transport/wstransport"
)

func TestParseURLRejectsInsecureScheme(t *testing.T) {
	_, err := wstransport.ParseURL("ws://example.com/socket")
	assert.Error(t, err)
}

func TestParseURLAcceptsSecureScheme(t *testing.T) {
	u, err := wstransport.ParseURL("wss://example.com/socket")
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
}

func TestTransportDispatchesInboundEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var mu sync.Mutex
	received := make([]string, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		env := map[string]interface{}{
			"type":    "new_version_available",
			"payload": map[string]string{"version": "1.2.3"},
		}
		require.NoError(t, conn.WriteJSON(env))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	transport := wstransport.New(wstransport.Config{
		URL:                 wsURL,
		Token:               "test-token",
		ReconnectInitial:    10 * time.Millisecond,
		ReconnectMax:        50 * time.Millisecond,
		ReconnectMaxRetries: 1,
	}, func(eventType string, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, eventType)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go transport.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, evt := range received {
			if evt == "new_version_available" {
				return true
			}
		}
		return false
	}, 1*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Contains(t, received, "new_version_available")
	assert.Contains(t, received, wstransport.EventAuthenticating, "lifecycle event must precede the real handshake")
	mu.Unlock()
}
