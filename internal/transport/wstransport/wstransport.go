// Package wstransport is the agent's duplex link to the backend: a
// reconnecting gorilla/websocket client that authenticates on connect,
// dispatches typed inbound events, and exposes a channel for outbound
// events. Adapted from ipiton-alert-history-service's server-side
// WebSocketHub (register/unregister/broadcast over channels, ping/pong
// keepalive, read/write pumps) to an outbound dialer that reconnects with
// cenkalti/backoff/v4 jittered backoff instead of accepting inbound
// upgrades.
package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

var log = logger.New("wstransport", "")

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Inbound event type names dispatched from the backend.
const (
	EventCommandExecute      = "command_execute"
	EventNewVersionAvailable = "new_version_available"
	EventAuthSuccess         = "auth_success"
	EventAuthFailed          = "auth_failed"
)

// Session lifecycle events the transport raises on its own, never received
// over the wire, so the orchestrator can track connection state through a
// reconnect cycle instead of only learning about the two terminal outcomes.
const (
	EventAuthenticating = "__ws_authenticating"
	EventDisconnected   = "__ws_disconnected"
	EventReconnecting   = "__ws_reconnecting"
)

// Outbound event type names emitted to the backend.
const (
	EventStatusUpdate  = "status_update"
	EventCommandResult = "command_result"
	EventUpdateStatus  = "update_status"
)

// Envelope is the wire shape of every message exchanged over the socket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Config collects the tunables Transport needs, mirrored from internal/config.Settings.
type Config struct {
	URL                 string
	Token               string
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxRetries int
}

// Handler receives a dispatched inbound event.
type Handler func(eventType string, payload json.RawMessage)

// Transport owns the connection lifecycle: dial, authenticate, read-pump,
// write-pump, and reconnect-with-backoff on any failure.
type Transport struct {
	cfg     Config
	handler Handler

	mu    sync.Mutex
	conn  *websocket.Conn
	token string

	outbound chan Envelope
}

// New builds a Transport. handler is invoked for every dispatched inbound
// event from the read pump goroutine.
func New(cfg Config, handler Handler) *Transport {
	return &Transport{
		cfg:      cfg,
		handler:  handler,
		token:    cfg.Token,
		outbound: make(chan Envelope, 256),
	}
}

// SetToken installs the bearer token presented on the next dial attempt. It
// does not affect a session already in progress.
func (t *Transport) SetToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

func (t *Transport) currentToken() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *Transport) notify(eventType string, payload json.RawMessage) {
	if t.handler != nil {
		t.handler(eventType, payload)
	}
}

// Run dials and maintains the connection until ctx is cancelled, reconnecting
// after any disconnect. Each wait before a reconnect is one jittered draw
// around ReconnectInitial from a fresh exponential backoff, so the delay does
// not grow across consecutive failures, and ReconnectMaxRetries does not
// limit the number of attempts.
func (t *Transport) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.notify(EventAuthenticating, nil)
		if err := t.runOnce(ctx); err != nil {
			log.WithError(err).Warn("websocket session ended, reconnecting")
			t.notify(EventDisconnected, nil)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.notify(EventReconnecting, nil)
		if err := t.waitBeforeReconnect(ctx); err != nil {
			return err
		}
	}
}

func (t *Transport) waitBeforeReconnect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.ReconnectInitial
	bo.MaxInterval = t.cfg.ReconnectMax

	d := bo.NextBackOff()
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Transport) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, http.Header{
		"Authorization": []string{"Bearer " + t.currentToken()},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", types.ErrWebSocketConnectionFailed, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	readErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		readErr <- t.readPump(conn, cancel)
	}()

	writeErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		writeErr <- t.writePump(sessionCtx, conn)
	}()

	wg.Wait()

	select {
	case err := <-readErr:
		if err != nil {
			return err
		}
	default:
	}
	select {
	case err := <-writeErr:
		if err != nil {
			return err
		}
	default:
	}
	return nil
}

func (t *Transport) readPump(conn *websocket.Conn, cancel context.CancelFunc) error {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%s: %w", types.ErrWebSocketConnectionFailed, err)
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.WithError(err).Warn("dropping malformed websocket message")
			continue
		}

		if env.Type == EventAuthFailed {
			t.notify(env.Type, env.Payload)
			return fmt.Errorf("%s: backend rejected credentials", types.ErrWebSocketAuthFailed)
		}

		t.notify(env.Type, env.Payload)
	}
}

func (t *Transport) writePump(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Closing the connection unblocks readPump's pending read.
			conn.Close()
			return nil

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("%s: %w", types.ErrWebSocketConnectionFailed, err)
			}

		case env := <-t.outbound:
			data, err := json.Marshal(env)
			if err != nil {
				log.WithError(err).Warn("dropping outbound event, marshal failed")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("%s: %w", types.ErrWebSocketConnectionFailed, err)
			}
		}
	}
}

// Send queues an outbound event. It is dropped if the transport is
// reconnecting and the outbound buffer is full.
func (t *Transport) Send(eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.WithError(err).Warn("dropping outbound event, marshal failed")
		return
	}

	select {
	case t.outbound <- Envelope{Type: eventType, Payload: data}:
	default:
		log.Warn("outbound websocket buffer full, dropping event")
	}
}

// Connected reports whether a session is currently established.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// ParseURL validates the configured endpoint uses a secure websocket scheme.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "wss" {
		return nil, fmt.Errorf("insecure websocket scheme %q, wss required", u.Scheme)
	}
	return u, nil
}
