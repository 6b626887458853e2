// Package httptransport is the authenticated REST client the agent uses to
// identify itself, refresh its token, submit hardware inventory, poll for
// updates, and report errors to the backend. Retries follow the
// cenkalti/backoff/v4 idiom used throughout the teacher pack (e.g.
// node-agent/internal/hostmgr_client.ConnectToHostMgr and
// reporting-agent/internal/sender.BackendSender.sendRequest), adapted from
// gRPC/HTTP-basic-auth calls to a bearer-token JSON REST API.
//
// No circuit-breaker library is present anywhere in the retrieved reference
// corpus, so the breaker that sits in front of retry is hand-rolled on the
// standard library.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

var log = logger.New("httptransport", "")

// breakerState is one of closed, open, or half-open.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// circuitBreaker trips after consecutive failures and short-circuits calls
// until a cooldown elapses, then allows a single trial call through before
// fully closing again.
type circuitBreaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	openedAt    time.Time
}

func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) >= breakerOpenDuration {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// The trial call is already in flight.
		return false
	default:
		return true
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= breakerFailureThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}

// ErrCircuitOpen is returned when the breaker is tripped and short-circuiting calls.
var ErrCircuitOpen = fmt.Errorf("circuit breaker open")

// Identity carries the enrollment result from the backend.
type Identity struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Client is the REST transport to the management backend.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	maxAttempts  uint64
	initialDelay time.Duration
	breaker      *circuitBreaker

	mu    sync.RWMutex
	token string
}

// Config collects the tunables Client needs, mirrored from internal/config.Settings.
type Config struct {
	BaseURL         string
	RequestTimeout  time.Duration
	MaxAttempts     int
	InitialDelay    time.Duration
}

// New builds a Client bound to a backend base URL.
func New(cfg Config) *Client {
	return &Client{
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		maxAttempts:  uint64(cfg.MaxAttempts),
		initialDelay: cfg.InitialDelay,
		breaker:      &circuitBreaker{},
	}
}

// SetToken installs the bearer token used for authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Identify registers the agent with the backend and returns the assigned
// identity and bearer token.
func (c *Client) Identify(ctx context.Context, agentID string, location types.Location) (*Identity, error) {
	body, err := json.Marshal(map[string]interface{}{
		"agent_id": agentID,
		"location": location,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal identify request: %w", err)
	}

	var identity Identity
	if err := c.doWithRetry(ctx, http.MethodPost, "/api/v1/agents/identify", body, &identity); err != nil {
		return nil, fmt.Errorf("%s: %w", types.ErrHTTPRequestFailed, err)
	}
	return &identity, nil
}

// RefreshToken exchanges the current token for a freshly issued one.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.doWithRetry(ctx, http.MethodPost, "/api/v1/agents/token/refresh", nil, &resp); err != nil {
		return "", fmt.Errorf("%s: %w", types.ErrHTTPRequestFailed, err)
	}
	return resp.Token, nil
}

// SubmitInventory reports the host's hardware inventory.
func (c *Client) SubmitInventory(ctx context.Context, inv types.HardwareInventory) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal inventory: %w", err)
	}
	if err := c.doWithRetry(ctx, http.MethodPost, "/api/v1/agents/inventory", body, nil); err != nil {
		return fmt.Errorf("%s: %w", types.ErrHTTPRequestFailed, err)
	}
	return nil
}

// CheckForUpdate polls for an available update. ok is false when the backend
// reports no pending update.
func (c *Client) CheckForUpdate(ctx context.Context, currentVersion string) (desc *types.UpdateDescriptor, ok bool, err error) {
	path := fmt.Sprintf("/api/v1/agents/update?current_version=%s", currentVersion)

	var resp struct {
		Available bool                    `json:"available"`
		Update    types.UpdateDescriptor  `json:"update"`
	}
	if err := c.doWithRetry(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, false, fmt.Errorf("%s: %w", types.ErrHTTPRequestFailed, err)
	}
	if !resp.Available {
		return nil, false, nil
	}
	return &resp.Update, true, nil
}

// ReportError sends a best-effort error report to the backend.
func (c *Client) ReportError(ctx context.Context, agentErr *types.AgentError) error {
	body, err := json.Marshal(agentErr)
	if err != nil {
		return fmt.Errorf("marshal error report: %w", err)
	}
	if err := c.doWithRetry(ctx, http.MethodPost, "/api/v1/agents/errors", body, nil); err != nil {
		return fmt.Errorf("%s: %w", types.ErrHTTPRequestFailed, err)
	}
	return nil
}

// doWithRetry performs the request with exponential backoff, short-circuited
// by the breaker. A non-nil out is populated by decoding the JSON response body.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte, out interface{}) error {
	if !c.breaker.allow() {
		return ErrCircuitOpen
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialDelay

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if token := c.currentToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("backend returned %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("backend returned %s: %s", resp.Status, string(data)))
		}

		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), c.maxAttempts))
	if err != nil {
		c.breaker.recordFailure()
		log.WithError(err).Warn("request failed after retries")
		return err
	}
	c.breaker.recordSuccess()
	return nil
}
