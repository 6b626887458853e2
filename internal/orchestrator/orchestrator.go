// Package orchestrator is the agent's runtime orchestration kernel: the
// single state machine driving identification, authentication, connection,
// reporting, command execution, offline buffering, token refresh, and
// update handoff. The composition — context.WithCancelCause rooting
// cancellation, a sync.WaitGroup tracking background goroutines, and
// time.Ticker-driven periodic work reset per iteration — follows
// node-agent/cmd/node-agent/node-agent.go's main loop, generalized from
// that process's fixed set of heartbeat/token/status goroutines to the
// full connect/steady-state/reconnect state machine this agent needs.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-edge-platform/cms-agent/info"
	"github.com/open-edge-platform/cms-agent/internal/authutil"
	"github.com/open-edge-platform/cms-agent/internal/config"
	"github.com/open-edge-platform/cms-agent/internal/executor"
	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/queue"
	"github.com/open-edge-platform/cms-agent/internal/sampler"
	"github.com/open-edge-platform/cms-agent/internal/transport/httptransport"
	"github.com/open-edge-platform/cms-agent/internal/transport/wstransport"
	"github.com/open-edge-platform/cms-agent/internal/types"
	"github.com/open-edge-platform/cms-agent/internal/update"
	"github.com/open-edge-platform/cms-agent/internal/vault"
)

var log = logger.New("orchestrator", "")

// Queues groups the three durable offline queues the orchestrator drains
// and feeds.
type Queues struct {
	StatusReports  *queue.Queue
	CommandResults *queue.Queue
	ErrorReports   *queue.Queue
}

// Orchestrator owns the current agent state and all timers; every other
// component either reads the state or is driven by the orchestrator.
type Orchestrator struct {
	settings *config.Settings
	identity *types.RuntimeIdentity
	vault    *vault.Vault

	http *httptransport.Client
	ws   *wstransport.Transport

	queues   Queues
	exec     *executor.Executor
	pipeline *update.Pipeline

	onCommand func(ctx context.Context, req types.CommandRequest) types.CommandResult

	// onUpdateStaged is invoked once a new version has been downloaded,
	// verified, and extracted. It owns launching the updater process and
	// initiating this process's own graceful shutdown; the orchestrator
	// has no process handle of its own.
	onUpdateStaged func(stagedAgentPath string, desc types.UpdateDescriptor)

	// persistIdentity writes the current runtime identity (including a
	// refreshed token) back to disk. Nil in tests that don't care about
	// cross-restart persistence.
	persistIdentity func(id *types.RuntimeIdentity) error

	mu                 sync.RWMutex
	state              types.AgentState
	failureCount       int
	authRetried        bool
	inventorySubmitted bool
}

// New wires the orchestrator's collaborators. onCommand is the caller-
// supplied handler invoked for each inbound command_execute event.
// persistIdentity, if non-nil, is invoked with the current identity every
// time the bearer token is refreshed, so a restart reuses the new token
// instead of the one captured at enrollment.
func New(
	settings *config.Settings,
	identity *types.RuntimeIdentity,
	v *vault.Vault,
	httpClient *httptransport.Client,
	queues Queues,
	pipeline *update.Pipeline,
	onCommand func(ctx context.Context, req types.CommandRequest) types.CommandResult,
	persistIdentity func(id *types.RuntimeIdentity) error,
) *Orchestrator {
	o := &Orchestrator{
		settings:        settings,
		identity:        identity,
		vault:           v,
		http:            httpClient,
		queues:          queues,
		pipeline:        pipeline,
		onCommand:       onCommand,
		persistIdentity: persistIdentity,
		state:           types.StateInitializing,
	}
	o.exec = executor.New(o.runCommand, settings.CommandMaxParallel, settings.CommandQueueMaxSize)
	o.ws = wstransport.New(wstransport.Config{
		URL:                 wsURLFrom(settings.ServerBaseURL),
		ReconnectInitial:    settings.WSReconnectDelayInitial,
		ReconnectMax:        settings.WSReconnectDelayMax,
		ReconnectMaxRetries: settings.WSReconnectMaxAttempts,
	}, o.dispatch)
	return o
}

// wsURLFrom derives the websocket endpoint from the REST base URL by
// substituting the matching ws(s) scheme; the control plane serves both
// surfaces off the same host.
func wsURLFrom(serverBaseURL string) string {
	switch {
	case strings.HasPrefix(serverBaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverBaseURL, "https://")
	case strings.HasPrefix(serverBaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverBaseURL, "http://")
	default:
		return serverBaseURL
	}
}

// SetUpdateStagedHandler registers the callback invoked after a new version
// has been staged and is ready for the updater handoff.
func (o *Orchestrator) SetUpdateStagedHandler(h func(stagedAgentPath string, desc types.UpdateDescriptor)) {
	o.onUpdateStaged = h
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() types.AgentState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s types.AgentState) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		log.WithField("from", prev.String()).WithField("to", s.String()).Info("state transition")
	}
}

// Run drives the orchestrator until ctx is cancelled or an unrecoverable
// configuration error forces a terminal state.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.authenticate(ctx); err != nil {
		o.setState(types.StateConfigurationError)
		return fmt.Errorf("authentication failed at startup: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.ws.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("websocket transport stopped")
			o.reportError(ctx, types.ErrWebSocketConnectionFailed, "websocket transport loop exited", err.Error())
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.exec.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.drainResults(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.steadyStateLoop(ctx)
	}()

	wg.Wait()
	o.setState(types.StateStopping)
	return nil
}

// authenticate performs the one-time identify/token exchange at startup:
// step 1 of the connection-attempt policy. The handshake itself (step 2) is
// attempted by the websocket transport's Run loop once it starts; its
// outcome (auth_success/auth_failed) drives the remaining steps through
// dispatch.
func (o *Orchestrator) authenticate(ctx context.Context) error {
	o.setState(types.StateAuthenticating)

	if o.identity.EncryptedToken != nil {
		token, err := o.vault.Decrypt(o.identity.EncryptedToken)
		if err != nil {
			return fmt.Errorf("%s: %w", types.ErrTokenDecryptionFailed, err)
		}
		o.http.SetToken(token)
		o.ws.SetToken(token)
		o.logTokenExpiry(token)
		return nil
	}

	identity, err := o.http.Identify(ctx, o.identity.AgentID, o.identity.Location)
	if err != nil {
		return err
	}
	o.http.SetToken(identity.Token)
	o.ws.SetToken(identity.Token)
	o.logTokenExpiry(identity.Token)
	return nil
}

// logTokenExpiry logs a warning when the freshly obtained bearer token is
// already inside its refresh safety window, and its expiry at debug level
// otherwise. The control
// plane's periodic refresh (driven by TokenRefreshInterval) is the primary
// mechanism; this only flags a server-issued token with an unexpectedly
// short lifetime.
func (o *Orchestrator) logTokenExpiry(token string) {
	expiry, err := authutil.ExpiryFromJWT(token)
	if err != nil {
		return
	}
	if authutil.RefreshRequired(expiry) {
		log.WithField("expiry", expiry).Warn("bearer token is already within its refresh safety window")
	} else {
		log.WithField("expiry", expiry).Debug("bearer token expiry")
	}
}

// steadyStateLoop drives status reporting, token refresh, and update
// checks on their own intervals, following node-agent main.go's per-
// goroutine ticker idiom.
func (o *Orchestrator) steadyStateLoop(ctx context.Context) {
	statusTicker := time.NewTicker(o.settings.StatusReportInterval)
	defer statusTicker.Stop()

	refreshTicker := time.NewTicker(o.settings.TokenRefreshInterval)
	defer refreshTicker.Stop()

	var updateTicker *time.Ticker
	if o.settings.AutoUpdateEnabled {
		updateTicker = time.NewTicker(o.settings.AutoUpdateInterval)
		defer updateTicker.Stop()
	}

	for {
		var updateC <-chan time.Time
		if updateTicker != nil {
			updateC = updateTicker.C
		}

		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			o.reportStatus(ctx)
		case <-refreshTicker.C:
			o.refreshToken(ctx)
		case <-updateC:
			o.checkForUpdate(ctx)
		}
	}
}

func (o *Orchestrator) reportStatus(ctx context.Context) {
	sample, err := sampler.Sample(ctx)
	if err != nil {
		log.WithError(err).Warn("failed sampling resource utilization")
		o.reportError(ctx, types.ErrStatusReportingFailed, "failed sampling resource utilization", err.Error())
		return
	}

	if o.ws.Connected() {
		o.ws.Send(wstransport.EventStatusUpdate, sample)
		return
	}

	if err := o.queues.StatusReports.Enqueue(sample); err != nil {
		log.WithError(err).Error("failed enqueuing status report while offline")
	}
}

// refreshToken obtains a new bearer token and persists it, per the
// connection-attempt policy's step 3 ("obtain a new token, persist it").
// persistIdentity is invoked after every successful refresh, not only the
// first-ever enroll, so a refreshed token survives a restart.
func (o *Orchestrator) refreshToken(ctx context.Context) {
	token, err := o.http.RefreshToken(ctx)
	if err != nil {
		log.WithError(err).Warn("token refresh failed, remaining on current token")
		o.reportError(ctx, types.ErrHTTPRequestFailed, "token refresh failed", err.Error())
		return
	}
	o.http.SetToken(token)
	o.ws.SetToken(token)
	o.logTokenExpiry(token)

	encrypted, err := o.vault.Encrypt(token)
	if err != nil {
		log.WithError(err).Error("failed encrypting refreshed token for persistence")
		return
	}
	o.identity.EncryptedToken = encrypted

	if o.persistIdentity != nil {
		if err := o.persistIdentity(o.identity); err != nil {
			log.WithError(err).Error("failed persisting refreshed token")
		}
	}
}

func (o *Orchestrator) checkForUpdate(ctx context.Context) {
	desc, ok, err := o.http.CheckForUpdate(ctx, info.Version)
	if err != nil {
		log.WithError(err).Warn("update check failed")
		o.reportError(ctx, types.ErrHTTPRequestFailed, "update check failed", err.Error())
		return
	}
	if !ok {
		return
	}
	o.applyUpdate(ctx, *desc)
}

func (o *Orchestrator) applyUpdate(ctx context.Context, desc types.UpdateDescriptor) {
	o.setState(types.StateUpdating)
	o.ws.Send(wstransport.EventUpdateStatus, map[string]string{"status": "update_started"})

	stagedAgentPath, err := o.pipeline.Stage(ctx, desc, func() {
		o.ws.Send(wstransport.EventUpdateStatus, map[string]string{"status": "update_downloaded"})
	})
	if err != nil {
		reason := update.FailureReason(err)
		log.WithError(err).WithField("reason", reason).Error("update pipeline failed")
		o.ws.Send(wstransport.EventUpdateStatus, map[string]string{"status": "update_failed", "reason": reason})
		o.reportError(ctx, update.ErrorKindFor(err), "update pipeline failed", err.Error())
		o.setState(types.StateConnected)
		return
	}

	if o.onUpdateStaged != nil {
		o.onUpdateStaged(stagedAgentPath, desc)
	}
}

// dispatch handles a typed inbound websocket event, including the three
// session-lifecycle pseudo-events the transport raises on itself (see
// wstransport.EventAuthenticating/EventDisconnected/EventReconnecting).
func (o *Orchestrator) dispatch(eventType string, payload json.RawMessage) {
	switch eventType {
	case wstransport.EventCommandExecute:
		var req types.CommandRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.WithError(err).Warn("dropping malformed command_execute event")
			return
		}
		if req.Timeout <= 0 {
			req.Timeout = o.settings.CommandDefaultTimeout
		}
		if err := o.exec.Submit(req); err != nil {
			log.WithError(err).WithField("command_id", req.CommandID).Warn("command rejected, queue full")
		}

	case wstransport.EventNewVersionAvailable:
		var desc types.UpdateDescriptor
		if err := json.Unmarshal(payload, &desc); err != nil {
			log.WithError(err).Warn("dropping malformed new_version_available event")
			return
		}
		go o.applyUpdate(context.Background(), desc)

	case wstransport.EventAuthSuccess:
		o.mu.Lock()
		o.failureCount = 0
		o.authRetried = false
		o.mu.Unlock()
		o.setState(types.StateConnected)
		go o.onConnected(context.Background())

	case wstransport.EventAuthFailed:
		go o.handleAuthFailed(context.Background())

	case wstransport.EventDisconnected:
		if o.State() == types.StateConnected {
			o.setState(types.StateDisconnected)
		}

	case wstransport.EventReconnecting:
		o.setState(types.StateReconnecting)

	case wstransport.EventAuthenticating:
		o.setState(types.StateAuthenticating)

	default:
		log.WithField("event_type", eventType).Debug("ignoring unhandled event type")
	}
}

// handleAuthFailed implements steps 3-4 of the connection-attempt policy: on
// the first auth failure of a connection cycle, refresh the token and let
// the transport's own reconnect loop retry the handshake once with the new
// token; on a second consecutive failure, count it against
// network_retry_max_attempts and fall back to RECONNECTING or OFFLINE.
func (o *Orchestrator) handleAuthFailed(ctx context.Context) {
	o.mu.Lock()
	retried := o.authRetried
	o.mu.Unlock()

	if !retried {
		o.mu.Lock()
		o.authRetried = true
		o.mu.Unlock()
		log.Warn("authentication failed, refreshing token and retrying once")
		o.refreshToken(ctx)
		return
	}

	o.mu.Lock()
	o.authRetried = false
	o.failureCount++
	count := o.failureCount
	o.mu.Unlock()

	o.reportError(ctx, types.ErrWebSocketAuthFailed, "authentication failed after token refresh", fmt.Sprintf("attempt %d", count))

	if count > o.settings.NetworkRetryMaxAttempts {
		o.setState(types.StateOffline)
	} else {
		o.setState(types.StateReconnecting)
	}
}

// onConnected runs the steady-state entry sequence once per successful
// connection: a best-effort one-shot hardware inventory submission followed
// by draining whatever accumulated in the offline queues while disconnected.
func (o *Orchestrator) onConnected(ctx context.Context) {
	o.mu.RLock()
	alreadySubmitted := o.inventorySubmitted
	o.mu.RUnlock()

	if !alreadySubmitted {
		inv, err := sampler.Inventory(ctx)
		if err != nil {
			log.WithError(err).Warn("failed collecting hardware inventory")
			o.reportError(ctx, types.ErrHardwareInfoCollectFailed, "failed collecting hardware inventory", err.Error())
		} else if err := o.http.SubmitInventory(ctx, inv); err != nil {
			log.WithError(err).Warn("failed submitting hardware inventory")
			o.reportError(ctx, types.ErrHardwareInfoCollectFailed, "failed submitting hardware inventory", err.Error())
		} else {
			o.mu.Lock()
			o.inventorySubmitted = true
			o.mu.Unlock()
		}
	}

	o.drainQueues(ctx)
}

// drainQueues empties the three offline queues in the order spec'd for
// steady-state entry: status reports, command results, error reports.
func (o *Orchestrator) drainQueues(ctx context.Context) {
	o.drain(o.queues.StatusReports, func(payload json.RawMessage) error {
		if !o.ws.Connected() {
			return fmt.Errorf("websocket not connected")
		}
		o.ws.Send(wstransport.EventStatusUpdate, payload)
		return nil
	})
	o.drain(o.queues.CommandResults, func(payload json.RawMessage) error {
		if !o.ws.Connected() {
			return fmt.Errorf("websocket not connected")
		}
		o.ws.Send(wstransport.EventCommandResult, payload)
		return nil
	})
	o.drain(o.queues.ErrorReports, func(payload json.RawMessage) error {
		var agentErr types.AgentError
		if err := json.Unmarshal(payload, &agentErr); err != nil {
			return err
		}
		return o.http.ReportError(ctx, &agentErr)
	})
}

// drain sends every queued item, oldest first, through send, removing each
// one as soon as it is delivered. It stops at the first failure, leaving the
// remainder for the next drain.
func (o *Orchestrator) drain(q *queue.Queue, send func(payload json.RawMessage) error) {
	items, err := q.Peek(-1)
	if err != nil {
		log.WithError(err).Error("failed reading offline queue for drain")
		return
	}
	if len(items) == 0 {
		return
	}

	sent := make([]string, 0, len(items))
	for _, item := range items {
		if err := send(item.Payload); err != nil {
			log.WithError(err).Warn("stopping offline queue drain, send failed")
			break
		}
		sent = append(sent, item.ID)
	}

	if len(sent) > 0 {
		if err := q.Remove(sent); err != nil {
			log.WithError(err).Error("failed removing drained offline queue items")
		}
	}
}

// reportError files an AgentError with the backend, falling back to the
// durable error-report queue when the live POST fails. This is the single
// sink for the "every unexpected failure becomes an error report" failure
// model.
func (o *Orchestrator) reportError(ctx context.Context, kind types.ErrorKind, message, details string) {
	agentErr := types.NewAgentError(kind, message, details)
	if err := o.http.ReportError(ctx, agentErr); err != nil {
		log.WithError(err).Warn("failed reporting error to backend, queuing offline")
		if qerr := o.queues.ErrorReports.Enqueue(agentErr); qerr != nil {
			log.WithError(qerr).Error("failed enqueuing error report while offline")
		}
	}
}

func (o *Orchestrator) runCommand(ctx context.Context, req types.CommandRequest) types.CommandResult {
	if o.onCommand == nil {
		return types.CommandResult{
			CommandID:    req.CommandID,
			Success:      false,
			ErrorKind:    types.ErrCommandExecutionFailed,
			ErrorMessage: "no command handler configured",
		}
	}
	return o.onCommand(ctx, req)
}

// drainResults publishes executor results over the websocket, falling back
// to the offline queue on failure, preserving per-kind FIFO ordering on a
// later drain.
func (o *Orchestrator) drainResults(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-o.exec.Results():
			if !ok {
				return
			}
			if result.ErrorKind == types.ErrCommandQueueFull {
				o.reportError(ctx, types.ErrCommandQueueFull, "command dropped from intake queue", result.CommandID)
			}
			if o.ws.Connected() {
				o.ws.Send(wstransport.EventCommandResult, result)
				continue
			}
			if err := o.queues.CommandResults.Enqueue(result); err != nil {
				log.WithError(err).Error("failed enqueuing command result while offline")
			}
		}
	}
}
