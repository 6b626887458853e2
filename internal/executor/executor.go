// Package executor runs remote commands with a bounded intake queue,
// bounded parallelism, and per-command timeouts. The goroutine/channel/
// WaitGroup composition follows node-agent/cmd/node-agent's main loop
// idiom (context.WithCancelCause for shutdown, a WaitGroup tracking worker
// goroutines), generalized from that process's fixed set of background
// loops to a dynamic worker pool draining a command queue.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/open-edge-platform/cms-agent/internal/logger"
	"github.com/open-edge-platform/cms-agent/internal/types"
)

var log = logger.New("executor", "")

// Runner executes a single command and returns its result.
type Runner func(ctx context.Context, req types.CommandRequest) types.CommandResult

// Executor bounds how many commands are in flight and how many are queued
// waiting for a free worker.
type Executor struct {
	runner      Runner
	maxParallel int
	queueMax    int

	intake chan types.CommandRequest
	results chan types.CommandResult

	wg sync.WaitGroup
}

// New builds an Executor. runner is invoked once per accepted command.
func New(runner Runner, maxParallel, queueMax int) *Executor {
	return &Executor{
		runner:      runner,
		maxParallel: maxParallel,
		queueMax:    queueMax,
		intake:      make(chan types.CommandRequest, queueMax),
		results:     make(chan types.CommandResult, queueMax),
	}
}

// Submit enqueues a command for execution. When the intake queue is full,
// the oldest queued command is evicted to make room for req and a synthetic
// failure result is published for the evicted command, rather than
// rejecting the new arrival.
func (e *Executor) Submit(req types.CommandRequest) error {
	select {
	case e.intake <- req:
		return nil
	default:
	}

	select {
	case evicted := <-e.intake:
		e.publish(types.CommandResult{
			CommandID:    evicted.CommandID,
			Kind:         evicted.Kind,
			Success:      false,
			ErrorKind:    types.ErrCommandQueueFull,
			ErrorMessage: "command dropped from intake queue: queue full",
		})
	default:
		// A worker drained a slot between the two selects; fall through to
		// the retry below.
	}

	select {
	case e.intake <- req:
		return nil
	default:
		return types.NewAgentError(types.ErrCommandQueueFull, "command queue is full", req.CommandID)
	}
}

// Results is the channel command results are published on as they complete.
func (e *Executor) Results() <-chan types.CommandResult {
	return e.results
}

// Run starts maxParallel worker goroutines draining the intake queue until
// ctx is cancelled, then waits for in-flight commands to finish.
func (e *Executor) Run(ctx context.Context) {
	for i := 0; i < e.maxParallel; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.wg.Wait()
	close(e.results)
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-e.intake:
			if !ok {
				return
			}
			e.execute(ctx, req)
		}
	}
}

func (e *Executor) execute(ctx context.Context, req types.CommandRequest) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan types.CommandResult, 1)
	go func() {
		done <- e.runner(execCtx, req)
	}()

	select {
	case result := <-done:
		e.publish(result)
	case <-execCtx.Done():
		log.WithField("command_id", req.CommandID).Warn("command timed out")
		e.publish(types.CommandResult{
			CommandID:    req.CommandID,
			Kind:         req.Kind,
			Success:      false,
			ErrorKind:    types.ErrTimeout,
			ErrorMessage: "command exceeded its timeout",
		})
	}
}

func (e *Executor) publish(result types.CommandResult) {
	select {
	case e.results <- result:
	default:
		log.WithField("command_id", result.CommandID).Warn("dropping command result, results channel full")
	}
}
