package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/logging"
	"github.com/valifi/agentctl/pkg/types"
)

// RunFunc is the wrapped agent capability: execute one task on one version.
type RunFunc func(ctx context.Context, agentType, versionID, task, input string) (string, error)

// VersionRouter selects which version serves an execution. The
// orchestrator's traffic table satisfies this.
type VersionRouter interface {
	VersionForExecution(ctx context.Context, agentType string) (string, error)
}

// Executor drives one agent execution through the full pipeline:
// pre-execution admission, the run itself with retry, error handling,
// post-execution, and monitoring.
type Executor struct {
	manager *Manager
	router  VersionRouter
	run     RunFunc
	clock   clock.Clock
	logger  logging.Logger
}

// NewExecutor creates an executor around the wrapped run capability.
func NewExecutor(manager *Manager, router VersionRouter, run RunFunc, opts ...ExecutorOption) (*Executor, error) {
	if manager == nil {
		return nil, fmt.Errorf("pipeline manager is required")
	}
	if router == nil {
		return nil, fmt.Errorf("version router is required")
	}
	if run == nil {
		return nil, fmt.Errorf("run function is required")
	}

	e := &Executor{
		manager: manager,
		router:  router,
		run:     run,
		clock:   clock.New(),
		logger:  logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorClock injects a time source.
func WithExecutorClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// Execute runs one task through the pipeline. The returned error is either
// a RejectionError from admission control or an ExecutionError wrapping the
// final run failure after retries are exhausted.
func (e *Executor) Execute(ctx context.Context, agentType, task, input string) (string, error) {
	ectx := &types.EnhancementContext{
		AgentType: agentType,
		Task:      task,
		Input:     input,
		Metadata:  make(map[string]interface{}),
		Timestamp: e.clock.Now(),
	}

	if err := e.manager.Apply(types.PhasePreExecution, ectx); err != nil {
		return "", err
	}

	if hit, _ := ectx.Metadata[MetaCacheHit].(bool); hit {
		_ = e.manager.Apply(types.PhaseMonitoring, ectx)
		return ectx.Output, nil
	}

	versionID, err := e.router.VersionForExecution(ctx, agentType)
	if err != nil {
		return "", fmt.Errorf("no version available for %s: %w", agentType, err)
	}

	var lastRunErr error
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		started := e.clock.Now()
		output, runErr := e.run(ctx, agentType, versionID, task, input)
		ectx.Metadata[MetaDurationMs] = float64(e.clock.Now().Sub(started)) / float64(time.Millisecond)

		ectx.Output = output
		ectx.Err = runErr
		lastRunErr = runErr

		if runErr == nil {
			break
		}

		e.logger.Debug("execution attempt failed",
			logging.String("agent_type", agentType),
			logging.String("task", task),
			logging.Err(runErr))

		if err := e.manager.Apply(types.PhaseErrorHandling, ectx); err != nil {
			ectx.Err = err
		}

		// Fallback may have produced a degraded response.
		if ectx.Err == nil {
			break
		}

		if retry, _ := ectx.Metadata[MetaShouldRetry].(bool); retry {
			backoffMs, _ := ectx.Metadata[MetaRetryBackoffMs].(int64)
			delete(ectx.Metadata, MetaShouldRetry)

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-e.clock.After(time.Duration(backoffMs) * time.Millisecond):
			}
			continue
		}
		break
	}

	// One observation per logical execution, carrying the run outcome: the
	// breaker counts a retried-to-exhaustion execution as a single failure,
	// and a fallback response does not mask the underlying failure.
	outcome := *ectx
	outcome.Err = lastRunErr
	e.manager.Observe(&outcome)

	if ectx.Err == nil {
		if err := e.manager.Apply(types.PhasePostExecution, ectx); err != nil {
			ectx.Err = err
		}
	}

	_ = e.manager.Apply(types.PhaseMonitoring, ectx)

	if ectx.Err != nil {
		return "", errors.NewExecution(agentType, task, ectx.Err)
	}
	return ectx.Output, nil
}
