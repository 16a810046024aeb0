package middleware

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/events"
	"github.com/valifi/agentctl/pkg/monitoring"
	"github.com/valifi/agentctl/pkg/types"
)

func fakeClock() *clock.Fake {
	return clock.NewFake(testStart)
}

func monitoringStore(t *testing.T) *monitoring.MetricsStore {
	t.Helper()
	return monitoring.NewMetricsStore()
}

type staticRouter struct{ versionID string }

func (r staticRouter) VersionForExecution(context.Context, string) (string, error) {
	if r.versionID == "" {
		return "", errors.NewNotFound("active version for", "a")
	}
	return r.versionID, nil
}

// flakyRun fails the first failures calls, then succeeds.
type flakyRun struct {
	mu       sync.Mutex
	calls    int
	failures int
	output   string
}

func (f *flakyRun) run(_ context.Context, _, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", fmt.Errorf("transient failure %d", f.calls)
	}
	return f.output, nil
}

func (f *flakyRun) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newPipeline(t *testing.T, run RunFunc) (*Executor, *Manager, *monitoring.MetricsStore) {
	t.Helper()

	store := monitoringStore(t)
	manager := NewManager(events.NewBus(), nil)
	for _, e := range NewDefaultSet(fakeClock(), store) {
		require.NoError(t, manager.Register(e))
	}

	executor, err := NewExecutor(manager, staticRouter{versionID: "v1"}, run,
		WithExecutorClock(fakeClock()))
	require.NoError(t, err)
	return executor, manager, store
}

func TestExecuteHappyPath(t *testing.T) {
	run := &flakyRun{output: "done"}
	executor, _, store := newPipeline(t, run.run)

	out, err := executor.Execute(context.Background(), "a", "summarize", "document text")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 1, run.count())

	// The monitoring phase recorded the outcome.
	success, err := store.Aggregate("agent.success_rate", monitoring.AggAvg, monitoring.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, float64(1), success)
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	run := &flakyRun{failures: 2, output: "recovered"}
	executor, _, _ := newPipeline(t, run.run)

	out, err := executor.Execute(context.Background(), "a", "summarize", "doc")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 3, run.count())
}

func TestExecuteExhaustsRetries(t *testing.T) {
	run := &flakyRun{failures: 100}
	executor, manager, _ := newPipeline(t, run.run)
	// No fallback handler: the error must propagate.
	require.NoError(t, manager.Disable("a", "fallback"))

	_, err := executor.Execute(context.Background(), "a", "summarize", "doc")
	require.Error(t, err)

	var execErr *errors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "a", execErr.AgentType)

	// One initial attempt plus three retries.
	assert.Equal(t, 4, run.count())
}

func TestBreakerCountsOneFailurePerExecution(t *testing.T) {
	run := &flakyRun{failures: 1000}
	fake := fakeClock()

	manager := NewManager(events.NewBus(), nil)
	require.NoError(t, manager.Register(NewCircuitBreaker(fake)))
	require.NoError(t, manager.Register(NewRetry()))

	executor, err := NewExecutor(manager, staticRouter{versionID: "v1"}, run.run,
		WithExecutorClock(fake))
	require.NoError(t, err)

	// Five failing executions, each retried to exhaustion, count as five
	// breaker failures, not twenty.
	for i := 0; i < 5; i++ {
		_, err := executor.Execute(context.Background(), "a", fmt.Sprintf("task-%d", i), "in")
		require.Error(t, err, "call %d", i+1)

		var execErr *errors.ExecutionError
		require.ErrorAs(t, err, &execErr, "call %d must fail with the run error", i+1)
	}
	assert.Equal(t, 20, run.count())

	// The sixth call is rejected by the open circuit without running.
	_, err = executor.Execute(context.Background(), "a", "task-6", "in")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRejected)
	assert.Equal(t, 20, run.count())
}

func TestExecuteSecurityRejectionSkipsRun(t *testing.T) {
	run := &flakyRun{output: "never"}
	executor, _, _ := newPipeline(t, run.run)

	_, err := executor.Execute(context.Background(), "a", "summarize", "DROP TABLE users")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRejected)
	assert.Zero(t, run.count())
}

func TestExecuteDedupRunsBeforeCache(t *testing.T) {
	run := &flakyRun{output: "answer"}
	executor, _, _ := newPipeline(t, run.run)

	out, err := executor.Execute(context.Background(), "a", "ask", "question one")
	require.NoError(t, err)
	assert.Equal(t, "answer", out)

	// An identical request inside the dedup window is rejected before the
	// cache can serve it.
	_, err = executor.Execute(context.Background(), "a", "ask", "question one")
	assert.ErrorIs(t, err, errors.ErrRejected)
}

func TestExecuteCacheHitBypassesExecution(t *testing.T) {
	run := &flakyRun{output: "answer"}
	store := monitoringStore(t)
	manager := NewManager(events.NewBus(), nil)
	for _, e := range NewDefaultSet(fakeClock(), store) {
		require.NoError(t, manager.Register(e))
	}
	require.NoError(t, manager.Disable("a", "dedup"))

	executor, err := NewExecutor(manager, staticRouter{versionID: "v1"}, run.run,
		WithExecutorClock(fakeClock()))
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), "a", "ask", "question")
	require.NoError(t, err)
	out, err := executor.Execute(context.Background(), "a", "ask", "question")
	require.NoError(t, err)

	assert.Equal(t, "answer", out)
	assert.Equal(t, 1, run.count())
}

func TestExecuteFallbackProducesDegradedResponse(t *testing.T) {
	run := &flakyRun{failures: 100}

	fallback := NewFallback()
	fallback.SetHandler("a", func(*types.EnhancementContext) string {
		return "service degraded, try again later"
	})

	manager := NewManager(events.NewBus(), nil)
	require.NoError(t, manager.Register(NewRetry()))
	require.NoError(t, manager.Register(fallback))

	executor, err := NewExecutor(manager, staticRouter{versionID: "v1"}, run.run,
		WithExecutorClock(fakeClock()))
	require.NoError(t, err)

	out, err := executor.Execute(context.Background(), "a", "summarize", "doc")
	require.NoError(t, err)
	assert.Equal(t, "service degraded, try again later", out)

	// Retries still happened before the fallback engaged.
	assert.Equal(t, 4, run.count())
}

func TestExecuteNoVersionAvailable(t *testing.T) {
	manager := NewManager(events.NewBus(), nil)
	executor, err := NewExecutor(manager, staticRouter{}, (&flakyRun{}).run)
	require.NoError(t, err)

	_, err = executor.Execute(context.Background(), "a", "task", "in")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
