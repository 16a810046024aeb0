package middleware

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/monitoring"
	"github.com/valifi/agentctl/pkg/types"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func ectx(agentType, task, input string) *types.EnhancementContext {
	return &types.EnhancementContext{
		AgentType: agentType,
		Task:      task,
		Input:     input,
		Metadata:  make(map[string]interface{}),
		Timestamp: testStart,
	}
}

func TestCircuitBreakerOpensAfterFiveFailures(t *testing.T) {
	fake := clock.NewFake(testStart)
	breaker := NewCircuitBreaker(fake)

	for i := 0; i < 5; i++ {
		ctx := ectx("a", "task", "in")
		require.NoError(t, breaker.Apply(ctx))
		ctx.Err = fmt.Errorf("boom")
		breaker.Observe(ctx)
	}

	err := breaker.Apply(ectx("a", "task", "in"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRejected)
	assert.Equal(t, "circuit breaker is open", err.Error())
}

func TestCircuitBreakerHalfOpensAfterCooldown(t *testing.T) {
	fake := clock.NewFake(testStart)
	breaker := NewCircuitBreaker(fake)

	for i := 0; i < 5; i++ {
		ctx := ectx("a", "task", "in")
		ctx.Err = fmt.Errorf("boom")
		breaker.Observe(ctx)
	}
	require.Error(t, breaker.Apply(ectx("a", "task", "in")))

	// Still open just before the cool-down elapses.
	fake.Advance(59 * time.Second)
	require.Error(t, breaker.Apply(ectx("a", "task", "in")))

	fake.Advance(2 * time.Second)
	probe := ectx("a", "task", "in")
	require.NoError(t, breaker.Apply(probe))

	// A successful probe closes the circuit and resets the count.
	breaker.Observe(probe)
	for i := 0; i < 4; i++ {
		ctx := ectx("a", "task", "in")
		require.NoError(t, breaker.Apply(ctx))
		ctx.Err = fmt.Errorf("boom")
		breaker.Observe(ctx)
	}
	assert.NoError(t, breaker.Apply(ectx("a", "task", "in")))
}

func TestCircuitBreakerReopensOnFailedProbe(t *testing.T) {
	fake := clock.NewFake(testStart)
	breaker := NewCircuitBreaker(fake)

	for i := 0; i < 5; i++ {
		ctx := ectx("a", "task", "in")
		ctx.Err = fmt.Errorf("boom")
		breaker.Observe(ctx)
	}

	fake.Advance(breakerOpenDuration)
	probe := ectx("a", "task", "in")
	require.NoError(t, breaker.Apply(probe))
	probe.Err = fmt.Errorf("still broken")
	breaker.Observe(probe)

	assert.Error(t, breaker.Apply(ectx("a", "task", "in")))
}

func TestCircuitBreakerIsolatesAgentTypes(t *testing.T) {
	fake := clock.NewFake(testStart)
	breaker := NewCircuitBreaker(fake)

	for i := 0; i < 5; i++ {
		ctx := ectx("a", "task", "in")
		ctx.Err = fmt.Errorf("boom")
		breaker.Observe(ctx)
	}

	require.Error(t, breaker.Apply(ectx("a", "task", "in")))
	assert.NoError(t, breaker.Apply(ectx("b", "task", "in")))
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	fake := clock.NewFake(testStart)
	limiter := NewRateLimiter(fake)

	for i := 0; i < 60; i++ {
		require.NoError(t, limiter.Apply(ectx("a", "task", "in")), "request %d", i+1)
		fake.Advance(100 * time.Millisecond)
	}

	err := limiter.Apply(ectx("a", "task", "in"))
	require.Error(t, err)
	assert.Equal(t, "rate limit exceeded", err.Error())

	// Other agent types are unaffected.
	assert.NoError(t, limiter.Apply(ectx("b", "task", "in")))

	// Once the oldest admissions fall out of the window, capacity returns.
	fake.Advance(55 * time.Second)
	assert.NoError(t, limiter.Apply(ectx("a", "task", "in")))
}

func TestRetryBackoffSchedule(t *testing.T) {
	retry := NewRetry()

	wantBackoffs := []int64{1000, 2000, 4000}
	for i, want := range wantBackoffs {
		ctx := ectx("a", "task", "in")
		ctx.Err = fmt.Errorf("boom")
		require.NoError(t, retry.Apply(ctx))

		assert.Equal(t, true, ctx.Metadata[MetaShouldRetry], "attempt %d", i+1)
		assert.Equal(t, want, ctx.Metadata[MetaRetryBackoffMs], "attempt %d", i+1)
	}

	// Fourth consecutive failure: no retry, state cleared.
	ctx := ectx("a", "task", "in")
	ctx.Err = fmt.Errorf("boom")
	require.NoError(t, retry.Apply(ctx))
	_, retryFlag := ctx.Metadata[MetaShouldRetry]
	assert.False(t, retryFlag)

	// Cleared state starts the schedule over.
	ctx = ectx("a", "task", "in")
	ctx.Err = fmt.Errorf("boom")
	require.NoError(t, retry.Apply(ctx))
	assert.Equal(t, int64(1000), ctx.Metadata[MetaRetryBackoffMs])
}

func TestRetrySkipsRejections(t *testing.T) {
	retry := NewRetry()

	ctx := ectx("a", "task", "in")
	ctx.Err = errors.NewRejection("rate_limiter", "rate limit exceeded")
	require.NoError(t, retry.Apply(ctx))
	_, retryFlag := ctx.Metadata[MetaShouldRetry]
	assert.False(t, retryFlag)
}

func TestRetrySuccessClearsCount(t *testing.T) {
	retry := NewRetry()

	failed := ectx("a", "task", "in")
	failed.Err = fmt.Errorf("boom")
	require.NoError(t, retry.Apply(failed))

	succeeded := ectx("a", "task", "in")
	retry.Observe(succeeded)

	again := ectx("a", "task", "in")
	again.Err = fmt.Errorf("boom")
	require.NoError(t, retry.Apply(again))
	assert.Equal(t, int64(1000), again.Metadata[MetaRetryBackoffMs])
}

func TestDedupRejectsWithinWindow(t *testing.T) {
	fake := clock.NewFake(testStart)
	dedup := NewDedup(fake)

	require.NoError(t, dedup.Apply(ectx("a", "task", "same input")))

	err := dedup.Apply(ectx("a", "task", "same input"))
	require.Error(t, err)
	assert.Equal(t, "duplicate request detected", err.Error())

	// The key is the agent type and task: different input for the same task
	// is still a duplicate.
	err = dedup.Apply(ectx("a", "task", "other input"))
	assert.ErrorIs(t, err, errors.ErrRejected)

	// A different task is not a duplicate.
	assert.NoError(t, dedup.Apply(ectx("a", "other-task", "same input")))

	// The window expires.
	fake.Advance(dedupWindow)
	assert.NoError(t, dedup.Apply(ectx("a", "task", "same input")))
}

func TestCacheHitWithinTTL(t *testing.T) {
	fake := clock.NewFake(testStart)
	cache := NewCache(fake)

	miss := ectx("a", "task", "question")
	require.NoError(t, cache.Apply(miss))
	assert.Empty(t, miss.Output)

	miss.Output = "answer"
	cache.Observe(miss)

	hit := ectx("a", "task", "question")
	require.NoError(t, cache.Apply(hit))
	assert.Equal(t, "answer", hit.Output)
	assert.Equal(t, true, hit.Metadata[MetaCacheHit])

	// Keyed by agent type and task: a repeat with different input hits too.
	otherInput := ectx("a", "task", "rephrased question")
	require.NoError(t, cache.Apply(otherInput))
	assert.Equal(t, "answer", otherInput.Output)

	// A different task misses.
	otherTask := ectx("a", "other-task", "question")
	require.NoError(t, cache.Apply(otherTask))
	assert.Empty(t, otherTask.Output)

	fake.Advance(cacheTTL)
	expired := ectx("a", "task", "question")
	require.NoError(t, cache.Apply(expired))
	assert.Empty(t, expired.Output)
}

func TestCacheDoesNotStoreFailuresOrHits(t *testing.T) {
	fake := clock.NewFake(testStart)
	cache := NewCache(fake)

	failed := ectx("a", "task", "q")
	failed.Output = "partial"
	failed.Err = fmt.Errorf("boom")
	cache.Observe(failed)

	probe := ectx("a", "task", "q")
	require.NoError(t, cache.Apply(probe))
	assert.Empty(t, probe.Output)
}

func TestSecurityScanDetectsThreats(t *testing.T) {
	scan := NewSecurityScan()

	cases := []struct {
		input  string
		threat string
	}{
		{"please DROP TABLE users", "sql injection"},
		{"<script>alert(1)</script>", "cross-site scripting"},
		{"read ../../etc/passwd", "path traversal"},
	}
	for _, tc := range cases {
		err := scan.Apply(ectx("a", "task", tc.input))
		require.Error(t, err, tc.input)
		assert.ErrorIs(t, err, errors.ErrRejected)
		assert.Contains(t, err.Error(), tc.threat)
	}

	// Multiple markers are all reported.
	err := scan.Apply(ectx("a", "task", "DROP TABLE x; <script>"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql injection")
	assert.Contains(t, err.Error(), "cross-site scripting")

	assert.NoError(t, scan.Apply(ectx("a", "task", "summarize this document")))
}

func TestFallbackReplacesError(t *testing.T) {
	fallback := NewFallback()
	fallback.SetHandler("a", func(*types.EnhancementContext) string {
		return "degraded response"
	})

	ctx := ectx("a", "task", "in")
	ctx.Err = fmt.Errorf("boom")
	require.NoError(t, fallback.Apply(ctx))

	assert.NoError(t, ctx.Err)
	assert.Equal(t, "degraded response", ctx.Output)
	assert.Equal(t, true, ctx.Metadata[MetaFallbackUsed])
}

func TestFallbackYieldsToRetry(t *testing.T) {
	fallback := NewFallback()
	fallback.SetDefault(func(*types.EnhancementContext) string { return "degraded" })

	ctx := ectx("a", "task", "in")
	ctx.Err = fmt.Errorf("boom")
	ctx.Metadata[MetaShouldRetry] = true
	require.NoError(t, fallback.Apply(ctx))

	assert.Error(t, ctx.Err)
	assert.Empty(t, ctx.Output)
}

func TestFallbackNoHandlerLeavesError(t *testing.T) {
	fallback := NewFallback()

	ctx := ectx("a", "task", "in")
	ctx.Err = fmt.Errorf("boom")
	require.NoError(t, fallback.Apply(ctx))
	assert.Error(t, ctx.Err)
}

func TestHealthCheckRecordsOutcomeMetrics(t *testing.T) {
	store := monitoring.NewMetricsStore()
	health := NewHealthCheck(store)

	ok := ectx("a", "task", "in")
	ok.Metadata[MetaDurationMs] = 12.5
	require.NoError(t, health.Apply(ok))

	failed := ectx("a", "task", "in")
	failed.Err = fmt.Errorf("boom")
	require.NoError(t, health.Apply(failed))

	success, err := store.Aggregate("agent.success_rate", monitoring.AggAvg, monitoring.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, success)

	latency, err := store.Aggregate("agent.response_time", monitoring.AggAvg, monitoring.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 12.5, latency)
}
