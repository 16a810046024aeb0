package middleware

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/monitoring"
	"github.com/valifi/agentctl/pkg/types"
)

// Policy constants for the built-in enhancements.
const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 60 * time.Second

	rateLimitMax    = 60
	rateLimitWindow = 60 * time.Second

	maxRetries       = 3
	retryBaseBackoff = time.Second

	dedupWindow = 5 * time.Second
	cacheTTL    = 5 * time.Minute
)

// Metadata keys the built-in enhancements communicate through.
const (
	MetaShouldRetry    = "should_retry"
	MetaRetryCount     = "retry_count"
	MetaRetryBackoffMs = "retry_backoff_ms"
	MetaCacheHit       = "cache_hit"
	MetaFallbackUsed   = "fallback_used"
	MetaDurationMs     = "duration_ms"
)

// NewDefaultSet builds the standard pipeline in its canonical order:
// safety and admission control before execution, retry before fallback in
// error handling, metrics last.
func NewDefaultSet(clk clock.Clock, metrics *monitoring.MetricsStore) []Enhancement {
	return []Enhancement{
		NewSecurityScan(),
		NewRateLimiter(clk),
		NewCircuitBreaker(clk),
		NewDedup(clk),
		NewCache(clk),
		NewRetry(),
		NewFallback(),
		NewHealthCheck(metrics),
	}
}

// --- circuit breaker ---

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type breakerEntry struct {
	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// CircuitBreaker rejects executions for an agent type after five
// consecutive failures and lets one probe through after a 60s cool-down.
// A successful execution closes the circuit and resets the count.
type CircuitBreaker struct {
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[string]*breakerEntry
}

// NewCircuitBreaker creates the circuit breaker enhancement.
func NewCircuitBreaker(clk clock.Clock) *CircuitBreaker {
	return &CircuitBreaker{clock: clk, entries: make(map[string]*breakerEntry)}
}

func (c *CircuitBreaker) ID() string                    { return "circuit_breaker" }
func (c *CircuitBreaker) Name() string                  { return "Circuit Breaker" }
func (c *CircuitBreaker) Phase() types.EnhancementPhase { return types.PhasePreExecution }

func (c *CircuitBreaker) entry(key string) *breakerEntry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[key]; ok {
		return e
	}
	e = &breakerEntry{}
	c.entries[key] = e
	return e
}

func (c *CircuitBreaker) Apply(ectx *types.EnhancementContext) error {
	e := c.entry(ectx.AgentType)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == breakerOpen {
		if c.clock.Now().Sub(e.openedAt) < breakerOpenDuration {
			return errors.NewRejection(c.ID(), "circuit breaker is open")
		}
		e.state = breakerHalfOpen
	}
	return nil
}

// Observe counts one run outcome per execution. Middleware rejections never
// reach here, and a retried execution counts as a single failure.
func (c *CircuitBreaker) Observe(ectx *types.EnhancementContext) {
	e := c.entry(ectx.AgentType)
	e.mu.Lock()
	defer e.mu.Unlock()

	if ectx.Err != nil {
		e.failures++
		if e.failures >= breakerFailureThreshold {
			e.state = breakerOpen
			e.openedAt = c.clock.Now()
		}
		return
	}

	e.failures = 0
	e.state = breakerClosed
}

// --- rate limiter ---

type limiterEntry struct {
	mu    sync.Mutex
	times []time.Time
}

// RateLimiter admits at most 60 executions per agent type in any sliding
// 60-second window.
type RateLimiter struct {
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[string]*limiterEntry
}

// NewRateLimiter creates the rate limiter enhancement.
func NewRateLimiter(clk clock.Clock) *RateLimiter {
	return &RateLimiter{clock: clk, entries: make(map[string]*limiterEntry)}
}

func (r *RateLimiter) ID() string                    { return "rate_limiter" }
func (r *RateLimiter) Name() string                  { return "Rate Limiter" }
func (r *RateLimiter) Phase() types.EnhancementPhase { return types.PhasePreExecution }

func (r *RateLimiter) entry(key string) *limiterEntry {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[key]; ok {
		return e
	}
	e = &limiterEntry{}
	r.entries[key] = e
	return e
}

func (r *RateLimiter) Apply(ectx *types.EnhancementContext) error {
	e := r.entry(ectx.AgentType)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-rateLimitWindow)
	kept := e.times[:0]
	for _, t := range e.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.times = kept

	if len(e.times) >= rateLimitMax {
		return errors.NewRejection(r.ID(), "rate limit exceeded")
	}
	e.times = append(e.times, now)
	return nil
}

// --- retry ---

type retryEntry struct {
	mu    sync.Mutex
	count int
}

// Retry marks failed executions for re-attempt with exponential backoff,
// up to three retries per agent type and task. The fourth consecutive
// failure clears the counter and lets the error propagate.
type Retry struct {
	mu      sync.RWMutex
	entries map[string]*retryEntry
}

// NewRetry creates the retry enhancement.
func NewRetry() *Retry {
	return &Retry{entries: make(map[string]*retryEntry)}
}

func (r *Retry) ID() string                    { return "retry" }
func (r *Retry) Name() string                  { return "Retry" }
func (r *Retry) Phase() types.EnhancementPhase { return types.PhaseErrorHandling }

func retryKey(ectx *types.EnhancementContext) string {
	return ectx.AgentType + "/" + ectx.Task
}

func (r *Retry) entry(key string) *retryEntry {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[key]; ok {
		return e
	}
	e = &retryEntry{}
	r.entries[key] = e
	return e
}

func (r *Retry) Apply(ectx *types.EnhancementContext) error {
	if ectx.Err == nil || stderrors.Is(ectx.Err, errors.ErrRejected) {
		return nil
	}

	key := retryKey(ectx)
	e := r.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.count++
	if e.count > maxRetries {
		e.count = 0
		return nil
	}

	if ectx.Metadata == nil {
		ectx.Metadata = make(map[string]interface{})
	}
	ectx.Metadata[MetaShouldRetry] = true
	ectx.Metadata[MetaRetryCount] = e.count
	ectx.Metadata[MetaRetryBackoffMs] = int64(retryBaseBackoff/time.Millisecond) << (e.count - 1)
	return nil
}

// Observe clears the counter once an execution succeeds.
func (r *Retry) Observe(ectx *types.EnhancementContext) {
	if ectx.Err != nil {
		return
	}

	key := retryKey(ectx)
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.count = 0
	e.mu.Unlock()
}

// --- dedup ---

// Dedup rejects a repeat of a task seen within the last five seconds for
// the same agent type. The key is the agent type and task; input is not
// part of it.
type Dedup struct {
	clock clock.Clock
	mu    sync.Mutex
	seen  map[string]time.Time
}

// NewDedup creates the deduplication enhancement.
func NewDedup(clk clock.Clock) *Dedup {
	return &Dedup{clock: clk, seen: make(map[string]time.Time)}
}

func (d *Dedup) ID() string                    { return "dedup" }
func (d *Dedup) Name() string                  { return "Deduplication" }
func (d *Dedup) Phase() types.EnhancementPhase { return types.PhasePreExecution }

func (d *Dedup) Apply(ectx *types.EnhancementContext) error {
	key := ectx.AgentType + "/" + ectx.Task

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < dedupWindow {
		return errors.NewRejection(d.ID(), "duplicate request detected")
	}

	// Opportunistic prune keeps the map bounded under churn.
	if len(d.seen) > 10000 {
		for k, t := range d.seen {
			if now.Sub(t) >= dedupWindow {
				delete(d.seen, k)
			}
		}
	}

	d.seen[key] = now
	return nil
}

// --- cache ---

type cacheEntry struct {
	output   string
	storedAt time.Time
}

// Cache serves a stored output for a repeat of a task within a five-minute
// TTL, skipping execution entirely on a hit. Keyed by agent type and task,
// like dedup.
type Cache struct {
	clock   clock.Clock
	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache creates the cache enhancement.
func NewCache(clk clock.Clock) *Cache {
	return &Cache{clock: clk, entries: make(map[string]cacheEntry)}
}

func (c *Cache) ID() string                    { return "cache" }
func (c *Cache) Name() string                  { return "Result Cache" }
func (c *Cache) Phase() types.EnhancementPhase { return types.PhasePreExecution }

func cacheKey(ectx *types.EnhancementContext) string {
	return ectx.AgentType + "/" + ectx.Task
}

func (c *Cache) Apply(ectx *types.EnhancementContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(ectx)]
	if !ok || c.clock.Now().Sub(entry.storedAt) >= cacheTTL {
		return nil
	}

	ectx.Output = entry.output
	if ectx.Metadata == nil {
		ectx.Metadata = make(map[string]interface{})
	}
	ectx.Metadata[MetaCacheHit] = true
	return nil
}

// Observe stores the output of a successful, non-cached execution.
func (c *Cache) Observe(ectx *types.EnhancementContext) {
	if ectx.Err != nil || ectx.Output == "" {
		return
	}
	if hit, _ := ectx.Metadata[MetaCacheHit].(bool); hit {
		return
	}

	c.mu.Lock()
	c.entries[cacheKey(ectx)] = cacheEntry{output: ectx.Output, storedAt: c.clock.Now()}
	c.mu.Unlock()
}

// --- security scan ---

var threatMarkers = []struct {
	marker string
	threat string
}{
	{"DROP TABLE", "sql injection"},
	{"<script>", "cross-site scripting"},
	{"../", "path traversal"},
}

// SecurityScan rejects inputs carrying well-known attack markers before
// they reach an agent.
type SecurityScan struct{}

// NewSecurityScan creates the security scan enhancement.
func NewSecurityScan() *SecurityScan { return &SecurityScan{} }

func (s *SecurityScan) ID() string                    { return "security_scan" }
func (s *SecurityScan) Name() string                  { return "Security Scan" }
func (s *SecurityScan) Phase() types.EnhancementPhase { return types.PhasePreExecution }

func (s *SecurityScan) Apply(ectx *types.EnhancementContext) error {
	var threats []string
	for _, m := range threatMarkers {
		if strings.Contains(ectx.Input, m.marker) {
			threats = append(threats, m.threat)
		}
	}
	if len(threats) > 0 {
		return errors.NewRejection(s.ID(),
			fmt.Sprintf("input contains potential threats: %s", strings.Join(threats, ", ")))
	}
	return nil
}

// --- fallback ---

// FallbackHandler produces a degraded response for a failed execution.
type FallbackHandler func(ectx *types.EnhancementContext) string

// Fallback replaces a failed execution's error with a degraded response
// when a handler is registered for the agent type. Retry gets first claim:
// an attempt flagged for retry is left alone.
type Fallback struct {
	mu             sync.RWMutex
	handlers       map[string]FallbackHandler
	defaultHandler FallbackHandler
}

// NewFallback creates the fallback enhancement with no handlers.
func NewFallback() *Fallback {
	return &Fallback{handlers: make(map[string]FallbackHandler)}
}

func (f *Fallback) ID() string                    { return "fallback" }
func (f *Fallback) Name() string                  { return "Fallback" }
func (f *Fallback) Phase() types.EnhancementPhase { return types.PhaseErrorHandling }

// SetHandler registers a per-agent-type fallback.
func (f *Fallback) SetHandler(agentType string, handler FallbackHandler) {
	f.mu.Lock()
	f.handlers[agentType] = handler
	f.mu.Unlock()
}

// SetDefault registers the fallback used when no per-type handler exists.
func (f *Fallback) SetDefault(handler FallbackHandler) {
	f.mu.Lock()
	f.defaultHandler = handler
	f.mu.Unlock()
}

func (f *Fallback) Apply(ectx *types.EnhancementContext) error {
	if ectx.Err == nil {
		return nil
	}
	if retry, _ := ectx.Metadata[MetaShouldRetry].(bool); retry {
		return nil
	}

	f.mu.RLock()
	handler, ok := f.handlers[ectx.AgentType]
	if !ok {
		handler = f.defaultHandler
	}
	f.mu.RUnlock()

	if handler == nil {
		return nil
	}

	ectx.Output = handler(ectx)
	ectx.Err = nil
	if ectx.Metadata == nil {
		ectx.Metadata = make(map[string]interface{})
	}
	ectx.Metadata[MetaFallbackUsed] = true
	return nil
}

// --- health check ---

// HealthCheck feeds per-execution outcome metrics into the metrics store,
// which the deployment health gates read back out.
type HealthCheck struct {
	metrics *monitoring.MetricsStore
}

// NewHealthCheck creates the health check enhancement.
func NewHealthCheck(metrics *monitoring.MetricsStore) *HealthCheck {
	return &HealthCheck{metrics: metrics}
}

func (h *HealthCheck) ID() string                    { return "health_check" }
func (h *HealthCheck) Name() string                  { return "Health Check" }
func (h *HealthCheck) Phase() types.EnhancementPhase { return types.PhaseMonitoring }

func (h *HealthCheck) Apply(ectx *types.EnhancementContext) error {
	if h.metrics == nil {
		return nil
	}

	tags := map[string]string{"agent_type": ectx.AgentType, "task": ectx.Task}

	if duration, ok := ectx.Metadata[MetaDurationMs].(float64); ok {
		h.metrics.Record("agent.response_time", duration, "ms", tags)
	}

	if ectx.Err != nil {
		h.metrics.Record("agent.error_rate", 1, "", tags)
		h.metrics.Record("agent.success_rate", 0, "", tags)
	} else {
		h.metrics.Record("agent.error_rate", 0, "", tags)
		h.metrics.Record("agent.success_rate", 1, "", tags)
	}
	return nil
}
