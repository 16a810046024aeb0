package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/monitoring"
)

// HealthChecker probes one health dimension of a candidate version. A nil
// return means healthy; any error (including a deadline) fails the gate.
type HealthChecker interface {
	Check(ctx context.Context, agentType, versionID string) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context, agentType, versionID string) error

func (f HealthCheckFunc) Check(ctx context.Context, agentType, versionID string) error {
	return f(ctx, agentType, versionID)
}

// HealthRegistry maps check names to checkers. Plans reference checks by
// name; an unknown name fails the gate rather than silently passing.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthRegistry creates an empty registry.
func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{checkers: make(map[string]HealthChecker)}
}

// Register adds or replaces a named checker.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// Get looks up a checker by name.
func (r *HealthRegistry) Get(name string) (HealthChecker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	checker, ok := r.checkers[name]
	return checker, ok
}

// runChecks executes the named checks in order under a per-check timeout.
// The first failure stops the gate and is returned wrapped with the check
// name so callers can tell which dimension failed.
func (r *HealthRegistry) runChecks(ctx context.Context, names []string, agentType, versionID string, timeout time.Duration) error {
	for _, name := range names {
		checker, ok := r.Get(name)
		if !ok {
			return errors.NewHealthCheck(name, fmt.Errorf("unknown health check"))
		}

		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.Check(checkCtx, agentType, versionID)
		cancel()
		if err != nil {
			return errors.NewHealthCheck(name, err)
		}
	}
	return nil
}

// MetricThresholds bounds the built-in metric-backed health checks.
type MetricThresholds struct {
	// Maximum acceptable average response time in milliseconds
	MaxResponseTimeMs float64
	// Maximum acceptable average error rate (0..1)
	MaxErrorRate float64
	// Minimum acceptable average success rate (0..1)
	MinSuccessRate float64
	// Window of recent samples each check considers
	Window time.Duration
}

// DefaultThresholds are permissive enough for fresh deployments with
// little data while still catching clearly unhealthy versions.
func DefaultThresholds() MetricThresholds {
	return MetricThresholds{
		MaxResponseTimeMs: 2000,
		MaxErrorRate:      0.05,
		MinSuccessRate:    0.90,
		Window:            5 * time.Minute,
	}
}

// RegisterMetricChecks installs the standard response_time, error_rate, and
// success_rate checks backed by the metrics store. A version with no samples
// in the window passes; absence of evidence is not failure.
func RegisterMetricChecks(registry *HealthRegistry, store *monitoring.MetricsStore, thresholds MetricThresholds) {
	registry.Register("response_time", metricCheck(store, "agent.response_time", thresholds.Window,
		func(avg float64) error {
			if avg > thresholds.MaxResponseTimeMs {
				return fmt.Errorf("average response time %.1fms exceeds %.1fms", avg, thresholds.MaxResponseTimeMs)
			}
			return nil
		}))

	registry.Register("error_rate", metricCheck(store, "agent.error_rate", thresholds.Window,
		func(avg float64) error {
			if avg > thresholds.MaxErrorRate {
				return fmt.Errorf("average error rate %.3f exceeds %.3f", avg, thresholds.MaxErrorRate)
			}
			return nil
		}))

	registry.Register("success_rate", metricCheck(store, "agent.success_rate", thresholds.Window,
		func(avg float64) error {
			if avg < thresholds.MinSuccessRate {
				return fmt.Errorf("average success rate %.3f below %.3f", avg, thresholds.MinSuccessRate)
			}
			return nil
		}))
}

func metricCheck(store *monitoring.MetricsStore, metric string, window time.Duration, judge func(avg float64) error) HealthChecker {
	return HealthCheckFunc(func(ctx context.Context, agentType, versionID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeRange := monitoring.TimeRange{}
		if window > 0 {
			timeRange = store.Window(window)
		}

		count, err := store.Aggregate(metric, monitoring.AggCount, timeRange)
		if err != nil || count == 0 {
			return nil
		}
		avg, err := store.Aggregate(metric, monitoring.AggAvg, timeRange)
		if err != nil {
			return nil
		}
		return judge(avg)
	})
}
