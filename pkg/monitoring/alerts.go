package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/events"
	"github.com/valifi/agentctl/pkg/logging"
	"github.com/valifi/agentctl/pkg/types"
)

// Rule is a pure predicate over the recent-metrics window. When Condition
// returns true and no unresolved alert with the rule's name exists, a new
// alert is created.
type Rule struct {
	Name      string
	Severity  types.AlertSeverity
	AgentType string
	Message   string
	Condition func(store *MetricsStore, window TimeRange) bool
}

// AlertEngine evaluates rules on a fixed period and manages alert lifecycle.
type AlertEngine struct {
	store      *MetricsStore
	bus        *events.Bus
	clock      clock.Clock
	logger     logging.Logger
	ruleWindow time.Duration
	notifyRate *rate.Limiter

	mu     sync.RWMutex
	rules  []Rule
	alerts map[string]*types.Alert // by alert ID
}

// EngineOption configures an AlertEngine.
type EngineOption func(*AlertEngine)

// WithEngineClock injects a time source.
func WithEngineClock(c clock.Clock) EngineOption {
	return func(e *AlertEngine) { e.clock = c }
}

// WithRuleWindow overrides the default 5-minute evaluation window.
func WithRuleWindow(d time.Duration) EngineOption {
	return func(e *AlertEngine) { e.ruleWindow = d }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l logging.Logger) EngineOption {
	return func(e *AlertEngine) { e.logger = l }
}

// WithNotifyLimiter overrides the bus notification limiter.
func WithNotifyLimiter(l *rate.Limiter) EngineOption {
	return func(e *AlertEngine) { e.notifyRate = l }
}

// NewAlertEngine creates an alert engine over the given metrics store.
// Alert bus notifications are rate limited so a misbehaving rule cannot
// flood subscribers.
func NewAlertEngine(store *MetricsStore, bus *events.Bus, opts ...EngineOption) *AlertEngine {
	e := &AlertEngine{
		store:      store,
		bus:        bus,
		clock:      clock.New(),
		logger:     logging.NopLogger{},
		ruleWindow: 5 * time.Minute,
		notifyRate: rate.NewLimiter(rate.Every(time.Second), 10),
		alerts:     make(map[string]*types.Alert),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRule registers a rule. Rules are evaluated in registration order.
func (e *AlertEngine) AddRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

// CreateAlert records an alert directly, bypassing rule evaluation. Firing
// while an unresolved alert with the same rule name exists is a no-op and
// returns the existing alert.
func (e *AlertEngine) CreateAlert(ruleName string, severity types.AlertSeverity, message, agentType string) *types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fireLocked(ruleName, severity, message, agentType)
}

func (e *AlertEngine) fireLocked(ruleName string, severity types.AlertSeverity, message, agentType string) *types.Alert {
	for _, existing := range e.alerts {
		if existing.RuleName == ruleName && existing.ResolvedAt == nil {
			return existing
		}
	}

	alert := &types.Alert{
		ID:        uuid.NewString(),
		RuleName:  ruleName,
		Severity:  severity,
		Message:   message,
		AgentType: agentType,
		Timestamp: e.clock.Now(),
	}
	e.alerts[alert.ID] = alert

	e.logger.Warn("alert created",
		logging.String("rule", ruleName),
		logging.String("severity", string(severity)),
		logging.String("agent_type", agentType))

	if e.bus != nil {
		if e.notifyRate.Allow() {
			e.bus.Emit(types.EventTypeAlertCreated, "monitoring", map[string]interface{}{
				"alert_id":   alert.ID,
				"rule":       ruleName,
				"severity":   string(severity),
				"agent_type": agentType,
				"message":    message,
			})
		} else {
			// The alert is still recorded; only the bus notification is shed.
			e.logger.Warn("alert notification dropped by rate limit",
				logging.String("alert_id", alert.ID),
				logging.String("rule", ruleName))
		}
	}

	alertCopy := *alert
	return &alertCopy
}

// Acknowledge marks an alert as acknowledged.
func (e *AlertEngine) Acknowledge(alertID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok {
		return errors.NewNotFound("alert", alertID)
	}
	alert.Acknowledged = true
	return nil
}

// Resolve closes an alert. Resolving an already resolved alert is an
// InvalidState error.
func (e *AlertEngine) Resolve(alertID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[alertID]
	if !ok {
		return errors.NewNotFound("alert", alertID)
	}
	if alert.ResolvedAt != nil {
		return errors.NewInvalidState("alert", alertID, "resolved", "already resolved")
	}

	now := e.clock.Now()
	alert.ResolvedAt = &now

	if e.bus != nil {
		e.bus.Emit(types.EventTypeAlertResolved, "monitoring", map[string]interface{}{
			"alert_id": alertID,
			"rule":     alert.RuleName,
		})
	}
	return nil
}

// Alerts returns all alerts, optionally only unresolved ones, newest first.
func (e *AlertEngine) Alerts(unresolvedOnly bool) []*types.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*types.Alert, 0, len(e.alerts))
	for _, alert := range e.alerts {
		if unresolvedOnly && alert.ResolvedAt != nil {
			continue
		}
		alertCopy := *alert
		out = append(out, &alertCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Evaluate runs every rule once against the current window.
func (e *AlertEngine) Evaluate() {
	window := TimeRange{From: e.clock.Now().Add(-e.ruleWindow)}

	e.mu.Lock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	for _, rule := range rules {
		if rule.Condition == nil || !rule.Condition(e.store, window) {
			continue
		}
		e.mu.Lock()
		e.fireLocked(rule.Name, rule.Severity, rule.Message, rule.AgentType)
		e.mu.Unlock()
	}
}

// Run evaluates rules on the given period until the context is cancelled.
func (e *AlertEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate()
		}
	}
}

// ThresholdRule builds a rule that fires when an aggregation of a metric
// over the window crosses a threshold.
func ThresholdRule(name, metric string, agg Aggregation, above float64, severity types.AlertSeverity, message string) Rule {
	return Rule{
		Name:     name,
		Severity: severity,
		Message:  message,
		Condition: func(store *MetricsStore, window TimeRange) bool {
			value, err := store.Aggregate(metric, agg, window)
			if err != nil {
				return false
			}
			count, _ := store.Aggregate(metric, AggCount, window)
			return count > 0 && value > above
		},
	}
}
