// Package middleware provides the composable enhancement pipeline that
// wraps every agent execution: resilience (circuit breaker, rate limiter,
// retry, fallback), efficiency (dedup, cache), and safety (security scan).
package middleware

import (
	"fmt"
	"sync"

	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/events"
	"github.com/valifi/agentctl/pkg/logging"
	"github.com/valifi/agentctl/pkg/types"
)

// Enhancement is one unit of the pipeline, bound to a single phase.
// Apply mutates the shared per-execution context; returning an error halts
// the phase for that execution.
type Enhancement interface {
	ID() string
	Name() string
	Phase() types.EnhancementPhase
	Apply(ectx *types.EnhancementContext) error
}

// Observer is implemented by enhancements that track outcomes across
// executions (circuit breaker failure counts, retry state, cache fills).
// Observe is called once per logical execution, after any retries resolve,
// with ectx.Err reflecting the run outcome.
type Observer interface {
	Observe(ectx *types.EnhancementContext)
}

// Presets bundle enhancements for common operating profiles. Applying a
// preset enables exactly its members for an agent type.
var Presets = map[string][]string{
	"high-reliability": {"retry", "circuit_breaker", "fallback", "health_check"},
	"high-throughput":  {"cache", "dedup", "rate_limiter"},
	"secure":           {"security_scan", "circuit_breaker", "rate_limiter"},
}

// Manager holds the registered enhancements and per-agent-type enablement.
// Enhancements run in registration order within a phase. A registered
// enhancement is enabled for every agent type until overridden.
type Manager struct {
	bus    *events.Bus
	logger logging.Logger

	mu        sync.RWMutex
	order     []Enhancement
	byID      map[string]Enhancement
	overrides map[string]map[string]bool // agentType -> enhancement id -> enabled
}

// NewManager creates an empty pipeline manager.
func NewManager(bus *events.Bus, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Manager{
		bus:       bus,
		logger:    logger,
		byID:      make(map[string]Enhancement),
		overrides: make(map[string]map[string]bool),
	}
}

// Register adds an enhancement to the pipeline. Registering a duplicate id
// is an error.
func (m *Manager) Register(e Enhancement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[e.ID()]; exists {
		return fmt.Errorf("enhancement %q already registered", e.ID())
	}
	m.byID[e.ID()] = e
	m.order = append(m.order, e)
	return nil
}

// Enable turns an enhancement on for one agent type.
func (m *Manager) Enable(agentType, enhancementID string) error {
	return m.setEnabled(agentType, enhancementID, true)
}

// Disable turns an enhancement off for one agent type.
func (m *Manager) Disable(agentType, enhancementID string) error {
	return m.setEnabled(agentType, enhancementID, false)
}

func (m *Manager) setEnabled(agentType, enhancementID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[enhancementID]; !exists {
		return errors.NewNotFound("enhancement", enhancementID)
	}
	if m.overrides[agentType] == nil {
		m.overrides[agentType] = make(map[string]bool)
	}
	m.overrides[agentType][enhancementID] = enabled
	return nil
}

// ApplyPreset enables exactly the preset's members for an agent type and
// disables every other registered enhancement for it.
func (m *Manager) ApplyPreset(agentType, preset string) error {
	members, ok := Presets[preset]
	if !ok {
		return errors.NewNotFound("preset", preset)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(members))
	for _, id := range members {
		if _, exists := m.byID[id]; !exists {
			return errors.NewNotFound("enhancement", id)
		}
		wanted[id] = true
	}

	overrides := make(map[string]bool, len(m.byID))
	for id := range m.byID {
		overrides[id] = wanted[id]
	}
	m.overrides[agentType] = overrides

	m.logger.Info("preset applied",
		logging.String("agent_type", agentType),
		logging.String("preset", preset))
	return nil
}

func (m *Manager) enabledLocked(agentType, enhancementID string) bool {
	if override, ok := m.overrides[agentType][enhancementID]; ok {
		return override
	}
	return true
}

// Enabled reports whether an enhancement applies to an agent type.
func (m *Manager) Enabled(agentType, enhancementID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabledLocked(agentType, enhancementID)
}

// active returns the enabled enhancements for a phase in registration order.
func (m *Manager) active(agentType string, phase types.EnhancementPhase) []Enhancement {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Enhancement
	for _, e := range m.order {
		if e.Phase() == phase && m.enabledLocked(agentType, e.ID()) {
			out = append(out, e)
		}
	}
	return out
}

// Apply runs one phase of the pipeline. The first error halts the phase and
// is returned; successes are reported on the bus per enhancement.
func (m *Manager) Apply(phase types.EnhancementPhase, ectx *types.EnhancementContext) error {
	for _, e := range m.active(ectx.AgentType, phase) {
		if err := e.Apply(ectx); err != nil {
			m.logger.Debug("enhancement rejected execution",
				logging.String("enhancement", e.ID()),
				logging.String("agent_type", ectx.AgentType),
				logging.Err(err))
			if m.bus != nil {
				m.bus.Emit(types.EventTypeEnhancementError, "middleware", map[string]interface{}{
					"enhancement": e.ID(),
					"agent_type":  ectx.AgentType,
					"task":        ectx.Task,
					"phase":       string(phase),
					"error":       err.Error(),
				})
			}
			return err
		}
		if m.bus != nil {
			m.bus.Emit(types.EventTypeEnhancementApplied, "middleware", map[string]interface{}{
				"enhancement": e.ID(),
				"agent_type":  ectx.AgentType,
				"phase":       string(phase),
			})
		}
	}
	return nil
}

// Observe notifies every enabled observer of an attempt's outcome.
func (m *Manager) Observe(ectx *types.EnhancementContext) {
	m.mu.RLock()
	order := make([]Enhancement, len(m.order))
	copy(order, m.order)
	m.mu.RUnlock()

	for _, e := range order {
		observer, ok := e.(Observer)
		if !ok || !m.Enabled(ectx.AgentType, e.ID()) {
			continue
		}
		observer.Observe(ectx)
	}
}

// List returns the registered enhancement ids in registration order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.order))
	for _, e := range m.order {
		ids = append(ids, e.ID())
	}
	return ids
}
