// Package state provides memory-based state management
package state

import (
	"context"
	"sync"

	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/types"
)

// MemoryStore implements Store using in-memory maps. Versions and plans are
// additionally indexed per agent type in creation order.
type MemoryStore struct {
	versions     map[string]*types.AgentVersion
	versionOrder map[string][]string // agentType -> version IDs in creation order
	plans        map[string]*types.DeploymentPlan
	planOrder    map[string][]string
	events       []*types.Event
	mu           sync.RWMutex
}

// NewMemoryStore creates a new memory-based store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions:     make(map[string]*types.AgentVersion),
		versionOrder: make(map[string][]string),
		plans:        make(map[string]*types.DeploymentPlan),
		planOrder:    make(map[string][]string),
		events:       make([]*types.Event, 0),
	}
}

// Initialize initializes the store
func (s *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close closes the store
func (s *MemoryStore) Close(ctx context.Context) error { return nil }

// HealthCheck performs a health check
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// CreateVersion stores a new agent version
func (s *MemoryStore) CreateVersion(ctx context.Context, version *types.AgentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[version.ID]; exists {
		return errors.NewInvalidState("version", version.ID, string(version.Status), "already exists")
	}

	versionCopy := *version
	s.versions[version.ID] = &versionCopy
	s.versionOrder[version.AgentType] = append(s.versionOrder[version.AgentType], version.ID)

	return nil
}

// GetVersion retrieves a version by ID
func (s *MemoryStore) GetVersion(ctx context.Context, versionID string) (*types.AgentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, exists := s.versions[versionID]
	if !exists {
		return nil, errors.NewNotFound("version", versionID)
	}

	versionCopy := *version
	return &versionCopy, nil
}

// UpdateVersion updates an existing version
func (s *MemoryStore) UpdateVersion(ctx context.Context, version *types.AgentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.versions[version.ID]; !exists {
		return errors.NewNotFound("version", version.ID)
	}

	versionCopy := *version
	s.versions[version.ID] = &versionCopy

	return nil
}

// ListVersions returns all versions for an agent type in creation order
func (s *MemoryStore) ListVersions(ctx context.Context, agentType string) ([]*types.AgentVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.versionOrder[agentType]
	versions := make([]*types.AgentVersion, 0, len(ids))
	for _, id := range ids {
		versionCopy := *s.versions[id]
		versions = append(versions, &versionCopy)
	}

	return versions, nil
}

// CreatePlan stores a new deployment plan
func (s *MemoryStore) CreatePlan(ctx context.Context, plan *types.DeploymentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[plan.ID]; exists {
		return errors.NewInvalidState("plan", plan.ID, string(plan.Status), "already exists")
	}

	planCopy := *plan
	s.plans[plan.ID] = &planCopy
	s.planOrder[plan.AgentType] = append(s.planOrder[plan.AgentType], plan.ID)

	return nil
}

// GetPlan retrieves a plan by ID
func (s *MemoryStore) GetPlan(ctx context.Context, planID string) (*types.DeploymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plan, exists := s.plans[planID]
	if !exists {
		return nil, errors.NewNotFound("plan", planID)
	}

	planCopy := *plan
	return &planCopy, nil
}

// UpdatePlan updates an existing plan
func (s *MemoryStore) UpdatePlan(ctx context.Context, plan *types.DeploymentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[plan.ID]; !exists {
		return errors.NewNotFound("plan", plan.ID)
	}

	planCopy := *plan
	s.plans[plan.ID] = &planCopy

	return nil
}

// ListPlans returns all plans for an agent type in creation order. An empty
// agent type returns every plan.
func (s *MemoryStore) ListPlans(ctx context.Context, agentType string) ([]*types.DeploymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var plans []*types.DeploymentPlan
	if agentType == "" {
		for _, ids := range s.planOrder {
			for _, id := range ids {
				planCopy := *s.plans[id]
				plans = append(plans, &planCopy)
			}
		}
		return plans, nil
	}

	for _, id := range s.planOrder[agentType] {
		planCopy := *s.plans[id]
		plans = append(plans, &planCopy)
	}

	return plans, nil
}

// RecordEvent appends a control-plane event
func (s *MemoryStore) RecordEvent(ctx context.Context, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventCopy := *event
	s.events = append(s.events, &eventCopy)

	return nil
}

// GetEvents retrieves events matching the filter, newest first
func (s *MemoryStore) GetEvents(ctx context.Context, filter map[string]string, limit int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*types.Event
	count := 0

	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || count < limit); i-- {
		event := s.events[i]
		if matchesEventFilter(event, filter) {
			eventCopy := *event
			events = append(events, &eventCopy)
			count++
		}
	}

	return events, nil
}

func matchesEventFilter(event *types.Event, filter map[string]string) bool {
	for key, value := range filter {
		switch key {
		case "type":
			if string(event.Type) != value {
				return false
			}
		case "source":
			if event.Source != value {
				return false
			}
		default:
			dataValue, ok := event.Data[key]
			if !ok {
				return false
			}
			if s, ok := dataValue.(string); !ok || s != value {
				return false
			}
		}
	}
	return true
}
