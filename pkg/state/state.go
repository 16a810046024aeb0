// Package state provides interfaces for persisting control-plane state
package state

import (
	"context"

	"github.com/valifi/agentctl/pkg/types"
)

// StateManager defines the storage capability consumed by the registry and
// orchestrator. Implementations guarantee per-entity atomicity only; no
// cross-entity transaction semantics are required.
type StateManager interface {
	// Version state management
	CreateVersion(ctx context.Context, version *types.AgentVersion) error
	GetVersion(ctx context.Context, versionID string) (*types.AgentVersion, error)
	UpdateVersion(ctx context.Context, version *types.AgentVersion) error
	ListVersions(ctx context.Context, agentType string) ([]*types.AgentVersion, error)

	// Deployment plan state management
	CreatePlan(ctx context.Context, plan *types.DeploymentPlan) error
	GetPlan(ctx context.Context, planID string) (*types.DeploymentPlan, error)
	UpdatePlan(ctx context.Context, plan *types.DeploymentPlan) error
	ListPlans(ctx context.Context, agentType string) ([]*types.DeploymentPlan, error)

	// Event log
	RecordEvent(ctx context.Context, event *types.Event) error
	GetEvents(ctx context.Context, filter map[string]string, limit int) ([]*types.Event, error)
}

// Store defines the backend storage interface
type Store interface {
	StateManager

	// Initialize the store
	Initialize(ctx context.Context) error

	// Close the store
	Close(ctx context.Context) error

	// Health check
	HealthCheck(ctx context.Context) error
}

// Config holds state store configuration
type Config struct {
	Type string `yaml:"type" json:"type"` // "memory" or "badger"
	Path string `yaml:"path" json:"path"` // file path for embedded stores
}
