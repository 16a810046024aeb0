package orchestrator

import "context"

// Steps is the infrastructure hook invoked as a rollout progresses. The
// orchestrator owns the traffic table and plan state; Steps mirrors those
// decisions onto whatever actually serves the agents (process pools, a
// router, an external scheduler).
type Steps interface {
	// ShiftTraffic is called whenever the target's share changes, including
	// the final shift to 100%.
	ShiftTraffic(ctx context.Context, agentType, versionID string, percent int) error

	// Provision prepares capacity for the target before any traffic moves.
	// Blue-green uses it to stand up the idle slot.
	Provision(ctx context.Context, agentType, versionID string) error

	// Decommission releases the displaced version's capacity after a
	// completed rollout or rollback.
	Decommission(ctx context.Context, agentType, versionID string) error
}

// NopSteps is the default Steps implementation for control-plane-only
// deployments where version routing happens entirely through
// VersionForExecution.
type NopSteps struct{}

func (NopSteps) ShiftTraffic(context.Context, string, string, int) error { return nil }
func (NopSteps) Provision(context.Context, string, string) error         { return nil }
func (NopSteps) Decommission(context.Context, string, string) error      { return nil }
