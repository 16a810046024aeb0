// Package orchestrator executes deployment plans: it moves traffic between
// agent versions under a chosen strategy, gates each step on health checks,
// and rolls back automatically when a rollout goes bad.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/config"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/events"
	"github.com/valifi/agentctl/pkg/logging"
	"github.com/valifi/agentctl/pkg/state"
	"github.com/valifi/agentctl/pkg/types"
)

// VersionRegistry is the slice of the version registry the orchestrator
// needs: lookups plus the active-slot transitions a rollout performs.
type VersionRegistry interface {
	GetVersion(ctx context.Context, versionID string) (*types.AgentVersion, error)
	ActiveVersion(ctx context.Context, agentType string) (*types.AgentVersion, error)
	SetActive(ctx context.Context, agentType, versionID string) error
	Reactivate(ctx context.Context, agentType, versionID string) error
}

// PlanRequest describes a deployment to be planned. Zero-valued optional
// fields take orchestrator defaults.
type PlanRequest struct {
	AgentType     string
	TargetVersion string
	Strategy      types.DeploymentStrategy

	// CanaryPercent is the initial traffic share for canary plans.
	CanaryPercent int

	// HealthChecks names the gate checks; empty means the configured defaults.
	HealthChecks []string

	// RollbackOnFailure defaults to true when nil.
	RollbackOnFailure *bool

	// MinCertification rejects targets certified below this level. The zero
	// value imposes no floor.
	MinCertification types.CertificationLevel
}

type trafficEntry struct {
	versionID string
	percent   int
}

// Orchestrator executes deployment plans. At most one plan per agent type
// is in progress at a time.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	store    state.StateManager
	registry VersionRegistry
	bus      *events.Bus
	health   *HealthRegistry
	steps    Steps
	clock    clock.Clock
	logger   logging.Logger
	randFn   func() float64

	mu         sync.Mutex
	inProgress map[string]string         // agentType -> planID
	traffic    map[string][]trafficEntry // agentType -> active split
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects a time source.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSteps wires the infrastructure hooks.
func WithSteps(s Steps) Option {
	return func(o *Orchestrator) { o.steps = s }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithRand injects the uniform [0,1) source used for traffic routing.
func WithRand(fn func() float64) Option {
	return func(o *Orchestrator) { o.randFn = fn }
}

// New creates an orchestrator.
func New(cfg config.OrchestratorConfig, store state.StateManager, registry VersionRegistry, bus *events.Bus, health *HealthRegistry, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("version registry is required")
	}
	if health == nil {
		health = NewHealthRegistry()
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		bus:        bus,
		health:     health,
		steps:      NopSteps{},
		clock:      clock.New(),
		logger:     logging.NopLogger{},
		randFn:     rand.Float64,
		inProgress: make(map[string]string),
		traffic:    make(map[string][]trafficEntry),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// CreateDeploymentPlan validates a request and records a pending plan. The
// currently active version is captured as the rollback point at planning
// time, not at execution time.
func (o *Orchestrator) CreateDeploymentPlan(ctx context.Context, req PlanRequest) (*types.DeploymentPlan, error) {
	switch req.Strategy {
	case types.StrategyImmediate, types.StrategyCanary, types.StrategyBlueGreen, types.StrategyRolling:
	default:
		return nil, fmt.Errorf("unknown deployment strategy: %q", req.Strategy)
	}

	target, err := o.registry.GetVersion(ctx, req.TargetVersion)
	if err != nil {
		return nil, err
	}
	if target.AgentType != req.AgentType {
		return nil, errors.NewInvalidState("version", target.ID, string(target.Status),
			fmt.Sprintf("belongs to agent type %s", target.AgentType))
	}
	if target.Status != types.VersionStatusCanary && target.Status != types.VersionStatusDeployed {
		return nil, errors.NewInvalidState("version", target.ID, string(target.Status),
			"only canary or deployed versions are deployable")
	}
	if req.MinCertification != "" && target.CertificationLevel.Rank() < req.MinCertification.Rank() {
		return nil, errors.NewInvalidState("version", target.ID, string(target.Status),
			fmt.Sprintf("certification %s is below required %s", target.CertificationLevel, req.MinCertification))
	}

	source := types.NoSourceVersion
	if active, err := o.registry.ActiveVersion(ctx, req.AgentType); err == nil {
		if active.ID == target.ID {
			return nil, errors.NewInvalidState("version", target.ID, string(target.Status), "already active")
		}
		source = active.ID
	}

	canaryPercent := req.CanaryPercent
	if canaryPercent == 0 {
		canaryPercent = o.cfg.CanaryInitialPercent
	}
	if canaryPercent < 0 || canaryPercent > 100 {
		return nil, fmt.Errorf("canary percent must be in [0, 100], got %d", canaryPercent)
	}

	healthChecks := req.HealthChecks
	if len(healthChecks) == 0 {
		healthChecks = append([]string(nil), o.cfg.DefaultHealthChecks...)
	}

	rollbackOnFailure := true
	if req.RollbackOnFailure != nil {
		rollbackOnFailure = *req.RollbackOnFailure
	}

	plan := &types.DeploymentPlan{
		ID:                uuid.NewString(),
		AgentType:         req.AgentType,
		SourceVersion:     source,
		TargetVersion:     req.TargetVersion,
		Strategy:          req.Strategy,
		CanaryPercent:     canaryPercent,
		HealthChecks:      healthChecks,
		RollbackOnFailure: rollbackOnFailure,
		Status:            types.PlanStatusPending,
		CreatedAt:         o.clock.Now(),
	}

	if err := o.store.CreatePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	o.logger.Info("deployment plan created",
		logging.String("plan_id", plan.ID),
		logging.String("agent_type", plan.AgentType),
		logging.String("strategy", string(plan.Strategy)),
		logging.String("source", source),
		logging.String("target", plan.TargetVersion))

	planCopy := *plan
	return &planCopy, nil
}

// Deploy executes a pending plan to completion, rolling back automatically
// on failure when the plan allows it.
func (o *Orchestrator) Deploy(ctx context.Context, planID string) error {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != types.PlanStatusPending {
		return errors.NewInvalidState("plan", planID, string(plan.Status), "only pending plans can be deployed")
	}

	o.mu.Lock()
	if current, busy := o.inProgress[plan.AgentType]; busy {
		o.mu.Unlock()
		return errors.NewInvalidState("plan", planID, string(plan.Status),
			fmt.Sprintf("deployment %s already in progress for %s", current, plan.AgentType))
	}
	o.inProgress[plan.AgentType] = planID
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.inProgress, plan.AgentType)
		o.mu.Unlock()
	}()

	now := o.clock.Now()
	plan.Status = types.PlanStatusInProgress
	plan.StartedAt = &now
	if err := o.store.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	o.emit(types.EventTypeDeploymentStarted, map[string]interface{}{
		"plan_id":        plan.ID,
		"agent_type":     plan.AgentType,
		"strategy":       string(plan.Strategy),
		"source_version": plan.SourceVersion,
		"target_version": plan.TargetVersion,
	})

	if err := o.execute(ctx, plan); err != nil {
		o.logger.Warn("deployment failed",
			logging.String("plan_id", plan.ID),
			logging.String("agent_type", plan.AgentType),
			logging.Err(err))

		if plan.RollbackOnFailure && plan.SourceVersion != types.NoSourceVersion {
			if rbErr := o.rollback(ctx, plan, err.Error(), true); rbErr != nil {
				return fmt.Errorf("deployment failed (%w) and rollback also failed: %v", err, rbErr)
			}
			return err
		}

		o.clearTraffic(plan.AgentType)
		completedAt := o.clock.Now()
		plan.Status = types.PlanStatusFailed
		plan.Error = err.Error()
		plan.CompletedAt = &completedAt
		if updateErr := o.store.UpdatePlan(ctx, plan); updateErr != nil {
			return fmt.Errorf("deployment failed (%w) and plan update also failed: %v", err, updateErr)
		}
		o.emit(types.EventTypeDeploymentFailed, map[string]interface{}{
			"plan_id":    plan.ID,
			"agent_type": plan.AgentType,
			"error":      err.Error(),
		})
		return err
	}

	if err := o.registry.SetActive(ctx, plan.AgentType, plan.TargetVersion); err != nil {
		return fmt.Errorf("failed to activate version: %w", err)
	}
	if plan.SourceVersion != types.NoSourceVersion {
		if err := o.steps.Decommission(ctx, plan.AgentType, plan.SourceVersion); err != nil {
			o.logger.Warn("failed to decommission displaced version",
				logging.String("version_id", plan.SourceVersion), logging.Err(err))
		}
	}
	o.clearTraffic(plan.AgentType)

	completedAt := o.clock.Now()
	plan.Status = types.PlanStatusCompleted
	plan.CompletedAt = &completedAt
	if err := o.store.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	o.logger.Info("deployment completed",
		logging.String("plan_id", plan.ID),
		logging.String("agent_type", plan.AgentType),
		logging.String("target_version", plan.TargetVersion))

	o.emit(types.EventTypeDeploymentCompleted, map[string]interface{}{
		"plan_id":        plan.ID,
		"agent_type":     plan.AgentType,
		"target_version": plan.TargetVersion,
	})
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, plan *types.DeploymentPlan) error {
	switch plan.Strategy {
	case types.StrategyImmediate:
		return o.executeImmediate(ctx, plan)
	case types.StrategyCanary:
		return o.executeCanary(ctx, plan)
	case types.StrategyBlueGreen:
		return o.executeBlueGreen(ctx, plan)
	case types.StrategyRolling:
		return o.executeRolling(ctx, plan)
	default:
		return fmt.Errorf("unknown deployment strategy: %q", plan.Strategy)
	}
}

// executeImmediate shifts all traffic at once and verifies health after.
func (o *Orchestrator) executeImmediate(ctx context.Context, plan *types.DeploymentPlan) error {
	if err := o.shift(ctx, plan, 100); err != nil {
		return err
	}
	return o.gate(ctx, plan, 100)
}

// executeCanary walks the target's share up through the fixed increments,
// gating on health at every step. The starting share comes from the plan.
func (o *Orchestrator) executeCanary(ctx context.Context, plan *types.DeploymentPlan) error {
	steps := []int{plan.CanaryPercent, 25, 50, 75, 100}
	previous := -1
	for _, percent := range steps {
		if percent <= previous {
			continue
		}
		previous = percent

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.shift(ctx, plan, percent); err != nil {
			return err
		}
		if err := o.gate(ctx, plan, percent); err != nil {
			return err
		}
	}
	return nil
}

// executeBlueGreen provisions the idle slot, verifies it while it serves no
// traffic, then switches over atomically. Once the switch completes there is
// no failure path.
func (o *Orchestrator) executeBlueGreen(ctx context.Context, plan *types.DeploymentPlan) error {
	if err := o.steps.Provision(ctx, plan.AgentType, plan.TargetVersion); err != nil {
		return fmt.Errorf("failed to provision green slot: %w", err)
	}
	if err := o.gate(ctx, plan, 0); err != nil {
		return err
	}
	return o.shift(ctx, plan, 100)
}

// executeRolling moves traffic in five equal batches with a gate per batch.
func (o *Orchestrator) executeRolling(ctx context.Context, plan *types.DeploymentPlan) error {
	for percent := 20; percent <= 100; percent += 20 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.shift(ctx, plan, percent); err != nil {
			return err
		}
		if err := o.gate(ctx, plan, percent); err != nil {
			return err
		}
	}
	return nil
}

// shift records the new split in the traffic table and mirrors it to the
// infrastructure hook.
func (o *Orchestrator) shift(ctx context.Context, plan *types.DeploymentPlan, percent int) error {
	o.setTraffic(plan.AgentType, plan.SourceVersion, plan.TargetVersion, percent)

	if err := o.steps.ShiftTraffic(ctx, plan.AgentType, plan.TargetVersion, percent); err != nil {
		return fmt.Errorf("failed to shift traffic to %d%%: %w", percent, err)
	}

	o.emit(types.EventTypeDeploymentProgress, map[string]interface{}{
		"plan_id":        plan.ID,
		"agent_type":     plan.AgentType,
		"target_version": plan.TargetVersion,
		"percent":        percent,
	})
	return nil
}

// gate runs the plan's health checks against the target and reports the
// outcome on the bus.
func (o *Orchestrator) gate(ctx context.Context, plan *types.DeploymentPlan, percent int) error {
	err := o.health.runChecks(ctx, plan.HealthChecks, plan.AgentType, plan.TargetVersion, o.cfg.HealthCheckTimeout)

	data := map[string]interface{}{
		"plan_id":    plan.ID,
		"agent_type": plan.AgentType,
		"percent":    percent,
		"checks":     plan.HealthChecks,
		"healthy":    err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	o.emit(types.EventTypeDeploymentHealth, data)
	return err
}

func (o *Orchestrator) setTraffic(agentType, sourceVersion, targetVersion string, percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	split := []trafficEntry{{versionID: targetVersion, percent: percent}}
	if sourceVersion != types.NoSourceVersion && percent < 100 {
		split = append(split, trafficEntry{versionID: sourceVersion, percent: 100 - percent})
	}
	o.traffic[agentType] = split
}

func (o *Orchestrator) clearTraffic(agentType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.traffic, agentType)
}

// TrafficSplit returns the current routing table for an agent type, or nil
// when no rollout is splitting traffic.
func (o *Orchestrator) TrafficSplit(agentType string) map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	split := o.traffic[agentType]
	if len(split) == 0 {
		return nil
	}
	out := make(map[string]int, len(split))
	for _, entry := range split {
		out[entry.versionID] = entry.percent
	}
	return out
}

// VersionForExecution picks the version that should serve the next
// execution. During a rollout the choice is random, weighted by the traffic
// split; otherwise it is the active version.
func (o *Orchestrator) VersionForExecution(ctx context.Context, agentType string) (string, error) {
	o.mu.Lock()
	split := o.traffic[agentType]
	entries := make([]trafficEntry, len(split))
	copy(entries, split)
	o.mu.Unlock()

	if len(entries) > 0 {
		roll := o.randFn() * 100
		cumulative := 0.0
		for _, entry := range entries {
			cumulative += float64(entry.percent)
			if roll < cumulative {
				return entry.versionID, nil
			}
		}
		return entries[len(entries)-1].versionID, nil
	}

	active, err := o.registry.ActiveVersion(ctx, agentType)
	if err != nil {
		return "", err
	}
	return active.ID, nil
}

// Rollback manually reverts a plan to its source version. Valid on plans
// that are in progress or completed and that captured a real source.
func (o *Orchestrator) Rollback(ctx context.Context, planID, reason string) error {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	return o.rollback(ctx, plan, reason, false)
}

func (o *Orchestrator) rollback(ctx context.Context, plan *types.DeploymentPlan, reason string, automatic bool) error {
	if plan.SourceVersion == types.NoSourceVersion {
		return errors.NewInvalidState("plan", plan.ID, string(plan.Status), "no source version to roll back to")
	}
	if plan.Status != types.PlanStatusInProgress && plan.Status != types.PlanStatusCompleted {
		return errors.NewInvalidState("plan", plan.ID, string(plan.Status), "plan is not in progress or completed")
	}

	o.emit(types.EventTypeDeploymentRollback, map[string]interface{}{
		"plan_id":    plan.ID,
		"agent_type": plan.AgentType,
		"reason":     reason,
		"automatic":  automatic,
	})

	if err := o.registry.Reactivate(ctx, plan.AgentType, plan.SourceVersion); err != nil {
		return fmt.Errorf("failed to reactivate source version: %w", err)
	}
	if err := o.steps.ShiftTraffic(ctx, plan.AgentType, plan.SourceVersion, 100); err != nil {
		o.logger.Warn("failed to shift traffic back to source",
			logging.String("plan_id", plan.ID), logging.Err(err))
	}
	if err := o.steps.Decommission(ctx, plan.AgentType, plan.TargetVersion); err != nil {
		o.logger.Warn("failed to decommission target version",
			logging.String("plan_id", plan.ID), logging.Err(err))
	}
	o.clearTraffic(plan.AgentType)

	now := o.clock.Now()
	plan.Status = types.PlanStatusRolledBack
	plan.Error = reason
	plan.CompletedAt = &now
	if err := o.store.UpdatePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	o.logger.Warn("deployment rolled back",
		logging.String("plan_id", plan.ID),
		logging.String("agent_type", plan.AgentType),
		logging.String("restored_version", plan.SourceVersion),
		logging.String("reason", reason))

	o.emit(types.EventTypeDeploymentRolledBack, map[string]interface{}{
		"plan_id":        plan.ID,
		"agent_type":     plan.AgentType,
		"reason":         reason,
		"target_version": plan.SourceVersion,
		"automatic":      automatic,
		"timestamp":      now,
	})
	return nil
}

// Cancel aborts a plan. Pending plans are marked failed without side
// effects; plans that already moved traffic are routed through rollback.
func (o *Orchestrator) Cancel(ctx context.Context, planID, reason string) error {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}

	if plan.Status == types.PlanStatusPending {
		now := o.clock.Now()
		plan.Status = types.PlanStatusFailed
		plan.Error = reason
		plan.CompletedAt = &now
		if err := o.store.UpdatePlan(ctx, plan); err != nil {
			return fmt.Errorf("failed to update plan: %w", err)
		}
		o.emit(types.EventTypeDeploymentFailed, map[string]interface{}{
			"plan_id":    plan.ID,
			"agent_type": plan.AgentType,
			"error":      reason,
		})
		return nil
	}

	return o.rollback(ctx, plan, reason, false)
}

// GetPlan fetches a plan by id.
func (o *Orchestrator) GetPlan(ctx context.Context, planID string) (*types.DeploymentPlan, error) {
	return o.store.GetPlan(ctx, planID)
}

// ListPlans returns all plans for an agent type in creation order.
func (o *Orchestrator) ListPlans(ctx context.Context, agentType string) ([]*types.DeploymentPlan, error) {
	return o.store.ListPlans(ctx, agentType)
}

func (o *Orchestrator) emit(eventType types.EventType, data map[string]interface{}) {
	event := &types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "orchestrator",
		Timestamp: o.clock.Now(),
		Data:      data,
	}
	_ = o.store.RecordEvent(context.Background(), event)
	if o.bus != nil {
		o.bus.Publish(*event)
	}
}
