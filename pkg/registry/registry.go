// Package registry manages immutable agent version records and their
// lifecycle transitions.
package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/events"
	"github.com/valifi/agentctl/pkg/logging"
	"github.com/valifi/agentctl/pkg/state"
	"github.com/valifi/agentctl/pkg/types"
)

// Certifier is the external certification capability that gates promotion
// out of testing. A normal certification failure is not an error.
type Certifier interface {
	Certify(ctx context.Context, agentType string) (CertificationResult, error)
}

// CertificationResult is the outcome of certifying an agent type.
type CertificationResult struct {
	Passed bool
	Level  types.CertificationLevel
}

// MetricsSource is the external source of per-version metric snapshots
// consumed by CompareVersions.
type MetricsSource interface {
	Snapshot(ctx context.Context, versionID string) (map[string]float64, error)
}

// Verdict is the coarse outcome of comparing two versions.
type Verdict string

const (
	VerdictUpgrade   Verdict = "upgrade"
	VerdictDowngrade Verdict = "downgrade"
	VerdictSame      Verdict = "same"
)

// MetricDelta is one metric's change between two versions.
type MetricDelta struct {
	Metric string  `json:"metric"`
	From   float64 `json:"from"`
	To     float64 `json:"to"`
	Delta  float64 `json:"delta"`
}

// Comparison is the result of CompareVersions.
type Comparison struct {
	FromVersion string        `json:"from_version"`
	ToVersion   string        `json:"to_version"`
	Deltas      []MetricDelta `json:"deltas"`
	Verdict     Verdict       `json:"verdict"`
}

const lockStripes = 32

// Registry manages version records. Every mutation locks its agent type's
// stripe, so status transitions on the same version are serialized with
// each other and with active-slot changes, and build numbers stay gap-free.
type Registry struct {
	store     state.StateManager
	bus       *events.Bus
	certifier Certifier
	metrics   MetricsSource
	clock     clock.Clock
	logger    logging.Logger
	locks     [lockStripes]sync.Mutex
}

// Config holds registry dependencies.
type Config struct {
	Store     state.StateManager
	Bus       *events.Bus
	Certifier Certifier
	Metrics   MetricsSource
	Clock     clock.Clock
	Logger    logging.Logger
}

// New creates a version registry.
func New(config Config) (*Registry, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if config.Certifier == nil {
		return nil, fmt.Errorf("certifier is required")
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = logging.NopLogger{}
	}

	return &Registry{
		store:     config.Store,
		bus:       config.Bus,
		certifier: config.Certifier,
		metrics:   config.Metrics,
		clock:     config.Clock,
		logger:    config.Logger,
	}, nil
}

func (r *Registry) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.locks[h.Sum32()%lockStripes]
}

// lockVersion acquires the stripe for the version's agent type and returns
// the record re-read under the lock. The caller unlocks via
// r.lock(version.AgentType).
func (r *Registry) lockVersion(ctx context.Context, versionID string) (*types.AgentVersion, error) {
	version, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	agentType := version.AgentType

	r.lock(agentType).Lock()

	version, err = r.store.GetVersion(ctx, versionID)
	if err != nil {
		r.lock(agentType).Unlock()
		return nil, err
	}
	return version, nil
}

// CreateVersion registers a new draft version. Build numbers are assigned
// strictly increasing and gap-free per agent type.
func (r *Registry) CreateVersion(ctx context.Context, agentType, versionLabel, code string, cfg map[string]string, author string) (*types.AgentVersion, error) {
	if agentType == "" {
		return nil, fmt.Errorf("agent type is required")
	}

	mu := r.lock(agentType)
	mu.Lock()
	defer mu.Unlock()

	existing, err := r.store.ListVersions(ctx, agentType)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	version := &types.AgentVersion{
		ID:                 uuid.NewString(),
		AgentType:          agentType,
		Version:            versionLabel,
		BuildNumber:        len(existing) + 1,
		Status:             types.VersionStatusDraft,
		Code:               code,
		Config:             cfg,
		Author:             author,
		CertificationLevel: types.CertificationNone,
		CreatedAt:          r.clock.Now(),
	}

	if err := r.store.CreateVersion(ctx, version); err != nil {
		return nil, fmt.Errorf("failed to create version: %w", err)
	}

	r.logger.Info("version created",
		logging.String("agent_type", agentType),
		logging.String("version_id", version.ID),
		logging.Int("build_number", version.BuildNumber))

	r.emit(types.EventTypeVersionCreated, map[string]interface{}{
		"version_id":   version.ID,
		"agent_type":   agentType,
		"version":      versionLabel,
		"build_number": version.BuildNumber,
	})

	versionCopy := *version
	return &versionCopy, nil
}

// TestVersion moves a draft version through testing. On certification pass
// the version becomes canary with the assigned level; on failure it reverts
// to draft. The boolean is the certification outcome; only an unknown id
// or a wrong starting state is an error.
func (r *Registry) TestVersion(ctx context.Context, versionID string) (bool, error) {
	version, err := r.lockVersion(ctx, versionID)
	if err != nil {
		return false, err
	}
	defer r.lock(version.AgentType).Unlock()

	if version.Status != types.VersionStatusDraft {
		return false, errors.NewInvalidState("version", versionID, string(version.Status), "only draft versions can be tested")
	}

	version.Status = types.VersionStatusTesting
	if err := r.store.UpdateVersion(ctx, version); err != nil {
		return false, fmt.Errorf("failed to update version: %w", err)
	}

	result, err := r.certifier.Certify(ctx, version.AgentType)
	if err != nil {
		// Certification infrastructure failure: revert to draft and surface.
		version.Status = types.VersionStatusDraft
		_ = r.store.UpdateVersion(ctx, version)
		return false, fmt.Errorf("certification failed to run: %w", err)
	}

	if result.Passed {
		version.Status = types.VersionStatusCanary
		version.CertificationLevel = result.Level
	} else {
		version.Status = types.VersionStatusDraft
	}

	if err := r.store.UpdateVersion(ctx, version); err != nil {
		return false, fmt.Errorf("failed to update version: %w", err)
	}

	r.emit(types.EventTypeVersionTested, map[string]interface{}{
		"version_id": versionID,
		"agent_type": version.AgentType,
		"passed":     result.Passed,
		"level":      string(version.CertificationLevel),
	})

	return result.Passed, nil
}

// RetireVersion marks a version retired. Versions are never deleted.
func (r *Registry) RetireVersion(ctx context.Context, versionID string) error {
	version, err := r.lockVersion(ctx, versionID)
	if err != nil {
		return err
	}
	defer r.lock(version.AgentType).Unlock()

	if version.Status == types.VersionStatusRetired {
		return errors.NewInvalidState("version", versionID, string(version.Status), "already retired")
	}

	now := r.clock.Now()
	version.Status = types.VersionStatusRetired
	version.RetiredAt = &now

	if err := r.store.UpdateVersion(ctx, version); err != nil {
		return fmt.Errorf("failed to update version: %w", err)
	}

	r.emit(types.EventTypeVersionRetired, map[string]interface{}{
		"version_id": versionID,
		"agent_type": version.AgentType,
	})

	return nil
}

// DeprecateVersion marks a deployed version deprecated. The orchestrator
// calls this when a newer version takes over the active slot.
func (r *Registry) DeprecateVersion(ctx context.Context, versionID string) error {
	version, err := r.lockVersion(ctx, versionID)
	if err != nil {
		return err
	}
	defer r.lock(version.AgentType).Unlock()

	if version.Status != types.VersionStatusDeployed {
		return errors.NewInvalidState("version", versionID, string(version.Status), "only deployed versions can be deprecated")
	}

	version.Status = types.VersionStatusDeprecated
	if err := r.store.UpdateVersion(ctx, version); err != nil {
		return fmt.Errorf("failed to update version: %w", err)
	}

	r.emit(types.EventTypeVersionDeprecated, map[string]interface{}{
		"version_id": versionID,
		"agent_type": version.AgentType,
	})

	return nil
}

// GetVersion fetches a version by id.
func (r *Registry) GetVersion(ctx context.Context, versionID string) (*types.AgentVersion, error) {
	return r.store.GetVersion(ctx, versionID)
}

// ListVersions returns all versions for an agent type in creation order.
func (r *Registry) ListVersions(ctx context.Context, agentType string) ([]*types.AgentVersion, error) {
	return r.store.ListVersions(ctx, agentType)
}

// ActiveVersion returns the deployed version for an agent type, or NotFound
// if nothing is deployed.
func (r *Registry) ActiveVersion(ctx context.Context, agentType string) (*types.AgentVersion, error) {
	versions, err := r.store.ListVersions(ctx, agentType)
	if err != nil {
		return nil, err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Status == types.VersionStatusDeployed {
			return versions[i], nil
		}
	}

	return nil, errors.NewNotFound("active version for", agentType)
}

// SetActive promotes the target version to deployed and deprecates the
// previously deployed version, if any. Used by the orchestrator once a
// rollout reaches 100%.
func (r *Registry) SetActive(ctx context.Context, agentType, versionID string) error {
	mu := r.lock(agentType)
	mu.Lock()
	defer mu.Unlock()

	target, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if target.AgentType != agentType {
		return errors.NewInvalidState("version", versionID, string(target.Status),
			fmt.Sprintf("belongs to agent type %s", target.AgentType))
	}
	if target.Status == types.VersionStatusRetired {
		return errors.NewInvalidState("version", versionID, string(target.Status),
			"retired versions cannot be activated")
	}

	versions, err := r.store.ListVersions(ctx, agentType)
	if err != nil {
		return err
	}
	for _, version := range versions {
		if version.ID == versionID || version.Status != types.VersionStatusDeployed {
			continue
		}
		version.Status = types.VersionStatusDeprecated
		if err := r.store.UpdateVersion(ctx, version); err != nil {
			return fmt.Errorf("failed to deprecate version %s: %w", version.ID, err)
		}
	}

	now := r.clock.Now()
	target.Status = types.VersionStatusDeployed
	target.DeployedAt = &now
	return r.store.UpdateVersion(ctx, target)
}

// Reactivate restores a previously deployed (now deprecated) version to the
// active slot during rollback. Reactivation failures are unrecoverable for
// the owning plan.
func (r *Registry) Reactivate(ctx context.Context, agentType, versionID string) error {
	mu := r.lock(agentType)
	mu.Lock()
	defer mu.Unlock()

	target, err := r.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if target.Status == types.VersionStatusRetired {
		return errors.NewInvalidState("version", versionID, string(target.Status),
			"retired versions cannot be activated")
	}

	versions, err := r.store.ListVersions(ctx, agentType)
	if err != nil {
		return err
	}
	for _, version := range versions {
		if version.ID == versionID || version.Status != types.VersionStatusDeployed {
			continue
		}
		version.Status = types.VersionStatusDeprecated
		if err := r.store.UpdateVersion(ctx, version); err != nil {
			return fmt.Errorf("failed to deprecate version %s: %w", version.ID, err)
		}
	}

	target.Status = types.VersionStatusDeployed
	return r.store.UpdateVersion(ctx, target)
}

// CompareVersions fetches external metric snapshots for two versions and
// returns per-metric deltas plus a coarse verdict on certification level.
func (r *Registry) CompareVersions(ctx context.Context, fromID, toID string) (*Comparison, error) {
	if r.metrics == nil {
		return nil, fmt.Errorf("no metrics source configured")
	}

	from, err := r.store.GetVersion(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := r.store.GetVersion(ctx, toID)
	if err != nil {
		return nil, err
	}

	fromSnapshot, err := r.metrics.Snapshot(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", fromID, err)
	}
	toSnapshot, err := r.metrics.Snapshot(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", toID, err)
	}

	seen := make(map[string]bool)
	var deltas []MetricDelta
	for metric, fromValue := range fromSnapshot {
		seen[metric] = true
		deltas = append(deltas, MetricDelta{
			Metric: metric,
			From:   fromValue,
			To:     toSnapshot[metric],
			Delta:  toSnapshot[metric] - fromValue,
		})
	}
	for metric, toValue := range toSnapshot {
		if seen[metric] {
			continue
		}
		deltas = append(deltas, MetricDelta{Metric: metric, To: toValue, Delta: toValue})
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Metric < deltas[j].Metric })

	verdict := VerdictSame
	switch {
	case to.CertificationLevel.Rank() > from.CertificationLevel.Rank():
		verdict = VerdictUpgrade
	case to.CertificationLevel.Rank() < from.CertificationLevel.Rank():
		verdict = VerdictDowngrade
	}

	return &Comparison{
		FromVersion: fromID,
		ToVersion:   toID,
		Deltas:      deltas,
		Verdict:     verdict,
	}, nil
}

func (r *Registry) emit(eventType types.EventType, data map[string]interface{}) {
	event := &types.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    "registry",
		Timestamp: r.clock.Now(),
		Data:      data,
	}
	_ = r.store.RecordEvent(context.Background(), event)
	if r.bus != nil {
		r.bus.Publish(*event)
	}
}
