package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/types"
)

func newVersion(id, agentType string, build int) *types.AgentVersion {
	return &types.AgentVersion{
		ID:          id,
		AgentType:   agentType,
		Version:     "1.0.0",
		BuildNumber: build,
		Status:      types.VersionStatusDraft,
		CreatedAt:   time.Now(),
	}
}

func TestMemoryStoreVersionLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	v := newVersion("v1", "support-agent", 1)
	require.NoError(t, store.CreateVersion(ctx, v))

	got, err := store.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "support-agent", got.AgentType)

	got.Status = types.VersionStatusTesting
	require.NoError(t, store.UpdateVersion(ctx, got))

	updated, err := store.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, types.VersionStatusTesting, updated.Status)
}

func TestMemoryStoreVersionNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetVersion(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	err = store.UpdateVersion(context.Background(), newVersion("missing", "a", 1))
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestMemoryStoreDuplicateVersionRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateVersion(ctx, newVersion("v1", "a", 1)))
	err := store.CreateVersion(ctx, newVersion("v1", "a", 2))
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestMemoryStoreListVersionsCreationOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateVersion(ctx, newVersion("v1", "a", 1)))
	require.NoError(t, store.CreateVersion(ctx, newVersion("v2", "a", 2)))
	require.NoError(t, store.CreateVersion(ctx, newVersion("other", "b", 1)))
	require.NoError(t, store.CreateVersion(ctx, newVersion("v3", "a", 3)))

	versions, err := store.ListVersions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "v1", versions[0].ID)
	assert.Equal(t, "v2", versions[1].ID)
	assert.Equal(t, "v3", versions[2].ID)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateVersion(ctx, newVersion("v1", "a", 1)))

	got, err := store.GetVersion(ctx, "v1")
	require.NoError(t, err)
	got.Status = types.VersionStatusRetired

	fresh, err := store.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, types.VersionStatusDraft, fresh.Status)
}

func TestMemoryStorePlanLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	plan := &types.DeploymentPlan{
		ID:            "p1",
		AgentType:     "a",
		SourceVersion: types.NoSourceVersion,
		TargetVersion: "v1",
		Strategy:      types.StrategyCanary,
		Status:        types.PlanStatusPending,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, store.CreatePlan(ctx, plan))

	plan.Status = types.PlanStatusInProgress
	require.NoError(t, store.UpdatePlan(ctx, plan))

	got, err := store.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusInProgress, got.Status)

	plans, err := store.ListPlans(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestMemoryStoreEventsNewestFirstWithFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i, eventType := range []types.EventType{
		types.EventTypeVersionCreated,
		types.EventTypeDeploymentStarted,
		types.EventTypeDeploymentCompleted,
	} {
		require.NoError(t, store.RecordEvent(ctx, &types.Event{
			ID:        string(rune('a' + i)),
			Type:      eventType,
			Source:    "test",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Data:      map[string]interface{}{"agent_type": "a"},
		}))
	}

	all, err := store.GetEvents(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, types.EventTypeDeploymentCompleted, all[0].Type)

	filtered, err := store.GetEvents(ctx, map[string]string{"type": string(types.EventTypeVersionCreated)}, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	limited, err := store.GetEvents(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
