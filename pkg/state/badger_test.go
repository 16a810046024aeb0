package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valifi/agentctl/pkg/errors"
	"github.com/valifi/agentctl/pkg/types"
)

func newBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(BadgerStoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	return store
}

func TestBadgerStoreVersionRoundTrip(t *testing.T) {
	store := newBadgerStore(t)
	ctx := context.Background()

	v := newVersion("v1", "support-agent", 1)
	v.Config = map[string]string{"model": "large"}
	require.NoError(t, store.CreateVersion(ctx, v))

	got, err := store.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "support-agent", got.AgentType)
	assert.Equal(t, "large", got.Config["model"])

	got.Status = types.VersionStatusCanary
	require.NoError(t, store.UpdateVersion(ctx, got))

	updated, err := store.GetVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, types.VersionStatusCanary, updated.Status)

	_, err = store.GetVersion(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestBadgerStoreListVersionsBuildOrder(t *testing.T) {
	store := newBadgerStore(t)
	ctx := context.Background()

	// Insert out of order; the index orders by build number.
	for _, build := range []int{3, 1, 2} {
		v := newVersion(fmt.Sprintf("v%d", build), "a", build)
		require.NoError(t, store.CreateVersion(ctx, v))
	}

	versions, err := store.ListVersions(ctx, "a")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, v := range versions {
		assert.Equal(t, i+1, v.BuildNumber)
	}
}

func TestBadgerStorePlanRoundTrip(t *testing.T) {
	store := newBadgerStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		plan := &types.DeploymentPlan{
			ID:            fmt.Sprintf("p%d", i),
			AgentType:     "a",
			SourceVersion: types.NoSourceVersion,
			TargetVersion: "v1",
			Strategy:      types.StrategyCanary,
			Status:        types.PlanStatusPending,
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.CreatePlan(ctx, plan))
	}

	plans, err := store.ListPlans(ctx, "a")
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, "p0", plans[0].ID)
	assert.Equal(t, "p2", plans[2].ID)

	got, err := store.GetPlan(ctx, "p1")
	require.NoError(t, err)
	got.Status = types.PlanStatusCompleted
	require.NoError(t, store.UpdatePlan(ctx, got))

	updated, err := store.GetPlan(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusCompleted, updated.Status)
}

func TestBadgerStoreEventsNewestFirst(t *testing.T) {
	store := newBadgerStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordEvent(ctx, &types.Event{
			ID:        fmt.Sprintf("e%d", i),
			Type:      types.EventTypeDeploymentProgress,
			Source:    "orchestrator",
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Data:      map[string]interface{}{"agent_type": "a"},
		}))
	}

	events, err := store.GetEvents(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e2", events[0].ID)

	limited, err := store.GetEvents(ctx, map[string]string{"source": "orchestrator"}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestBadgerStoreClosedRejectsOperations(t *testing.T) {
	store, err := NewBadgerStore(BadgerStoreConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, store.Close(context.Background()))

	assert.Error(t, store.HealthCheck(context.Background()))
	_, err = store.GetVersion(context.Background(), "v1")
	assert.Error(t, err)
}
