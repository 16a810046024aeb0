package monitoring

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valifi/agentctl/pkg/clock"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAggregateEmptySetIsZero(t *testing.T) {
	store := NewMetricsStore()

	for _, agg := range []Aggregation{AggSum, AggAvg, AggMin, AggMax, AggCount} {
		value, err := store.Aggregate("nothing", agg, TimeRange{})
		require.NoError(t, err)
		assert.Zero(t, value, "aggregation %s", agg)
	}
}

func TestAggregateStatistics(t *testing.T) {
	store := NewMetricsStore()
	for _, v := range []float64{2, 4, 6} {
		store.Record("latency", v, "ms", nil)
	}

	cases := []struct {
		agg  Aggregation
		want float64
	}{
		{AggAvg, 4},
		{AggSum, 12},
		{AggMin, 2},
		{AggMax, 6},
		{AggCount, 3},
	}
	for _, tc := range cases {
		got, err := store.Aggregate("latency", tc.agg, TimeRange{})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "aggregation %s", tc.agg)
	}
}

func TestAggregateUnknownAggregation(t *testing.T) {
	store := NewMetricsStore()
	store.Record("latency", 1, "ms", nil)

	_, err := store.Aggregate("latency", "median", TimeRange{})
	assert.Error(t, err)
}

func TestQueryTimeRangeFilter(t *testing.T) {
	fake := clock.NewFake(testStart)
	store := NewMetricsStore(WithClock(fake))

	store.Record("latency", 1, "ms", nil)
	fake.Advance(time.Hour)
	store.Record("latency", 2, "ms", nil)
	fake.Advance(time.Hour)
	store.Record("latency", 3, "ms", nil)

	recent := store.Query("latency", TimeRange{From: testStart.Add(90 * time.Minute)})
	require.Len(t, recent, 1)
	assert.Equal(t, float64(3), recent[0].Value)

	middle := store.Query("latency", TimeRange{
		From: testStart.Add(30 * time.Minute),
		To:   testStart.Add(90 * time.Minute),
	})
	require.Len(t, middle, 1)
	assert.Equal(t, float64(2), middle[0].Value)
}

func TestPurgeDropsExpiredSamples(t *testing.T) {
	fake := clock.NewFake(testStart)
	store := NewMetricsStore(WithClock(fake), WithRetention(24*time.Hour))

	store.Record("latency", 1, "ms", nil)
	fake.Advance(12 * time.Hour)
	store.Record("latency", 2, "ms", nil)
	fake.Advance(13 * time.Hour) // first sample is now 25h old

	removed := store.Purge()
	assert.Equal(t, 1, removed)

	remaining := store.Query("latency", TimeRange{})
	require.Len(t, remaining, 1)
	assert.Equal(t, float64(2), remaining[0].Value)
}

func TestPurgeRemovesEmptyMetricName(t *testing.T) {
	fake := clock.NewFake(testStart)
	store := NewMetricsStore(WithClock(fake), WithRetention(time.Hour))

	store.Record("old", 1, "", nil)
	fake.Advance(2 * time.Hour)
	store.Purge()

	assert.Empty(t, store.Names())
}

func TestExportPrometheusFormat(t *testing.T) {
	fake := clock.NewFake(testStart)
	store := NewMetricsStore(WithClock(fake))

	store.Record("agent.response_time", 42, "ms", map[string]string{"agent_type": "support"})

	out := store.ExportPrometheus()
	want := `agent_response_time{agent_type="support"} 42 ` + strconv.FormatInt(testStart.UnixMilli(), 10)
	assert.Equal(t, want+"\n", out)
}

func TestExportCSVHeaderAndRows(t *testing.T) {
	store := NewMetricsStore()
	store.Record("latency", 5, "ms", map[string]string{"task": "summarize"})

	out := store.ExportCSV()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "name,value,unit,timestamp,tags", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "latency,5,ms,"))
	assert.True(t, strings.HasSuffix(lines[1], "task=summarize"))
}
