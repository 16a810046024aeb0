// Package monitoring provides the metrics store, alert engine, and
// dashboard primitives of the control plane
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valifi/agentctl/pkg/clock"
)

// Aggregation names a statistic over a filtered sample set
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// Sample is one stored metric observation
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Unit      string            `json:"unit,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// TimeRange bounds a query. A zero From or To leaves that side open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// MetricsStore is the append-only sample store. Samples older than the
// retention window are purged by a background loop.
type MetricsStore struct {
	mu        sync.RWMutex
	samples   map[string][]Sample // keyed by metric name, append order = time order
	retention time.Duration
	clock     clock.Clock
}

// StoreOption configures a MetricsStore.
type StoreOption func(*MetricsStore)

// WithClock injects a time source; tests pass a fake.
func WithClock(c clock.Clock) StoreOption {
	return func(s *MetricsStore) { s.clock = c }
}

// WithRetention overrides the default 24h retention window.
func WithRetention(d time.Duration) StoreOption {
	return func(s *MetricsStore) { s.retention = d }
}

// NewMetricsStore creates a metrics store with a 24h retention window.
func NewMetricsStore(opts ...StoreOption) *MetricsStore {
	s := &MetricsStore{
		samples:   make(map[string][]Sample),
		retention: 24 * time.Hour,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends a sample stamped with the store's clock.
func (s *MetricsStore) Record(name string, value float64, unit string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tagsCopy map[string]string
	if len(tags) > 0 {
		tagsCopy = make(map[string]string, len(tags))
		for k, v := range tags {
			tagsCopy[k] = v
		}
	}

	s.samples[name] = append(s.samples[name], Sample{
		Name:      name,
		Value:     value,
		Unit:      unit,
		Timestamp: s.clock.Now(),
		Tags:      tagsCopy,
	})
}

// Query returns samples for a metric inside the range, oldest first.
func (s *MetricsStore) Query(name string, timeRange TimeRange) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Sample
	for _, sample := range s.samples[name] {
		if timeRange.Contains(sample.Timestamp) {
			out = append(out, sample)
		}
	}
	return out
}

// Aggregate computes the named statistic over the filtered set. Every
// aggregation of an empty set is 0.
func (s *MetricsStore) Aggregate(name string, agg Aggregation, timeRange TimeRange) (float64, error) {
	samples := s.Query(name, timeRange)
	if len(samples) == 0 {
		return 0, nil
	}

	switch agg {
	case AggCount:
		return float64(len(samples)), nil
	case AggSum, AggAvg:
		var sum float64
		for _, sample := range samples {
			sum += sample.Value
		}
		if agg == AggSum {
			return sum, nil
		}
		return sum / float64(len(samples)), nil
	case AggMin:
		min := samples[0].Value
		for _, sample := range samples[1:] {
			if sample.Value < min {
				min = sample.Value
			}
		}
		return min, nil
	case AggMax:
		max := samples[0].Value
		for _, sample := range samples[1:] {
			if sample.Value > max {
				max = sample.Value
			}
		}
		return max, nil
	default:
		return 0, fmt.Errorf("unknown aggregation %q", agg)
	}
}

// Window returns the range covering the last d, measured on the store's
// clock so callers filter against the same epoch samples are stamped with.
func (s *MetricsStore) Window(d time.Duration) TimeRange {
	return TimeRange{From: s.clock.Now().Add(-d)}
}

// Names returns all metric names with at least one retained sample, sorted.
func (s *MetricsStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.samples))
	for name, samples := range s.samples {
		if len(samples) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Purge drops samples older than the retention window and returns the
// number removed.
func (s *MetricsStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.retention)
	removed := 0

	for name, samples := range s.samples {
		// Samples are appended in time order; find the first survivor.
		idx := sort.Search(len(samples), func(i int) bool {
			return !samples[i].Timestamp.Before(cutoff)
		})
		if idx == 0 {
			continue
		}
		removed += idx
		if idx == len(samples) {
			delete(s.samples, name)
			continue
		}
		s.samples[name] = append([]Sample(nil), samples[idx:]...)
	}

	return removed
}

// RunPurge runs the retention loop until the context is cancelled. It runs
// independently of in-flight deployments and never blocks them.
func (s *MetricsStore) RunPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Purge()
		}
	}
}

// ExportPrometheus renders retained samples in the Prometheus line format:
// metric_name{tag="v"} value timestamp_ms.
func (s *MetricsStore) ExportPrometheus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.samples))
	for name := range s.samples {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, sample := range s.samples[name] {
			b.WriteString(promName(name))
			if len(sample.Tags) > 0 {
				b.WriteByte('{')
				keys := make([]string, 0, len(sample.Tags))
				for k := range sample.Tags {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for i, k := range keys {
					if i > 0 {
						b.WriteByte(',')
					}
					fmt.Fprintf(&b, "%s=%q", promName(k), sample.Tags[k])
				}
				b.WriteByte('}')
			}
			fmt.Fprintf(&b, " %v %d\n", sample.Value, sample.Timestamp.UnixMilli())
		}
	}
	return b.String()
}

// ExportCSV renders retained samples as name,value,unit,timestamp,tags rows.
func (s *MetricsStore) ExportCSV() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.samples))
	for name := range s.samples {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("name,value,unit,timestamp,tags\n")
	for _, name := range names {
		for _, sample := range s.samples[name] {
			keys := make([]string, 0, len(sample.Tags))
			for k := range sample.Tags {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, 0, len(keys))
			for _, k := range keys {
				pairs = append(pairs, k+"="+sample.Tags[k])
			}
			fmt.Fprintf(&b, "%s,%v,%s,%s,%s\n",
				name, sample.Value, sample.Unit,
				sample.Timestamp.Format(time.RFC3339),
				strings.Join(pairs, ";"))
		}
	}
	return b.String()
}

// promName maps a metric name to a valid Prometheus identifier.
func promName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
