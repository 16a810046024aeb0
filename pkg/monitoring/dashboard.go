package monitoring

import (
	"fmt"
	"time"

	"github.com/valifi/agentctl/pkg/types"
)

// WidgetType selects which primitive a widget resolves to
type WidgetType string

const (
	WidgetMetric    WidgetType = "metric"
	WidgetChart     WidgetType = "chart"
	WidgetAlertList WidgetType = "alert-list"
	WidgetLogStream WidgetType = "log-stream"
	WidgetTable     WidgetType = "table"
)

// Widget is one declarative dashboard element. A dashboard holds no state
// of its own; every widget resolves to a store or engine query at read time.
type Widget struct {
	Type        WidgetType    `json:"type"`
	Title       string        `json:"title"`
	Metric      string        `json:"metric,omitempty"`
	Aggregation Aggregation   `json:"aggregation,omitempty"`
	Window      time.Duration `json:"window,omitempty"`
	Limit       int           `json:"limit,omitempty"`
}

// Dashboard is an ordered widget list
type Dashboard struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Widgets []Widget `json:"widgets"`
}

// WidgetData is the resolved content of one widget
type WidgetData struct {
	Title  string      `json:"title"`
	Type   WidgetType  `json:"type"`
	Value  interface{} `json:"value"`
	Unit   string      `json:"unit,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// DashboardData is the resolved content of a dashboard
type DashboardData struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	GeneratedAt time.Time    `json:"generated_at"`
	Widgets     []WidgetData `json:"widgets"`
}

// Resolver renders dashboards from the metrics store and alert engine.
type Resolver struct {
	store  *MetricsStore
	engine *AlertEngine
}

// NewResolver creates a dashboard resolver.
func NewResolver(store *MetricsStore, engine *AlertEngine) *Resolver {
	return &Resolver{store: store, engine: engine}
}

// Resolve renders every widget in order.
func (r *Resolver) Resolve(dashboard Dashboard) DashboardData {
	data := DashboardData{
		ID:          dashboard.ID,
		Name:        dashboard.Name,
		GeneratedAt: r.store.clock.Now(),
		Widgets:     make([]WidgetData, 0, len(dashboard.Widgets)),
	}

	for _, widget := range dashboard.Widgets {
		data.Widgets = append(data.Widgets, r.resolveWidget(widget))
	}
	return data
}

func (r *Resolver) resolveWidget(widget Widget) WidgetData {
	out := WidgetData{Title: widget.Title, Type: widget.Type}

	window := TimeRange{}
	if widget.Window > 0 {
		window.From = r.store.clock.Now().Add(-widget.Window)
	}

	switch widget.Type {
	case WidgetMetric:
		agg := widget.Aggregation
		if agg == "" {
			agg = AggAvg
		}
		value, err := r.store.Aggregate(widget.Metric, agg, window)
		if err != nil {
			out.Error = err.Error()
			return out
		}
		out.Value = value

	case WidgetChart, WidgetTable:
		samples := r.store.Query(widget.Metric, window)
		if widget.Limit > 0 && len(samples) > widget.Limit {
			samples = samples[len(samples)-widget.Limit:]
		}
		out.Value = samples

	case WidgetAlertList:
		alerts := r.engine.Alerts(true)
		if widget.Limit > 0 && len(alerts) > widget.Limit {
			alerts = alerts[:widget.Limit]
		}
		out.Value = alerts

	case WidgetLogStream:
		// Log streams resolve to the newest alert messages; the control
		// plane does not retain raw logs.
		alerts := r.engine.Alerts(false)
		limit := widget.Limit
		if limit <= 0 || limit > len(alerts) {
			limit = len(alerts)
		}
		lines := make([]string, 0, limit)
		for _, alert := range alerts[:limit] {
			lines = append(lines, formatAlertLine(alert))
		}
		out.Value = lines

	default:
		out.Error = fmt.Sprintf("unknown widget type %q", widget.Type)
	}

	return out
}

func formatAlertLine(alert *types.Alert) string {
	return fmt.Sprintf("%s [%s] %s: %s",
		alert.Timestamp.Format(time.RFC3339), alert.Severity, alert.RuleName, alert.Message)
}
