package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valifi/agentctl/pkg/config"
	"github.com/valifi/agentctl/pkg/events"
	"github.com/valifi/agentctl/pkg/logging"
	"github.com/valifi/agentctl/pkg/types"
)

// Bridge mirrors control-plane activity into a Prometheus registry and
// serves it over HTTP. It subscribes to the event bus rather than being
// called directly, so components stay decoupled from it.
type Bridge struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry
	logger   logging.Logger
	server   *http.Server

	samplesIngested  prometheus.Counter
	alertsCreated    *prometheus.CounterVec
	deployments      *prometheus.CounterVec
	rollbacks        prometheus.Counter
	rejections       *prometheus.CounterVec
	versionsCreated  prometheus.Counter
	healthChecksRun  prometheus.Counter
	unsubscribeFuncs []func()
}

// NewBridge creates the Prometheus bridge and registers its collectors.
func NewBridge(cfg *config.MetricsConfig, logger logging.Logger) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("metrics config is required")
	}
	if logger == nil {
		logger = logging.NopLogger{}
	}

	b := &Bridge{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		logger:   logger,
		samplesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentctl_metric_samples_ingested_total",
			Help: "Total number of metric samples ingested",
		}),
		alertsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentctl_alerts_created_total",
			Help: "Total number of alerts created, by severity",
		}, []string{"severity"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentctl_deployments_total",
			Help: "Total number of deployments, by outcome",
		}, []string{"outcome"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentctl_rollbacks_total",
			Help: "Total number of deployment rollbacks",
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentctl_middleware_rejections_total",
			Help: "Total number of middleware rejections, by enhancement",
		}, []string{"enhancement"}),
		versionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentctl_versions_created_total",
			Help: "Total number of agent versions created",
		}),
		healthChecksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentctl_health_checks_total",
			Help: "Total number of deployment health checks run",
		}),
	}

	collectors := []prometheus.Collector{
		b.samplesIngested,
		b.alertsCreated,
		b.deployments,
		b.rollbacks,
		b.rejections,
		b.versionsCreated,
		b.healthChecksRun,
	}
	for _, collector := range collectors {
		if err := b.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return b, nil
}

// Attach subscribes the bridge to control-plane events on the bus.
func (b *Bridge) Attach(bus *events.Bus) {
	sub := func(t types.EventType, h events.Handler) {
		b.unsubscribeFuncs = append(b.unsubscribeFuncs, bus.Subscribe(t, h))
	}

	sub(types.EventTypeVersionCreated, func(types.Event) {
		b.versionsCreated.Inc()
	})
	sub(types.EventTypeDeploymentCompleted, func(types.Event) {
		b.deployments.WithLabelValues("completed").Inc()
	})
	sub(types.EventTypeDeploymentFailed, func(types.Event) {
		b.deployments.WithLabelValues("failed").Inc()
	})
	sub(types.EventTypeDeploymentRolledBack, func(types.Event) {
		b.deployments.WithLabelValues("rolled-back").Inc()
		b.rollbacks.Inc()
	})
	sub(types.EventTypeDeploymentHealth, func(types.Event) {
		b.healthChecksRun.Inc()
	})
	sub(types.EventTypeAlertCreated, func(event types.Event) {
		severity, _ := event.Data["severity"].(string)
		if severity == "" {
			severity = "unknown"
		}
		b.alertsCreated.WithLabelValues(severity).Inc()
	})
	sub(types.EventTypeEnhancementError, func(event types.Event) {
		enhancement, _ := event.Data["enhancement"].(string)
		if enhancement == "" {
			enhancement = "unknown"
		}
		b.rejections.WithLabelValues(enhancement).Inc()
	})
}

// ObserveSample counts an ingested sample. The metrics store calls this via
// the RecordMetric facade in the server binary.
func (b *Bridge) ObserveSample() {
	b.samplesIngested.Inc()
}

// Start serves the registry on the configured address.
func (b *Bridge) Start() error {
	if !b.config.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", b.config.Host, b.config.Port)
	mux := http.NewServeMux()
	mux.Handle(b.config.Path, promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))

	b.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		b.logger.Info("metrics server listening", logging.String("addr", addr))
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			b.logger.Error("metrics server error", logging.Err(err))
		}
	}()

	return nil
}

// Stop shuts the HTTP server down and detaches from the bus.
func (b *Bridge) Stop(ctx context.Context) error {
	for _, unsubscribe := range b.unsubscribeFuncs {
		unsubscribe()
	}
	b.unsubscribeFuncs = nil

	if b.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.server.Shutdown(shutdownCtx)
}
