// agentctl is the agent lifecycle control plane server: version registry,
// deployment orchestrator, execution middleware, and observability.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valifi/agentctl/pkg/clock"
	"github.com/valifi/agentctl/pkg/config"
	"github.com/valifi/agentctl/pkg/events"
	"github.com/valifi/agentctl/pkg/logging"
	"github.com/valifi/agentctl/pkg/middleware"
	"github.com/valifi/agentctl/pkg/monitoring"
	"github.com/valifi/agentctl/pkg/orchestrator"
	"github.com/valifi/agentctl/pkg/registry"
	"github.com/valifi/agentctl/pkg/state"
	"github.com/valifi/agentctl/pkg/tracing"
	"github.com/valifi/agentctl/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML or JSON)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	defer store.Close(context.Background())

	bus := events.NewBus()
	clk := clock.New()

	metricsStore := monitoring.NewMetricsStore(monitoring.WithRetention(cfg.Monitoring.Retention))
	go metricsStore.RunPurge(ctx, cfg.Monitoring.PurgeInterval)

	alertEngine := monitoring.NewAlertEngine(metricsStore, bus,
		monitoring.WithRuleWindow(cfg.Monitoring.RuleWindow),
		monitoring.WithEngineLogger(logger))
	alertEngine.AddRule(monitoring.ThresholdRule(
		"high-error-rate", "agent.error_rate", monitoring.AggAvg, 0.10,
		types.SeverityCritical, "average agent error rate above 10%"))
	alertEngine.AddRule(monitoring.ThresholdRule(
		"slow-responses", "agent.response_time", monitoring.AggAvg, 5000,
		types.SeverityWarning, "average agent response time above 5s"))
	go alertEngine.Run(ctx, cfg.Monitoring.EvaluationInterval)

	bridge, err := monitoring.NewBridge(&cfg.Monitoring.Metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create metrics bridge: %w", err)
	}
	bridge.Attach(bus)
	if err := bridge.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	defer bridge.Stop(context.Background())

	tracerOpts := []tracing.Option{tracing.WithMetrics(metricsStore)}
	if cfg.Tracing.Enabled {
		otelTracer, shutdown, err := tracing.InitOTel(ctx, &cfg.Tracing)
		if err != nil {
			return fmt.Errorf("failed to initialize trace export: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("trace exporter shutdown failed", logging.Err(err))
			}
		}()
		tracerOpts = append(tracerOpts, tracing.WithOTel(otelTracer))
	}
	tracer := tracing.New(tracerOpts...)

	reg, err := registry.New(registry.Config{
		Store:     store,
		Bus:       bus,
		Certifier: noopCertifier{},
		Clock:     clk,
		Logger:    logger.With(logging.String("component", "registry")),
	})
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}

	health := orchestrator.NewHealthRegistry()
	orchestrator.RegisterMetricChecks(health, metricsStore, orchestrator.DefaultThresholds())

	orch, err := orchestrator.New(cfg.Orchestrator, store, reg, bus, health,
		orchestrator.WithClock(clk),
		orchestrator.WithLogger(logger.With(logging.String("component", "orchestrator"))))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	manager := middleware.NewManager(bus, logger.With(logging.String("component", "middleware")))
	for _, enhancement := range middleware.NewDefaultSet(clk, metricsStore) {
		if err := manager.Register(enhancement); err != nil {
			return fmt.Errorf("failed to register enhancement: %w", err)
		}
	}

	// The assembled control plane. Embedders attach an agent runtime by
	// building a middleware.Executor over the orchestrator's routing.
	plane := &Plane{
		Registry:     reg,
		Orchestrator: orch,
		Middleware:   manager,
		Metrics:      metricsStore,
		Alerts:       alertEngine,
		Tracer:       tracer,
	}

	return plane.Run(ctx, logger, cfg)
}

// Plane bundles the wired control-plane components.
type Plane struct {
	Registry     *registry.Registry
	Orchestrator *orchestrator.Orchestrator
	Middleware   *middleware.Manager
	Metrics      *monitoring.MetricsStore
	Alerts       *monitoring.AlertEngine
	Tracer       *tracing.Tracer
}

// Run blocks until the context is cancelled.
func (p *Plane) Run(ctx context.Context, logger logging.Logger, cfg *config.Config) error {
	logger.Info("control plane started",
		logging.String("state_store", cfg.State.Type),
		logging.Int("metrics_port", cfg.Monitoring.Metrics.Port),
		logging.Any("enhancements", p.Middleware.List()))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildStore(cfg *config.Config) (state.Store, error) {
	switch cfg.State.Type {
	case "memory":
		return state.NewMemoryStore(), nil
	case "badger":
		return state.NewBadgerStore(state.BadgerStoreConfig{
			Path:     cfg.State.Path,
			EventTTL: cfg.State.EventTTL,
		})
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", cfg.State.Type)
	}
}

// noopCertifier passes every version without assigning a level. Real
// deployments plug in an external test harness.
type noopCertifier struct{}

func (noopCertifier) Certify(context.Context, string) (registry.CertificationResult, error) {
	return registry.CertificationResult{Passed: true, Level: types.CertificationBronze}, nil
}
