package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/sniroute/internal/config"
	"github.com/vyrodovalexey/sniroute/internal/health"
	"github.com/vyrodovalexey/sniroute/internal/observability"
	"github.com/vyrodovalexey/sniroute/internal/proxy"
	"github.com/vyrodovalexey/sniroute/internal/router"
)

// application holds all application components.
type application struct {
	config        *config.Config
	registry      *router.Registry
	dispatcher    *proxy.Dispatcher
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	healthChecker *health.Checker
	reloads       *health.ReloadTracker
	metricsServer *http.Server
}

// newApplication builds the registry and dispatcher from cfg. The
// configured backends are installed before it returns.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics("sniroute")
	metrics.InitVecMetrics()
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	registry := router.NewRegistry(
		router.WithLogger(logger),
		router.WithMetrics(metrics),
		router.WithMatchTimeout(cfg.Routing.MatchTimeout.Duration()),
	)
	if err := registry.Replace(cfg.Rules()); err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to load backends: %w", err)
	}

	dispatcher := proxy.NewDispatcher(dispatcherOptions(cfg, logger, metrics, tracer)...)

	reloads := health.NewReloadTracker()
	checker := health.NewChecker(version)
	checker.RegisterCheck("backends", health.BackendsCheck(registry.Len))
	checker.RegisterCheck("config", reloads.Check)

	return &application{
		config:        cfg,
		registry:      registry,
		dispatcher:    dispatcher,
		metrics:       metrics,
		tracer:        tracer,
		healthChecker: checker,
		reloads:       reloads,
	}, nil
}

// dispatcherOptions translates the dispatch section into dispatcher options.
func dispatcherOptions(
	cfg *config.Config,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) []proxy.DispatcherOption {
	opts := []proxy.DispatcherOption{
		proxy.WithLogger(logger),
		proxy.WithMetrics(metrics),
		proxy.WithTracer(tracer.Tracer()),
		proxy.WithConnectTimeout(cfg.Dispatch.ConnectTimeout.Duration()),
	}

	if cfg.CircuitBreakerEnabled() {
		cb := cfg.Dispatch.CircuitBreaker
		opts = append(opts, proxy.WithCircuitBreaker(proxy.CircuitBreakerConfig{
			Threshold: cb.Threshold,
			Timeout:   cb.Timeout.Duration(),
		}))
	}

	return opts
}

// close releases resources held outside the serving loop.
func (a *application) close(ctx context.Context, logger observability.Logger) {
	if err := a.tracer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}
}
