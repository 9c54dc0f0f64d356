package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/sniroute/internal/config"
	"github.com/vyrodovalexey/sniroute/internal/observability"
)

// run serves metrics, watches the configuration and blocks until a
// shutdown signal arrives. SIGHUP reloads the configuration immediately.
func run(app *application, flags cliFlags, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startMetricsServerIfEnabled(app, logger)
	watcher := startConfigWatcher(ctx, app, flags.configPath, flags.reloadDebounce, logger)

	logger.Info("sniroute started",
		observability.Int("backends", app.registry.Len()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			forceReload(watcher, logger)
			continue
		}
		logger.Info("received shutdown signal", observability.String("signal", sig.String()))
		break
	}

	shutdown(app, watcher, logger)
}

// shutdown stops the watcher, the metrics server and the tracer within the
// grace period.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownGracePeriod)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error("failed to stop config watcher", observability.Error(err))
		}
	}

	if app.metricsServer != nil {
		logger.Info("stopping metrics server")
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	app.close(shutdownCtx, logger)

	logger.Info("sniroute stopped")
}
