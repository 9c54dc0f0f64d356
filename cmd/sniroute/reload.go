package main

import (
	"context"
	"reflect"
	"time"

	"github.com/vyrodovalexey/sniroute/internal/config"
	"github.com/vyrodovalexey/sniroute/internal/observability"
)

// applyConfig installs the backends of a reloaded configuration. Only the
// backend list is applied live; other sections need a restart.
func (a *application) applyConfig(newCfg *config.Config, logger observability.Logger) error {
	err := a.registry.Replace(newCfg.Rules())
	a.recordReload(err)
	if err != nil {
		logger.Error("failed to apply reloaded backends, keeping previous set",
			observability.Error(err),
		)
		return err
	}

	if sections := restartRequiredSections(a.config, newCfg); len(sections) > 0 {
		logger.Warn("configuration sections changed that require a restart",
			observability.Strings("sections", sections),
		)
	}

	a.config = mergeReloadable(a.config, newCfg)

	logger.Info("backends reloaded",
		observability.Int("backends", a.registry.Len()),
	)
	return nil
}

// recordReload records a reload attempt in metrics and health state.
func (a *application) recordReload(err error) {
	a.metrics.RecordConfigReload(err)
	a.reloads.Record(err)
}

// restartRequiredSections lists the sections that differ between old and
// new and are not applied on reload.
func restartRequiredSections(oldCfg, newCfg *config.Config) []string {
	var sections []string
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		sections = append(sections, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		sections = append(sections, "metrics")
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		sections = append(sections, "tracing")
	}
	if !reflect.DeepEqual(oldCfg.Routing, newCfg.Routing) {
		sections = append(sections, "routing")
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		sections = append(sections, "dispatch")
	}
	return sections
}

// mergeReloadable returns the running configuration with the backend list
// taken from newCfg.
func mergeReloadable(running, newCfg *config.Config) *config.Config {
	merged := *running
	merged.Backends = newCfg.Backends
	return &merged
}

// startConfigWatcher starts the configuration watcher. A watcher failure
// is logged and the router keeps running on the loaded configuration.
func startConfigWatcher(
	ctx context.Context,
	app *application,
	configPath string,
	debounce time.Duration,
	logger observability.Logger,
) *config.Watcher {
	watcher, err := config.NewWatcher(configPath,
		func(newCfg *config.Config) {
			logger.Info("configuration changed, reloading backends")
			_ = app.applyConfig(newCfg, logger)
		},
		config.WithLogger(logger),
		config.WithDebounceDelay(debounce),
		config.WithErrorCallback(app.recordReload),
	)
	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}

	return watcher
}

// forceReload reloads the configuration file on demand. Failures are
// logged and recorded by the watcher's callbacks.
func forceReload(watcher *config.Watcher, logger observability.Logger) {
	if watcher == nil {
		logger.Warn("reload requested but the config watcher is not running")
		return
	}

	if err := watcher.ForceReload(); err != nil {
		return
	}

	logger.Info("configuration reloaded on request",
		observability.Int("backends", len(watcher.GetLastConfig().Backends)),
	)
}
