// Package main is the entry point for the hostname router.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vyrodovalexey/sniroute/internal/config"
	"github.com/vyrodovalexey/sniroute/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags. Empty log settings defer to the
// configuration file.
type cliFlags struct {
	configPath     string
	logLevel       string
	logFormat      string
	resolveHost    string
	reloadDebounce time.Duration
	showVersion    bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	bootstrap := initLogger(observability.LogConfig{
		Level:  orDefault(flags.logLevel, config.DefaultLogLevel),
		Format: orDefault(flags.logFormat, config.DefaultLogFormat),
		Output: "stderr",
	})

	cfg := loadAndValidateConfig(flags.configPath, bootstrap)

	logger := initLogger(effectiveLogConfig(flags, cfg))
	defer func() { _ = logger.Sync() }()

	app, err := newApplication(cfg, logger)
	if err != nil {
		fatalWithSync(logger, "failed to initialize", observability.Error(err))
		return
	}

	if flags.resolveHost != "" {
		code := runResolve(context.Background(), app, flags.resolveHost, os.Stdout)
		app.close(context.Background(), logger)
		_ = logger.Sync()
		os.Exit(code)
	}

	run(app, flags, logger)
}

// parseFlags parses command line flags.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	var f cliFlags
	fs.StringVar(&f.configPath, "config", getEnvOrDefault("SNIROUTE_CONFIG_PATH", "configs/sniroute.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.logLevel, "log-level", getEnvOrDefault("SNIROUTE_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	fs.StringVar(&f.logFormat, "log-format", getEnvOrDefault("SNIROUTE_LOG_FORMAT", ""),
		"Log format (json, console); overrides the configuration file")
	fs.StringVar(&f.resolveHost, "resolve", "",
		"Look up and connect to the backend for HOST, report the result and exit")
	fs.DurationVar(&f.reloadDebounce, "reload-debounce",
		getEnvDurationOrDefault("SNIROUTE_RELOAD_DEBOUNCE", config.DefaultWatcherDebounceDelay),
		"Quiet period after a config file change before it is reloaded")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")
	_ = fs.Parse(args)
	return f
}

// printVersion prints version information.
func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "sniroute version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger and installs it globally.
func initLogger(cfg observability.LogConfig) observability.Logger {
	logger, err := observability.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// effectiveLogConfig merges command line overrides onto the configured
// logging settings.
func effectiveLogConfig(flags cliFlags, cfg *config.Config) observability.LogConfig {
	return observability.LogConfig{
		Level:  orDefault(flags.logLevel, cfg.Logging.Level),
		Format: orDefault(flags.logFormat, cfg.Logging.Format),
		Output: cfg.Logging.Output,
	}
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting sniroute",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fatalWithSync(logger, "failed to load configuration", observability.Error(err))
		return nil
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatalWithSync(logger, "invalid configuration", observability.Error(err))
		return nil
	}

	logger.Info("configuration loaded",
		observability.Int("backends", len(cfg.Backends)),
		observability.Bool("metrics", cfg.Metrics.Enabled),
		observability.Bool("tracing", cfg.Tracing.Enabled),
		observability.Bool("circuit_breaker", cfg.CircuitBreakerEnabled()),
	)

	return cfg
}

// fatalWithSync flushes the logger and exits.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	_ = logger.Sync()
	logger.Fatal(msg, fields...)
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
