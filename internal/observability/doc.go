// Package observability provides logging, metrics, and tracing for
// sniroute.
//
// Structured logging is done through zap behind the Logger interface,
// Prometheus metrics live on a dedicated registry exposed by
// Metrics.Handler, and distributed tracing uses OpenTelemetry with an
// optional OTLP/gRPC exporter.
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("backend selected",
//	    observability.String("hostname", "www.example.com"),
//	    observability.Int("port", 443),
//	)
package observability
