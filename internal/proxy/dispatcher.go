package proxy

import (
	"context"
	"errors"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/sniroute/internal/observability"
	"github.com/vyrodovalexey/sniroute/internal/router"
)

// tracerName is the instrumentation scope for dispatch spans.
const tracerName = "sniroute/proxy"

// BackendLookup selects the backend for a hostname. *router.Registry
// satisfies it.
type BackendLookup interface {
	Lookup(hostname string) (*router.Backend, error)
}

// Dispatcher resolves a backend's target and opens a TCP connection to the
// first candidate address that accepts.
type Dispatcher struct {
	resolver       Resolver
	dialer         Dialer
	connectTimeout time.Duration
	breakerConfig  *CircuitBreakerConfig
	breakers       *breakerSet
	logger         observability.Logger
	metrics        *observability.Metrics
	tracer         trace.Tracer
}

// DispatcherOption is a functional option for configuring the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithResolver sets the resolver used for target hostnames.
func WithResolver(resolver Resolver) DispatcherOption {
	return func(d *Dispatcher) {
		d.resolver = resolver
	}
}

// WithDialer sets the dialer used to open candidate connections.
func WithDialer(dialer Dialer) DispatcherOption {
	return func(d *Dispatcher) {
		d.dialer = dialer
	}
}

// WithConnectTimeout bounds each candidate dial. Zero means no bound
// beyond the caller's context.
func WithConnectTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.connectTimeout = timeout
	}
}

// WithCircuitBreaker enables per-candidate circuit breaking.
func WithCircuitBreaker(cfg CircuitBreakerConfig) DispatcherOption {
	return func(d *Dispatcher) {
		d.breakerConfig = &cfg
	}
}

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics for the dispatcher.
func WithMetrics(metrics *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithTracer sets the tracer for dispatch spans.
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{},
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.breakerConfig != nil {
		d.breakers = newBreakerSet(*d.breakerConfig, d.logger, d.metrics, d.tracer)
	}

	return d
}

// Connect opens a connection to backend on behalf of hostname. A
// passthrough backend dials hostname itself. Candidates are tried in
// resolver order and the first successful connection is returned; when
// all fail the error carries only the last candidate's cause.
func (d *Dispatcher) Connect(ctx context.Context, backend *router.Backend, hostname string) (net.Conn, error) {
	if backend == nil {
		return nil, ErrNoBackend
	}

	start := time.Now()
	target := backend.Target(hostname)
	port := backend.Port()

	ctx, span := d.tracer.Start(ctx, "sniroute.dispatch.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("sniroute.hostname", hostname),
			attribute.String("sniroute.backend.pattern", backend.Pattern()),
			attribute.String("server.address", target),
			attribute.Int("server.port", port),
		),
	)
	defer span.End()

	logger := d.logger.WithContext(ctx).With(
		observability.String("hostname", hostname),
		observability.String("target", target),
		observability.Int("port", port),
	)

	candidates, err := resolveCandidates(ctx, d.resolver, target, port)
	if err != nil {
		rerr := newResolutionError(target, port, err)
		logger.Warn("target resolution failed", observability.Error(err))
		span.RecordError(rerr)
		span.SetStatus(codes.Error, ErrResolution.Error())
		d.recordConnect(observability.ConnectResolutionFailure, start)
		return nil, rerr
	}

	span.SetAttributes(attribute.Int("sniroute.candidates", len(candidates)))
	if d.metrics != nil {
		d.metrics.ObserveCandidates(len(candidates))
	}

	var (
		lastErr  error
		lastAddr string
		attempts int
	)

	for _, addr := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = ctxErr
			break
		}

		attempts++
		lastAddr = addr

		conn, dialErr := d.dialCandidate(ctx, addr)
		if d.metrics != nil {
			d.metrics.RecordCandidateAttempt(dialErr == nil)
		}
		if dialErr == nil {
			span.AddEvent("candidate_connected", trace.WithAttributes(
				attribute.String("net.peer.address", addr),
			))
			logger.Debug("connected to backend candidate",
				observability.String("address", addr),
				observability.Int("attempt", attempts),
			)
			d.recordConnect(observability.ConnectSuccess, start)
			return conn, nil
		}

		lastErr = dialErr
		span.AddEvent("candidate_failed", trace.WithAttributes(
			attribute.String("net.peer.address", addr),
			attribute.String("error", dialErr.Error()),
		))
		logger.Debug("backend candidate failed",
			observability.String("address", addr),
			observability.Error(dialErr),
		)
	}

	cerr := newConnectError(target, port, lastAddr, attempts, lastErr)
	logger.Warn("all backend candidates failed",
		observability.Int("attempts", attempts),
		observability.Error(lastErr),
	)
	span.RecordError(cerr)
	span.SetStatus(codes.Error, ErrConnect.Error())
	d.recordConnect(observability.ConnectFailure, start)
	return nil, cerr
}

// DialHostname looks up the backend for hostname and connects to it. The
// selected backend is returned alongside the connection.
func (d *Dispatcher) DialHostname(
	ctx context.Context,
	lookup BackendLookup,
	hostname string,
) (net.Conn, *router.Backend, error) {
	backend, err := lookup.Lookup(hostname)
	if err != nil {
		return nil, nil, err
	}

	conn, err := d.Connect(ctx, backend, hostname)
	if err != nil {
		return nil, backend, err
	}
	return conn, backend, nil
}

// dialCandidate dials a single candidate address, applying the connect
// timeout and circuit breaker when configured.
func (d *Dispatcher) dialCandidate(ctx context.Context, addr string) (net.Conn, error) {
	dial := func() (net.Conn, error) {
		dialCtx := ctx
		if d.connectTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, d.connectTimeout)
			defer cancel()
		}

		conn, err := d.dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return nil, err
		}
		if conn == nil {
			return nil, errors.New("dialer returned no connection")
		}
		return conn, nil
	}

	if d.breakers != nil {
		return d.breakers.dial(ctx, addr, dial)
	}
	return dial()
}

func (d *Dispatcher) recordConnect(result string, start time.Time) {
	if d.metrics != nil {
		d.metrics.RecordConnect(result, time.Since(start))
	}
}
