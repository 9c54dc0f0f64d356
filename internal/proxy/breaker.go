package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/sniroute/internal/observability"
)

// maxBreakers caps how many per-address breakers are tracked. Passthrough
// backends can fan out to arbitrary hostnames.
const maxBreakers = 4096

// CircuitBreakerConfig configures per-candidate circuit breaking.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that opens a breaker.
	Threshold int
	// Timeout is how long a breaker stays open before a trial dial.
	Timeout time.Duration
}

// breakerSet holds one circuit breaker per candidate address. An open
// breaker makes its candidate fail fast so the dispatcher moves on to the
// next one.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   CircuitBreakerConfig
	logger   observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
}

func newBreakerSet(
	cfg CircuitBreakerConfig,
	logger observability.Logger,
	metrics *observability.Metrics,
	tracer trace.Tracer,
) *breakerSet {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// get returns the breaker for address, creating it on first use.
func (s *breakerSet) get(address string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[address]; ok {
		return cb
	}

	if len(s.breakers) >= maxBreakers {
		s.evictClosed()
	}

	threshold := safeIntToUint32(s.config.Threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        address,
		MaxRequests: 1,
		Timeout:     s.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var aborted *abortedDial
			return err == nil || errors.As(err, &aborted)
		},
		OnStateChange: s.onStateChange,
	})
	s.breakers[address] = cb
	return cb
}

// evictClosed drops breakers that carry no open or half-open state, along
// with their state gauge. Callers must hold s.mu.
func (s *breakerSet) evictClosed() {
	for addr, cb := range s.breakers {
		if cb.State() != gobreaker.StateClosed {
			continue
		}
		delete(s.breakers, addr)
		if s.metrics != nil {
			s.metrics.DeleteCircuitBreakerState(addr)
		}
	}
}

func (s *breakerSet) onStateChange(name string, from, to gobreaker.State) {
	s.logger.Info("candidate circuit breaker state change",
		observability.String("address", name),
		observability.String("from", from.String()),
		observability.String("to", to.String()),
	)

	if s.metrics != nil {
		s.metrics.SetCircuitBreakerState(name, int(to))
	}

	_, span := s.tracer.Start(context.Background(),
		"sniroute.circuitbreaker.state_change",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.AddEvent("state_change", trace.WithAttributes(
		attribute.String("circuitbreaker.address", name),
		attribute.String("circuitbreaker.from", from.String()),
		attribute.String("circuitbreaker.to", to.String()),
	))
	span.End()
}

// abortedDial wraps a dial error that happened after the caller's context
// ended. It says nothing about the candidate's health.
type abortedDial struct {
	err error
}

func (e *abortedDial) Error() string { return e.err.Error() }

func (e *abortedDial) Unwrap() error { return e.err }

// dial runs fn under the breaker for address. Failures caused by ctx being
// cancelled or reaching its deadline are not counted against the candidate;
// the connect timeout applied inside fn still is.
func (s *breakerSet) dial(ctx context.Context, address string, fn func() (net.Conn, error)) (net.Conn, error) {
	result, err := s.get(address).Execute(func() (interface{}, error) {
		conn, err := fn()
		if err != nil && ctx.Err() != nil {
			return nil, &abortedDial{err: err}
		}
		return conn, err
	})
	if err != nil {
		var aborted *abortedDial
		if errors.As(err, &aborted) {
			return nil, aborted.err
		}
		return nil, err
	}
	return result.(net.Conn), nil
}

// safeIntToUint32 safely converts int to uint32.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}
