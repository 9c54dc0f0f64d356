package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/sniroute/internal/observability"
)

// Registry is an ordered, mutable collection of backends. Lookups read an
// immutable snapshot and never block; mutations are serialized.
type Registry struct {
	snapshot     atomic.Pointer[[]*Backend]
	mu           sync.Mutex
	logger       observability.Logger
	metrics      *observability.Metrics
	matchTimeout time.Duration
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithLogger sets the logger for the registry.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics sink for the registry.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithMatchTimeout bounds how long one pattern may run against one
// hostname. Zero disables the bound.
func WithMatchTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		r.matchTimeout = timeout
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:       observability.NopLogger(),
		matchTimeout: DefaultMatchTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	empty := make([]*Backend, 0)
	r.snapshot.Store(&empty)

	return r
}

// load returns the current backend list. Callers must not modify it.
func (r *Registry) load() []*Backend {
	return *r.snapshot.Load()
}

// publish swaps in a new backend list. Callers must hold r.mu.
func (r *Registry) publish(backends []*Backend) {
	r.snapshot.Store(&backends)
	if r.metrics != nil {
		r.metrics.SetBackends(len(backends))
	}
}

// Add compiles a backend and appends it to the end of the registry. On
// error the registry is left unchanged.
func (r *Registry) Add(pattern, address string, port int) (*Backend, error) {
	backend, err := newBackend(Rule{Pattern: pattern, Address: address, Port: port}, r.matchTimeout)
	r.recordMutation("add", err)
	if err != nil {
		r.logger.Error("failed to add backend",
			observability.String("pattern", pattern),
			observability.String("address", address),
			observability.Int("port", port),
			observability.Error(err),
		)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	next := make([]*Backend, len(current), len(current)+1)
	copy(next, current)
	next = append(next, backend)
	r.publish(next)

	r.logger.Debug("parsed backend",
		observability.String("pattern", backend.pattern),
		observability.String("address", backend.address),
		observability.Int("port", backend.port),
	)

	return backend, nil
}

// Lookup returns the first backend, in insertion order, whose pattern is
// found in hostname. An empty hostname stands for a request that carried
// no hostname at all and is matched like any other string.
func (r *Registry) Lookup(hostname string) (*Backend, error) {
	for _, backend := range r.load() {
		matched, err := backend.Match(hostname)
		if err != nil {
			r.logger.Warn("hostname pattern evaluation aborted",
				observability.String("pattern", backend.pattern),
				observability.String("hostname", hostname),
				observability.Error(err),
			)
			continue
		}

		if matched {
			r.logger.Debug("pattern matched hostname",
				observability.String("pattern", backend.pattern),
				observability.String("hostname", hostname),
			)
			r.recordLookup(observability.LookupMatched)
			return backend, nil
		}

		r.logger.Debug("pattern did not match hostname",
			observability.String("pattern", backend.pattern),
			observability.String("hostname", hostname),
		)
	}

	r.recordLookup(observability.LookupNoMatch)
	return nil, newNoMatchError(hostname)
}

// Remove unlinks a backend from the registry. A backend that is not a
// member (already removed, or from another registry) yields
// ErrBackendNotFound and changes nothing. Callers still holding the
// backend from an earlier Lookup may keep using it.
func (r *Registry) Remove(backend *Backend) error {
	if backend == nil {
		err := newNotFoundError("")
		r.recordMutation("remove", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.load()
	idx := -1
	for i, b := range current {
		if b == backend {
			idx = i
			break
		}
	}

	if idx < 0 {
		err := newNotFoundError(backend.pattern)
		r.recordMutation("remove", err)
		return err
	}

	next := make([]*Backend, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	r.publish(next)
	r.recordMutation("remove", nil)

	r.logger.Debug("removed backend",
		observability.String("pattern", backend.pattern),
		observability.String("address", backend.address),
		observability.Int("port", backend.port),
	)

	return nil
}

// Replace compiles every rule and, only if all of them are valid, swaps
// the whole registry for the new list in one step.
func (r *Registry) Replace(rules []Rule) error {
	backends := make([]*Backend, 0, len(rules))
	for _, rule := range rules {
		backend, err := newBackend(rule, r.matchTimeout)
		if err != nil {
			r.recordMutation("replace", err)
			return err
		}
		backends = append(backends, backend)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := len(r.load())
	r.publish(backends)
	r.recordMutation("replace", nil)

	r.logger.Info("backends replaced",
		observability.Int("previous", previous),
		observability.Int("current", len(backends)),
	)

	return nil
}

// Backends returns the registered backends in lookup order.
func (r *Registry) Backends() []*Backend {
	current := r.load()
	out := make([]*Backend, len(current))
	copy(out, current)
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(r.load())
}

func (r *Registry) recordLookup(result string) {
	if r.metrics != nil {
		r.metrics.RecordLookup(result)
	}
}

func (r *Registry) recordMutation(op string, err error) {
	if r.metrics != nil {
		r.metrics.RecordRegistryMutation(op, err)
	}
}
