package proxy

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vyrodovalexey/sniroute/internal/observability"
	"github.com/vyrodovalexey/sniroute/internal/router"
)

// stubResolver returns fixed answers and records the hosts it was asked for.
type stubResolver struct {
	mu    sync.Mutex
	addrs map[string][]string
	err   error
	hosts []string
}

func (r *stubResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = append(r.hosts, host)
	if r.err != nil {
		return nil, r.err
	}
	return r.addrs[host], nil
}

func (r *stubResolver) asked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.hosts...)
}

// stubDialer fails for addresses listed in refuse and hands out pipe
// connections otherwise.
type stubDialer struct {
	mu      sync.Mutex
	refuse  map[string]bool
	dialed  []string
	network string
}

func (d *stubDialer) DialContext(_ context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.network = network
	d.dialed = append(d.dialed, address)
	if d.refuse[address] {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func (d *stubDialer) attempts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// abortingDialer simulates a client that goes away mid-dial: while abort is
// set it cancels the caller's context and fails, otherwise it connects.
type abortingDialer struct {
	mu    sync.Mutex
	abort context.CancelFunc
}

func (d *abortingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	abort := d.abort
	d.mu.Unlock()

	if abort != nil {
		abort()
		<-ctx.Done()
		return nil, &net.OpError{Op: "dial", Net: network, Err: ctx.Err()}
	}
	client, server := net.Pipe()
	_ = server.Close()
	return client, nil
}

func (d *abortingDialer) setAbort(cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.abort = cancel
}

func newTestBackend(t *testing.T, pattern, address string, port int) *router.Backend {
	t.Helper()
	r := router.NewRegistry()
	b, err := r.Add(pattern, address, port)
	require.NoError(t, err)
	return b
}

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	opts = append([]DispatcherOption{
		WithLogger(observability.NewZapLogger(zaptest.NewLogger(t))),
	}, opts...)
	return NewDispatcher(opts...)
}

// listen starts a loopback listener that accepts and discards connections.
func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	return ln, ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNewDispatcher_Defaults(t *testing.T) {
	t.Parallel()

	d := NewDispatcher()

	assert.Equal(t, net.DefaultResolver, d.resolver)
	assert.IsType(t, &net.Dialer{}, d.dialer)
	assert.NotNil(t, d.logger)
	assert.NotNil(t, d.tracer)
	assert.Nil(t, d.breakers)
	assert.Zero(t, d.connectTimeout)
}

func TestDispatcher_Connect_NilBackend(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t)

	conn, err := d.Connect(context.Background(), nil, "example.com")
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestDispatcher_Connect_FixedAddress(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{addrs: map[string][]string{
		"backend.internal": {"10.0.0.7"},
	}}
	dialer := &stubDialer{}
	d := newTestDispatcher(t, WithResolver(resolver), WithDialer(dialer))

	b := newTestBackend(t, `example\.com`, "backend.internal", 443)

	conn, err := d.Connect(context.Background(), b, "www.example.com")
	require.NoError(t, err)
	require.NotNil(t, conn)
	_ = conn.Close()

	assert.Equal(t, []string{"backend.internal"}, resolver.asked())
	assert.Equal(t, []string{"10.0.0.7:443"}, dialer.attempts())
	assert.Equal(t, "tcp", dialer.network)
}

func TestDispatcher_Connect_Passthrough(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{addrs: map[string][]string{
		"foo.example.org": {"192.0.2.10"},
	}}
	dialer := &stubDialer{}
	d := newTestDispatcher(t, WithResolver(resolver), WithDialer(dialer))

	b := newTestBackend(t, `.*`, router.Wildcard, 443)

	conn, err := d.Connect(context.Background(), b, "foo.example.org")
	require.NoError(t, err)
	_ = conn.Close()

	assert.Equal(t, []string{"foo.example.org"}, resolver.asked())
	assert.Equal(t, []string{"192.0.2.10:443"}, dialer.attempts())
}

func TestDispatcher_Connect_PassthroughAbsentHostname(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{}
	dialer := &stubDialer{}
	d := newTestDispatcher(t, WithResolver(resolver), WithDialer(dialer))

	b := newTestBackend(t, `.*`, router.Wildcard, 443)

	conn, err := d.Connect(context.Background(), b, "")
	assert.Nil(t, conn)
	require.Error(t, err)
	assert.True(t, IsResolutionError(err))
	assert.ErrorIs(t, err, errEmptyTarget)
	assert.Empty(t, resolver.asked())
	assert.Empty(t, dialer.attempts())
}

func TestDispatcher_Connect_IPLiteralSkipsResolver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		want    string
	}{
		{name: "ipv4", address: "10.0.0.5", want: "10.0.0.5:443"},
		{name: "ipv6", address: "2001:db8::1", want: "[2001:db8::1]:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resolver := &stubResolver{err: errors.New("must not be called")}
			dialer := &stubDialer{}
			d := newTestDispatcher(t, WithResolver(resolver), WithDialer(dialer))

			b := newTestBackend(t, `.*`, tt.address, 443)

			conn, err := d.Connect(context.Background(), b, "example.com")
			require.NoError(t, err)
			_ = conn.Close()

			assert.Empty(t, resolver.asked())
			assert.Equal(t, []string{tt.want}, dialer.attempts())
		})
	}
}

func TestDispatcher_Connect_FallsThroughCandidates(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{addrs: map[string][]string{
		"multi.internal": {"10.0.0.1", "10.0.0.2", "10.0.0.3"},
	}}
	dialer := &stubDialer{refuse: map[string]bool{"10.0.0.1:8443": true}}
	d := newTestDispatcher(t, WithResolver(resolver), WithDialer(dialer))

	b := newTestBackend(t, `.*`, "multi.internal", 8443)

	conn, err := d.Connect(context.Background(), b, "svc")
	require.NoError(t, err)
	_ = conn.Close()

	// The third candidate is never tried once the second succeeds.
	assert.Equal(t, []string{"10.0.0.1:8443", "10.0.0.2:8443"}, dialer.attempts())
}

func TestDispatcher_Connect_AllCandidatesFail(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{addrs: map[string][]string{
		"down.internal": {"10.0.0.1", "10.0.0.2"},
	}}
	dialer := &stubDialer{refuse: map[string]bool{
		"10.0.0.1:443": true,
		"10.0.0.2:443": true,
	}}
	d := newTestDispatcher(t, WithResolver(resolver), WithDialer(dialer))

	b := newTestBackend(t, `.*`, "down.internal", 443)

	conn, err := d.Connect(context.Background(), b, "svc")
	assert.Nil(t, conn)
	require.Error(t, err)
	assert.True(t, IsConnectError(err))
	assert.False(t, IsResolutionError(err))
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "connect", derr.Op)
	assert.Equal(t, "10.0.0.2:443", derr.Address)
	assert.Equal(t, 2, derr.Attempts)
	assert.Equal(t, "down.internal", derr.Target)
	assert.Equal(t, 443, derr.Port)
}

func TestDispatcher_Connect_ResolutionFailure(t *testing.T) {
	t.Parallel()

	dnsErr := &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}

	tests := []struct {
		name     string
		resolver *stubResolver
		port     int
		wantErr  error
	}{
		{
			name:     "resolver error",
			resolver: &stubResolver{err: dnsErr},
			port:     443,
			wantErr:  dnsErr,
		},
		{
			name:     "no addresses",
			resolver: &stubResolver{addrs: map[string][]string{}},
			port:     443,
			wantErr:  errNoAddresses,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dialer := &stubDialer{}
			d := newTestDispatcher(t, WithResolver(tt.resolver), WithDialer(dialer))

			b := newTestBackend(t, `.*`, "nowhere.invalid", tt.port)

			conn, err := d.Connect(context.Background(), b, "svc")
			assert.Nil(t, conn)
			require.Error(t, err)
			assert.True(t, IsResolutionError(err))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, dialer.attempts())
		})
	}
}

func TestResolveCandidates_PortRange(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{addrs: map[string][]string{"h": {"10.0.0.1"}}}

	for _, port := range []int{0, -1, 65536} {
		_, err := resolveCandidates(context.Background(), resolver, "h", port)
		assert.Error(t, err, "port %d", port)
	}

	got, err := resolveCandidates(context.Background(), resolver, "h", 65535)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:65535"}, got)
}

func TestDispatcher_Connect_ContextCancelled(t *testing.T) {
	t.Parallel()

	dialer := &stubDialer{}
	d := newTestDispatcher(t, WithDialer(dialer))

	b := newTestBackend(t, `.*`, "127.0.0.1", 443)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn, err := d.Connect(ctx, b, "svc")
	assert.Nil(t, conn)
	assert.True(t, IsConnectError(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dialer.attempts())
}

func TestDispatcher_Connect_Loopback(t *testing.T) {
	t.Parallel()

	_, port := listen(t)
	d := newTestDispatcher(t, WithConnectTimeout(2*time.Second))

	b := newTestBackend(t, `^local$`, "127.0.0.1", port)

	conn, err := d.Connect(context.Background(), b, "local")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(port), conn.RemoteAddr().String())
}

func TestDispatcher_Connect_LoopbackFallback(t *testing.T) {
	t.Parallel()

	_, port := listen(t)

	// ::1 may be unavailable; either way 127.0.0.1 is reached second.
	resolver := &stubResolver{addrs: map[string][]string{
		"dual.test": {"::1", "127.0.0.1"},
	}}
	d := newTestDispatcher(t,
		WithResolver(resolver),
		WithConnectTimeout(2*time.Second),
	)

	b := newTestBackend(t, `.*`, "dual.test", port)

	conn, err := d.Connect(context.Background(), b, "svc")
	require.NoError(t, err)
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	require.NoError(t, err)
	assert.Contains(t, []string{"::1", "127.0.0.1"}, host)
}

func TestDispatcher_Connect_LoopbackRefused(t *testing.T) {
	t.Parallel()

	port := closedPort(t)
	d := newTestDispatcher(t, WithConnectTimeout(2*time.Second))

	b := newTestBackend(t, `.*`, "127.0.0.1", port)

	conn, err := d.Connect(context.Background(), b, "svc")
	assert.Nil(t, conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)
	assert.True(t, strings.HasPrefix(err.Error(), "dispatch error [connect]"))
}

func TestDispatcher_DialHostname(t *testing.T) {
	t.Parallel()

	dialer := &stubDialer{}
	d := newTestDispatcher(t, WithDialer(dialer))

	r := router.NewRegistry()
	_, err := r.Add(`^api\.`, "10.0.0.1", 443)
	require.NoError(t, err)
	_, err = r.Add(`.*`, "10.0.0.2", 8443)
	require.NoError(t, err)

	conn, b, err := d.DialHostname(context.Background(), r, "api.example.com")
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, `^api\.`, b.Pattern())

	conn, b, err = d.DialHostname(context.Background(), r, "www.example.com")
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, `.*`, b.Pattern())

	assert.Equal(t, []string{"10.0.0.1:443", "10.0.0.2:8443"}, dialer.attempts())
}

func TestDispatcher_DialHostname_NoMatch(t *testing.T) {
	t.Parallel()

	dialer := &stubDialer{}
	d := newTestDispatcher(t, WithDialer(dialer))

	r := router.NewRegistry()
	_, err := r.Add(`^api\.`, "10.0.0.1", 443)
	require.NoError(t, err)

	conn, b, err := d.DialHostname(context.Background(), r, "www.example.com")
	assert.Nil(t, conn)
	assert.Nil(t, b)
	assert.True(t, router.IsNoMatch(err))
	assert.Empty(t, dialer.attempts())
}

func TestDispatcher_CircuitBreaker(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{addrs: map[string][]string{
		"pool.internal": {"10.0.0.1", "10.0.0.2"},
	}}
	dialer := &stubDialer{refuse: map[string]bool{"10.0.0.1:443": true}}
	metrics := observability.NewMetrics("test")
	d := newTestDispatcher(t,
		WithResolver(resolver),
		WithDialer(dialer),
		WithMetrics(metrics),
		WithCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Timeout: time.Hour}),
	)

	b := newTestBackend(t, `.*`, "pool.internal", 443)

	conn, err := d.Connect(context.Background(), b, "svc")
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, []string{"10.0.0.1:443", "10.0.0.2:443"}, dialer.attempts())

	// The first candidate's breaker is open now and is skipped without a dial.
	conn, err = d.Connect(context.Background(), b, "svc")
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, []string{"10.0.0.1:443", "10.0.0.2:443", "10.0.0.2:443"}, dialer.attempts())

	assert.Equal(t, gobreaker.StateOpen, d.breakers.get("10.0.0.1:443").State())
	assert.Equal(t, gobreaker.StateClosed, d.breakers.get("10.0.0.2:443").State())
}

func TestDispatcher_CircuitBreaker_OpenOnly(t *testing.T) {
	t.Parallel()

	dialer := &stubDialer{refuse: map[string]bool{"10.0.0.1:443": true}}
	d := newTestDispatcher(t,
		WithDialer(dialer),
		WithCircuitBreaker(CircuitBreakerConfig{Threshold: 1, Timeout: time.Hour}),
	)

	b := newTestBackend(t, `.*`, "10.0.0.1", 443)

	_, err := d.Connect(context.Background(), b, "svc")
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)

	_, err = d.Connect(context.Background(), b, "svc")
	assert.True(t, IsConnectError(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, dialer.attempts(), 1)
}

func TestDispatcher_Metrics(t *testing.T) {
	t.Parallel()

	resolver := &stubResolver{addrs: map[string][]string{
		"ok.internal": {"10.0.0.1", "10.0.0.2"},
	}}
	dialer := &stubDialer{refuse: map[string]bool{"10.0.0.1:443": true}}
	metrics := observability.NewMetrics("test")
	d := newTestDispatcher(t, WithResolver(resolver), WithDialer(dialer), WithMetrics(metrics))

	ok := newTestBackend(t, `.*`, "ok.internal", 443)
	missing := newTestBackend(t, `.*`, "missing.internal", 443)

	conn, err := d.Connect(context.Background(), ok, "svc")
	require.NoError(t, err)
	_ = conn.Close()

	_, err = d.Connect(context.Background(), missing, "svc")
	require.Error(t, err)

	expected := `
# HELP test_dispatch_candidate_attempts_total Total number of dial attempts against resolved candidate addresses
# TYPE test_dispatch_candidate_attempts_total counter
test_dispatch_candidate_attempts_total{result="failure"} 1
test_dispatch_candidate_attempts_total{result="success"} 1
# HELP test_dispatch_connects_total Total number of backend connect calls by result
# TYPE test_dispatch_connects_total counter
test_dispatch_connects_total{result="resolution_failure"} 1
test_dispatch_connects_total{result="success"} 1
`
	err = testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected),
		"test_dispatch_connects_total", "test_dispatch_candidate_attempts_total")
	assert.NoError(t, err)
}

func TestDispatcher_CircuitBreaker_IgnoresClientAborts(t *testing.T) {
	t.Parallel()

	dialer := &abortingDialer{}
	d := newTestDispatcher(t,
		WithDialer(dialer),
		WithCircuitBreaker(CircuitBreakerConfig{Threshold: 2, Timeout: time.Hour}),
	)

	b := newTestBackend(t, `.*`, "10.0.0.1", 443)

	for range 3 {
		ctx, cancel := context.WithCancel(context.Background())
		dialer.setAbort(cancel)

		conn, err := d.Connect(ctx, b, "svc")
		cancel()

		assert.Nil(t, conn)
		assert.True(t, IsConnectError(err))
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	dialer.setAbort(nil)

	conn, err := d.Connect(context.Background(), b, "svc")
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, gobreaker.StateClosed, d.breakers.get("10.0.0.1:443").State())
}

func TestDispatcher_Connect_LogsTraceID(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	core, logs := observer.New(zapcore.WarnLevel)
	dialer := &stubDialer{refuse: map[string]bool{"10.0.0.1:443": true}}
	d := NewDispatcher(
		WithDialer(dialer),
		WithLogger(observability.NewZapLogger(zap.New(core))),
		WithTracer(provider.Tracer(tracerName)),
	)

	b := newTestBackend(t, `.*`, "10.0.0.1", 443)

	_, err := d.Connect(context.Background(), b, "svc")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	sc := spans[0].SpanContext()

	entries := logs.FilterMessage("all backend candidates failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
}
