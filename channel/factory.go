package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sufield/wlchannel/internal/backend"
	"github.com/sufield/wlchannel/internal/bg"
	"github.com/sufield/wlchannel/internal/metrics"
)

const (
	// DefaultGracePeriod bounds how long Release waits for in-flight calls.
	DefaultGracePeriod = 5 * time.Second

	// DefaultBackendShutdownTimeout bounds how long Release and failed
	// construction wait for a backend's event loops to stop.
	DefaultBackendShutdownTimeout = 5 * time.Second
)

// Executor runs a backend's event loops. Nil means a goroutine per loop.
// The executor is borrowed: releasing a resource never stops it.
//
// Each loop is one task that returns only when its resource is released,
// so Do must hand the task off and return without waiting for it. An
// executor that runs tasks inline blocks NewChannel forever.
type Executor = bg.Runner

// BackendKind names the I/O backend behind a domain-socket channel.
type BackendKind = backend.Kind

// NativeBackend reports the backend kind domain-socket channels use on this
// platform.
func NativeBackend() BackendKind {
	return backend.Native()
}

// clientConn is the part of *grpc.ClientConn a resource depends on.
type clientConn interface {
	grpc.ClientConnInterface
	Close() error
}

// Factory builds channel resources. A Factory is immutable after NewFactory
// returns and safe for concurrent use.
type Factory struct {
	logger                 *slog.Logger
	metrics                *metrics.Transport
	gracePeriod            time.Duration
	backendShutdownTimeout time.Duration
	workers                int
	dialOptions            []grpc.DialOption
	strictSchemes          bool

	newBackend func(backend.Config) (backend.Backend, error)
	newClient  func(target string, opts ...grpc.DialOption) (clientConn, error)
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the structured logger. Nil keeps the discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics records transport metrics into m.
func WithMetrics(m *metrics.Transport) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithGracePeriod sets how long Release lets in-flight calls finish before
// the channel is closed regardless.
func WithGracePeriod(d time.Duration) Option {
	return func(f *Factory) { f.gracePeriod = d }
}

// WithBackendShutdownTimeout sets how long to wait for a backend's event
// loops to stop.
func WithBackendShutdownTimeout(d time.Duration) Option {
	return func(f *Factory) { f.backendShutdownTimeout = d }
}

// WithWorkers sets the number of event loops per native backend. Zero lets
// the runtime decide.
func WithWorkers(n int) Option {
	return func(f *Factory) { f.workers = n }
}

// WithDialOptions appends gRPC dial options to every channel. Transport
// credentials and the dialer are always set by the factory.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(f *Factory) { f.dialOptions = append(f.dialOptions, opts...) }
}

// WithStrictSchemes rejects every scheme other than "unix" and "tcp" with
// ErrInvalidAddress instead of treating it as TCP.
func WithStrictSchemes(strict bool) Option {
	return func(f *Factory) { f.strictSchemes = strict }
}

// NewFactory returns a Factory with the given options applied over the
// defaults.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
		gracePeriod:            DefaultGracePeriod,
		backendShutdownTimeout: DefaultBackendShutdownTimeout,
		newBackend:             backend.New,
		newClient: func(target string, opts ...grpc.DialOption) (clientConn, error) {
			return grpc.NewClient(target, opts...)
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var defaultFactory = NewFactory()

// NewChannel builds a channel to addr with the default factory.
func NewChannel(addr *url.URL, exec Executor) (Resource, error) {
	return defaultFactory.NewChannel(addr, exec)
}

// NewChannel builds a channel to addr.
//
// Unix addresses get a fresh native backend whose event loops run on exec;
// exec is ignored for TCP. Construction is lazy: no connection is attempted
// until the first call, so an address nobody listens on still succeeds here.
//
// On error nothing is left running and no resource is returned.
func (f *Factory) NewChannel(addr *url.URL, exec Executor) (Resource, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: nil address", ErrInvalidAddress)
	}
	if f.strictSchemes && addr.Scheme != "unix" && addr.Scheme != "tcp" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, addr.Scheme)
	}

	switch Classify(addr) {
	case KindDomainSocket:
		return f.newUnix(addr, exec)
	default:
		return f.newTCP(addr)
	}
}

func (f *Factory) newTCP(addr *url.URL) (*TCPResource, error) {
	target, err := tcpTarget(addr)
	if err != nil {
		return nil, err
	}

	calls := newInflight(KindTCP, f.metrics)
	cc, err := f.newClient(target, f.clientOptions(calls)...)
	if err != nil {
		f.metrics.ConstructionFailed(KindTCP.String())
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelConstruction, target, err)
	}

	f.metrics.ChannelCreated(KindTCP.String())
	f.logger.Debug("channel created", "kind", KindTCP.String(), "target", target)
	return &TCPResource{channel: f.handle(KindTCP, target, cc, calls)}, nil
}

func (f *Factory) newUnix(addr *url.URL, exec Executor) (*UnixResource, error) {
	target, err := unixTarget(addr)
	if err != nil {
		return nil, err
	}

	be, err := f.newBackend(backend.Config{
		Workers:  f.workers,
		Executor: exec,
		Logger:   f.logger,
		Metrics:  f.metrics,
	})
	if err != nil {
		f.metrics.ConstructionFailed(KindDomainSocket.String())
		return nil, fmt.Errorf("%w: start I/O backend: %w", ErrChannelConstruction, err)
	}

	// The backend's dialer goes last so it wins over any caller dialer.
	calls := newInflight(KindDomainSocket, f.metrics)
	opts := append(f.clientOptions(calls), be.DialOptions()...)

	cc, err := f.newClient(target, opts...)
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), f.backendShutdownTimeout)
		defer cancel()

		err = multierr.Append(err, be.Shutdown(ctx))
		f.metrics.ConstructionFailed(KindDomainSocket.String())
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelConstruction, target, err)
	}

	f.metrics.ChannelCreated(KindDomainSocket.String())
	f.logger.Debug("channel created",
		"kind", KindDomainSocket.String(),
		"target", target,
		"backend", be.Kind().String())
	return &UnixResource{
		channel:         f.handle(KindDomainSocket, target, cc, calls),
		backend:         be,
		shutdownTimeout: f.backendShutdownTimeout,
	}, nil
}

func (f *Factory) clientOptions(calls *inflight) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, len(f.dialOptions)+3)
	opts = append(opts, f.dialOptions...)
	return append(opts,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(calls.unaryInterceptor),
		grpc.WithChainStreamInterceptor(calls.streamInterceptor),
	)
}

func (f *Factory) handle(kind Kind, target string, cc clientConn, calls *inflight) *channelHandle {
	return &channelHandle{
		kind:    kind,
		target:  target,
		conn:    cc,
		calls:   calls,
		grace:   f.gracePeriod,
		logger:  f.logger,
		metrics: f.metrics,
	}
}
