// Package backend provides the I/O backends that drive domain-socket
// channels.
//
// Exactly one backend kind is native to each build: epoll on Linux, kqueue on
// macOS and the BSDs, and a portable fallback everywhere else. The choice is
// made at compile time through build tags; Native reports it.
//
// A backend attaches to a channel builder through DialOptions, which installs
// its dialer. Native backends run event loops on an executor supplied by the
// caller and watch every dialed domain-socket connection for peer hang-up, so
// a restarted agent is noticed without waiting for an HTTP/2 keepalive.
//
// Platform support:
//   - linux: epoll
//   - darwin, dragonfly, freebsd, netbsd, openbsd: kqueue
//   - anything else: portable, which dials IP networks only. Domain-socket
//     dials fail with ErrDomainSocketUnsupported.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"time"

	"google.golang.org/grpc"

	"github.com/sufield/wlchannel/internal/bg"
	"github.com/sufield/wlchannel/internal/metrics"
)

// Kind names a backend implementation.
type Kind string

const (
	KindEpoll    Kind = "epoll"
	KindKqueue   Kind = "kqueue"
	KindPortable Kind = "portable"
)

func (k Kind) String() string { return string(k) }

// pollInterval bounds how long an event loop blocks in the kernel before it
// rechecks for shutdown.
const pollInterval = 100 * time.Millisecond

var (
	// ErrClosed is returned when dialing through a backend that was shut down.
	ErrClosed = errors.New("backend: closed")

	// ErrDomainSocketUnsupported is returned by the portable backend for
	// unix targets.
	ErrDomainSocketUnsupported = errors.New("backend: domain sockets are not supported by the portable backend")

	// ErrInvalidWorkers indicates a negative worker count.
	ErrInvalidWorkers = errors.New("backend: worker count must not be negative")
)

// Backend is an I/O engine owned by exactly one transport resource.
type Backend interface {
	// Kind reports which implementation this is.
	Kind() Kind

	// DialOptions returns the options that bind the backend to a channel
	// builder. They must be applied before the channel is created.
	DialOptions() []grpc.DialOption

	// Dial connects to addr. Targets prefixed with "unix:" or "unix://" are
	// domain sockets, anything else is treated as host:port.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Shutdown stops the backend's event loops and waits for them, bounded
	// by ctx. It is safe to call more than once; later calls return the
	// first result. It never stops the executor.
	Shutdown(ctx context.Context) error
}

// Config controls backend construction.
type Config struct {
	// Workers is the number of event loops. Zero lets the runtime decide
	// (GOMAXPROCS).
	Workers int

	// Executor runs the event loops, one task per loop. Nil means a
	// goroutine per loop. The executor must run tasks asynchronously.
	Executor bg.Runner

	Logger  *slog.Logger
	Metrics *metrics.Transport
}

func (c Config) withDefaults() Config {
	if c.Workers == 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Executor == nil {
		c.Executor = bg.Async{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// Native reports the backend kind New constructs on this platform.
func Native() Kind {
	return nativeKind
}

// New constructs the native backend for this platform.
func New(cfg Config) (Backend, error) {
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkers, cfg.Workers)
	}
	cfg = cfg.withDefaults()

	b, err := newNative(cfg)
	if err != nil {
		return nil, err
	}

	cfg.Metrics.BackendStarted(b.Kind().String())
	cfg.Logger.Debug("I/O backend started",
		"backend", b.Kind().String(),
		"workers", cfg.Workers)
	return b, nil
}

// splitTarget maps a dial target to a network and address.
//
// gRPC hands custom dialers "unix:///abs/path" or "unix:rel/path" for
// domain-socket targets and plain host:port otherwise.
func splitTarget(addr string) (network, address string) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:")
	default:
		return "tcp", addr
	}
}

func dialOptions(dial func(context.Context, string) (net.Conn, error)) []grpc.DialOption {
	return []grpc.DialOption{grpc.WithContextDialer(dial)}
}
