package backend

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/sufield/wlchannel/internal/metrics"
)

// portableBackend has no native event loop. It relies on the Go runtime's
// own network poller and therefore only dials IP networks.
type portableBackend struct {
	logger  *slog.Logger
	metrics *metrics.Transport

	closed   atomic.Bool
	stopOnce sync.Once
}

func newPortable(cfg Config) *portableBackend {
	return &portableBackend{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (b *portableBackend) Kind() Kind { return KindPortable }

func (b *portableBackend) DialOptions() []grpc.DialOption {
	return dialOptions(b.Dial)
}

func (b *portableBackend) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	network, address := splitTarget(addr)
	if network == "unix" {
		return nil, ErrDomainSocketUnsupported
	}

	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

func (b *portableBackend) Shutdown(context.Context) error {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		b.metrics.BackendStopped(KindPortable.String())
		b.logger.Debug("I/O backend stopped", "backend", KindPortable.String())
	})
	return nil
}
