package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/sufield/wlchannel/internal/backend"
	"github.com/sufield/wlchannel/internal/metrics"
)

// Resource owns a gRPC channel and, for domain sockets, the I/O backend that
// drives it. The concrete type is either *TCPResource or *UnixResource.
type Resource interface {
	// Conn returns the channel for building gRPC stubs. It stays valid
	// until Release.
	Conn() grpc.ClientConnInterface

	// Kind reports which transport was chosen.
	Kind() Kind

	// Target is the gRPC target the channel dials.
	Target() string

	// Release lets in-flight calls finish for up to the grace period,
	// closes the channel, then stops the backend if there is one. The
	// backend is stopped even when closing the channel fails. Calling
	// Release again returns the first result.
	Release() error

	isResource()
}

var (
	_ Resource = (*TCPResource)(nil)
	_ Resource = (*UnixResource)(nil)
)

// channelHandle is a channel plus the state needed to close it gracefully.
type channelHandle struct {
	kind    Kind
	target  string
	conn    clientConn
	calls   *inflight
	grace   time.Duration
	logger  *slog.Logger
	metrics *metrics.Transport
}

// shutdown drains and closes the channel. New calls are refused from the
// moment it starts.
func (h *channelHandle) shutdown() error {
	outcome := metrics.OutcomeGraceful
	if !h.calls.drain(h.grace) {
		outcome = metrics.OutcomeForced
		h.logger.Warn("grace period expired with calls in flight, closing channel",
			"target", h.target,
			"inflight", h.calls.count(),
			"grace", h.grace)
	}
	h.metrics.Released(h.kind.String(), outcome)

	if err := h.conn.Close(); err != nil {
		h.metrics.ReleaseFailed(metrics.StageChannel)
		return fmt.Errorf("channel: close %s: %w", h.target, err)
	}
	return nil
}

// TCPResource is a plaintext TCP channel. It has no backend.
type TCPResource struct {
	channel *channelHandle

	once sync.Once
	err  error
}

func (r *TCPResource) Conn() grpc.ClientConnInterface { return r.channel.conn }
func (r *TCPResource) Kind() Kind                     { return KindTCP }
func (r *TCPResource) Target() string                 { return r.channel.target }
func (r *TCPResource) isResource()                    {}

func (r *TCPResource) Release() error {
	r.once.Do(func() {
		r.err = r.channel.shutdown()
		r.channel.logger.Debug("channel released",
			"kind", KindTCP.String(),
			"target", r.channel.target,
			"error", r.err)
	})
	return r.err
}

// UnixResource is a domain-socket channel and the backend driving it.
type UnixResource struct {
	channel         *channelHandle
	backend         backend.Backend
	shutdownTimeout time.Duration

	once sync.Once
	err  error
}

func (r *UnixResource) Conn() grpc.ClientConnInterface { return r.channel.conn }
func (r *UnixResource) Kind() Kind                     { return KindDomainSocket }
func (r *UnixResource) Target() string                 { return r.channel.target }
func (r *UnixResource) isResource()                    {}

// BackendKind reports the backend driving this channel.
func (r *UnixResource) BackendKind() BackendKind { return r.backend.Kind() }

func (r *UnixResource) Release() error {
	r.once.Do(func() {
		// Channel first: its connections must not outlive the backend.
		chErr := r.channel.shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
		defer cancel()

		var beErr error
		if err := r.backend.Shutdown(ctx); err != nil {
			r.channel.metrics.ReleaseFailed(metrics.StageBackend)
			beErr = fmt.Errorf("%w: %s: %w", ErrBackendShutdown, r.backend.Kind(), err)
		}

		r.err = multierr.Combine(chErr, beErr)
		r.channel.logger.Debug("channel released",
			"kind", KindDomainSocket.String(),
			"target", r.channel.target,
			"backend", r.backend.Kind().String(),
			"error", r.err)
	})
	return r.err
}

// maxConcurrentReleases caps how many resources ReleaseAll drains at once.
const maxConcurrentReleases = 16

// ReleaseAll releases every resource concurrently and combines their
// errors. Nil entries are skipped.
func ReleaseAll(resources ...Resource) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(maxConcurrentReleases)

	for _, r := range resources {
		if r == nil {
			continue
		}
		r := r
		g.Go(func() error {
			if err := r.Release(); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
