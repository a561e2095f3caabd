//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/sufield/wlchannel/internal/metrics"
)

// poller is the kernel readiness facility behind one event loop.
// All methods except wait may be called from any goroutine; wait and close
// are only called by the loop that owns the poller.
type poller interface {
	add(fd int) error
	remove(fd int) error
	// wait blocks for at most timeout and appends descriptors whose peer
	// hung up to hungup. Reports are level-triggered: a hung-up descriptor
	// is reported by every wait until it is removed.
	wait(timeout time.Duration, hungup []int) ([]int, error)
	close() error
}

// nativeBackend runs one event loop per worker on the configured executor.
type nativeBackend struct {
	kind    Kind
	logger  *slog.Logger
	metrics *metrics.Transport

	loops []*eventLoop
	next  atomic.Uint64

	closed   atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

type eventLoop struct {
	id int
	p  poller

	mu     sync.Mutex
	closed bool
	// gen counts waits. A connection remembers the gen current when it was
	// registered; an event from a wait that began before that belongs to an
	// earlier owner of the same descriptor number.
	gen   uint64
	conns map[int]*watchedConn
}

func newNativeBackend(kind Kind, cfg Config, newPoller func() (poller, error)) (*nativeBackend, error) {
	b := &nativeBackend{
		kind:    kind,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}

	// Create every poller before handing anything to the executor so a
	// failure leaves nothing running.
	for i := 0; i < cfg.Workers; i++ {
		p, err := newPoller()
		if err != nil {
			for _, l := range b.loops {
				_ = l.p.close()
			}
			return nil, fmt.Errorf("backend: create %s poller: %w", kind, err)
		}
		b.loops = append(b.loops, &eventLoop{
			id:    i,
			p:     p,
			conns: make(map[int]*watchedConn),
		})
	}

	b.wg.Add(len(b.loops))
	for _, l := range b.loops {
		l := l
		cfg.Executor.Do(func() {
			defer b.wg.Done()
			b.run(l)
		})
	}
	return b, nil
}

func (b *nativeBackend) Kind() Kind { return b.kind }

func (b *nativeBackend) DialOptions() []grpc.DialOption {
	return dialOptions(b.Dial)
}

// Dial connects and, for domain sockets, registers the connection with one
// of the event loops.
func (b *nativeBackend) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	network, address := splitTarget(addr)

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if network != "unix" {
		return conn, nil
	}

	l := b.loops[b.next.Add(1)%uint64(len(b.loops))]
	wc, err := l.watch(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("backend: register connection with %s loop %d: %w", b.kind, l.id, err)
	}
	return wc, nil
}

func (b *nativeBackend) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.closed.Store(true)
		close(b.done)

		stopped := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-ctx.Done():
			b.stopErr = fmt.Errorf("backend: %s event loops did not stop: %w", b.kind, ctx.Err())
		}

		b.metrics.BackendStopped(b.kind.String())
		b.logger.Debug("I/O backend stopped",
			"backend", b.kind.String(),
			"loops", len(b.loops),
			"error", b.stopErr)
	})
	return b.stopErr
}

// run is the body of one event loop. The loop owns its poller and closes it
// on exit, so a poller is never closed while a wait is in progress.
func (b *nativeBackend) run(l *eventLoop) {
	defer func() {
		if err := l.shutdown(); err != nil {
			b.logger.Warn("closing event loop poller failed",
				"backend", b.kind.String(),
				"loop", l.id,
				"error", err)
		}
	}()

	var hungup []int
	for {
		select {
		case <-b.done:
			return
		default:
		}

		gen := l.nextGen()

		var err error
		hungup, err = l.p.wait(pollInterval, hungup[:0])
		if err != nil {
			b.logger.Error("event loop poll failed",
				"backend", b.kind.String(),
				"loop", l.id,
				"error", err)
			select {
			case <-b.done:
				return
			case <-time.After(pollInterval):
			}
			continue
		}

		for _, fd := range hungup {
			b.hangup(l, fd, gen)
		}
	}
}

// hangup closes a connection whose peer went away so the channel notices
// and reconnects. gen identifies the wait that reported fd.
func (b *nativeBackend) hangup(l *eventLoop, fd int, gen uint64) {
	l.mu.Lock()
	wc := l.conns[fd]
	if wc == nil || wc.gen >= gen {
		// Either already gone, or fd was reused after the wait began. Both
		// pollers are level-triggered, so a real hang-up on the new
		// connection is reported again by the next wait.
		l.mu.Unlock()
		return
	}
	delete(l.conns, fd)
	if !l.closed {
		_ = l.p.remove(fd)
	}
	l.mu.Unlock()

	b.metrics.PeerHangup(b.kind.String())
	b.logger.Debug("peer hung up, closing connection",
		"backend", b.kind.String(),
		"loop", l.id,
		"fd", fd)
	_ = wc.Conn.Close()
}

func (l *eventLoop) watch(conn net.Conn) (net.Conn, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return conn, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	fd := -1
	var addErr error
	if err := raw.Control(func(s uintptr) {
		fd = int(s)
		addErr = l.p.add(fd)
	}); err != nil {
		return nil, err
	}
	if addErr != nil {
		return nil, addErr
	}

	wc := &watchedConn{Conn: conn, loop: l, fd: fd, gen: l.gen}
	l.conns[fd] = wc
	return wc, nil
}

// unwatch drops wc from the loop. It must run before the descriptor is
// closed, otherwise the number could be reused by an unrelated socket.
func (l *eventLoop) unwatch(wc *watchedConn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conns[wc.fd] != wc {
		return
	}
	delete(l.conns, wc.fd)
	if !l.closed {
		_ = l.p.remove(wc.fd)
	}
}

func (l *eventLoop) nextGen() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.gen++
	return l.gen
}

func (l *eventLoop) shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	clear(l.conns)
	return l.p.close()
}

// watchedConn unregisters itself from its event loop on Close.
type watchedConn struct {
	net.Conn
	loop *eventLoop
	fd   int
	gen  uint64
}

func (c *watchedConn) Close() error {
	c.loop.unwatch(c)
	return c.Conn.Close()
}
