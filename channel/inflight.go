package channel

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sufield/wlchannel/internal/metrics"
)

var errDraining = status.Error(codes.Unavailable, "channel: shutting down")

// inflight counts calls on one channel so Release can let them finish.
type inflight struct {
	kind    Kind
	metrics *metrics.Transport

	mu       sync.Mutex
	n        int
	draining bool
	idleOnce sync.Once
	idle     chan struct{}
}

func newInflight(kind Kind, m *metrics.Transport) *inflight {
	return &inflight{
		kind:    kind,
		metrics: m,
		idle:    make(chan struct{}),
	}
}

// begin admits a call unless the channel is draining.
func (t *inflight) begin() bool {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return false
	}
	t.n++
	t.mu.Unlock()

	t.metrics.CallStarted(t.kind.String())
	return true
}

func (t *inflight) end() {
	t.mu.Lock()
	t.n--
	if t.draining && t.n == 0 {
		t.idleOnce.Do(func() { close(t.idle) })
	}
	t.mu.Unlock()

	t.metrics.CallFinished(t.kind.String())
}

func (t *inflight) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// drain stops admitting calls and waits up to grace for the in-flight ones.
// It reports whether the channel went idle in time.
func (t *inflight) drain(grace time.Duration) bool {
	t.mu.Lock()
	t.draining = true
	if t.n == 0 {
		t.idleOnce.Do(func() { close(t.idle) })
	}
	t.mu.Unlock()

	if grace <= 0 {
		select {
		case <-t.idle:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-t.idle:
		return true
	case <-timer.C:
		return false
	}
}

func (t *inflight) unaryInterceptor(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if !t.begin() {
		return errDraining
	}
	defer t.end()
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (t *inflight) streamInterceptor(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if !t.begin() {
		return nil, errDraining
	}

	cs, err := streamer(ctx, desc, cc, method, opts...)
	if err != nil {
		t.end()
		return nil, err
	}
	return &trackedStream{
		ClientStream:  cs,
		serverStreams: desc.ServerStreams,
		done:          sync.OnceFunc(t.end),
	}, nil
}

// trackedStream ends its call once the stream has delivered its final
// message or failed. A stream abandoned by its caller without reading to
// the end stays counted until Release's grace period runs out.
type trackedStream struct {
	grpc.ClientStream
	serverStreams bool
	done          func()
}

func (s *trackedStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil || !s.serverStreams {
		s.done()
	}
	return err
}
