package backend

import (
	"context"
	"net"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/wlchannel/internal/metrics"
)

func expectedNativeKind() Kind {
	switch runtime.GOOS {
	case "linux":
		return KindEpoll
	case "darwin", "dragonfly", "freebsd", "netbsd", "openbsd":
		return KindKqueue
	default:
		return KindPortable
	}
}

func TestNative_MatchesPlatform(t *testing.T) {
	assert.Equal(t, expectedNativeKind(), Native())
}

func TestNew_SameKindEveryTime(t *testing.T) {
	first, err := New(Config{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	second, err := New(Config{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Shutdown(context.Background()) })

	assert.Equal(t, first.Kind(), second.Kind())
	assert.Equal(t, Native(), first.Kind())
}

func TestNew_NegativeWorkers(t *testing.T) {
	_, err := New(Config{Workers: -1})
	assert.ErrorIs(t, err, ErrInvalidWorkers)
}

func TestNew_RecordsStartAndStop(t *testing.T) {
	m := metrics.MustNew(nil)

	b, err := New(Config{Workers: 1, Metrics: m})
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.BackendsStartedCount(b.Kind().String()))

	require.NoError(t, b.Shutdown(context.Background()))
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, 1.0, m.BackendsStoppedCount(b.Kind().String()), "repeated shutdown must be counted once")
}

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddress string
	}{
		{"unix:///tmp/workload-api.sock", "unix", "/tmp/workload-api.sock"},
		{"unix:relative/api.sock", "unix", "relative/api.sock"},
		{"127.0.0.1:8090", "tcp", "127.0.0.1:8090"},
		{"spire-agent:8081", "tcp", "spire-agent:8081"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			network, address := splitTarget(tt.in)
			assert.Equal(t, tt.wantNetwork, network)
			assert.Equal(t, tt.wantAddress, address)
		})
	}
}

func TestPortable_RejectsDomainSockets(t *testing.T) {
	b := newPortable(Config{}.withDefaults())
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

	_, err := b.Dial(context.Background(), "unix://"+filepath.Join(t.TempDir(), "api.sock"))
	assert.ErrorIs(t, err, ErrDomainSocketUnsupported)
}

func TestPortable_DialsTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	b := newPortable(Config{}.withDefaults())
	conn, err := b.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.NoError(t, b.Shutdown(context.Background()))
	_, err = b.Dial(context.Background(), ln.Addr().String())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPortable_DialOptionsAttachDialer(t *testing.T) {
	b := newPortable(Config{}.withDefaults())
	assert.Len(t, b.DialOptions(), 1)
	assert.Equal(t, KindPortable, b.Kind())
}
