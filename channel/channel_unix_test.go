//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package channel_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/sufield/wlchannel/channel"
)

// startHealthServer serves the gRPC health service on a fresh domain socket
// and returns its address.
func startHealthServer(t *testing.T) (string, *health.Server) {
	t.Helper()

	// Short directory: sun_path is 104 bytes on macOS.
	dir, err := os.MkdirTemp("", "wlch")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sock := filepath.Join(dir, "api.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return "unix://" + sock, hs
}

func TestUnixChannel_CallReachesServer(t *testing.T) {
	addr, _ := startHealthServer(t)
	m := newMetrics(t)

	res, err := channel.NewFactory(channel.WithMetrics(m), channel.WithWorkers(2)).
		NewChannel(mustParse(t, addr), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(res.Conn()).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, res.Release())
	assert.Equal(t, 1.0, m.BackendsStoppedCount(channel.NativeBackend().String()))
}

func TestUnixChannel_CallsRefusedAfterRelease(t *testing.T) {
	addr, _ := startHealthServer(t)

	res, err := channel.NewFactory().NewChannel(mustParse(t, addr), nil)
	require.NoError(t, err)
	require.NoError(t, res.Release())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = healthpb.NewHealthClient(res.Conn()).Check(ctx, &healthpb.HealthCheckRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestUnixChannel_ReleaseWaitsForStream(t *testing.T) {
	addr, hs := startHealthServer(t)

	res, err := channel.NewFactory(channel.WithGracePeriod(5*time.Second)).
		NewChannel(mustParse(t, addr), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := healthpb.NewHealthClient(res.Conn()).Watch(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	first, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, first.GetStatus())

	// The server ends the stream after the release has started waiting.
	go func() {
		time.Sleep(100 * time.Millisecond)
		hs.Shutdown()
		time.Sleep(50 * time.Millisecond)
		cancel()
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	require.NoError(t, res.Release())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond, "release returned before the stream finished")
	assert.Less(t, elapsed, 4*time.Second, "release waited for the whole grace period")
}

func TestUnixChannel_ReleaseForcesAfterGrace(t *testing.T) {
	addr, _ := startHealthServer(t)

	res, err := channel.NewFactory(channel.WithGracePeriod(100*time.Millisecond)).
		NewChannel(mustParse(t, addr), nil)
	require.NoError(t, err)

	stream, err := healthpb.NewHealthClient(res.Conn()).Watch(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, res.Release())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// Closing the channel tears the abandoned stream down.
	_, err = stream.Recv()
	assert.Error(t, err)
}

func TestUnixChannel_ReconnectsAfterServerRestart(t *testing.T) {
	dir, err := os.MkdirTemp("", "wlch")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "api.sock")

	serve := func() *grpc.Server {
		lis, err := net.Listen("unix", sock)
		require.NoError(t, err)
		srv := grpc.NewServer()
		healthpb.RegisterHealthServer(srv, health.NewServer())
		go func() { _ = srv.Serve(lis) }()
		return srv
	}

	res, err := channel.NewFactory(channel.WithWorkers(1)).
		NewChannel(mustParse(t, "unix://"+sock), nil)
	require.NoError(t, err)
	defer res.Release()

	client := healthpb.NewHealthClient(res.Conn())
	check := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := client.Check(ctx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true))
		return err
	}

	srv := serve()
	require.NoError(t, check())

	srv.Stop()
	_ = os.Remove(sock)

	srv = serve()
	defer srv.Stop()

	// A call issued while the dead transport is still being torn down may
	// fail once; the channel must recover on its own.
	require.Eventually(t, func() bool {
		return check() == nil
	}, 10*time.Second, 50*time.Millisecond)
}
