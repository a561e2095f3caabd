package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/wlchannel/internal/metrics"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	m.ChannelCreated("unix")
	m.BackendStarted("epoll")

	count, err := testutil.GatherAndCount(reg,
		"wlchannel_channels_created_total",
		"wlchannel_backends_started_total",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNew_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = metrics.New(reg)
	assert.Error(t, err)
}

func TestNew_NilRegisterer(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)

	m.BackendStarted("kqueue")
	m.BackendStarted("kqueue")
	m.BackendStopped("kqueue")

	assert.Equal(t, 2.0, m.BackendsStartedCount("kqueue"))
	assert.Equal(t, 1.0, m.BackendsStoppedCount("kqueue"))
	assert.Equal(t, 0.0, m.BackendsStartedCount("epoll"))
}

func TestTransport_NilIsNoop(t *testing.T) {
	var m *metrics.Transport

	assert.NotPanics(t, func() {
		m.ChannelCreated("tcp")
		m.ConstructionFailed("tcp")
		m.BackendStarted("epoll")
		m.BackendStopped("epoll")
		m.PeerHangup("epoll")
		m.Released("tcp", metrics.OutcomeGraceful)
		m.ReleaseFailed(metrics.StageBackend)
		m.CallStarted("tcp")
		m.CallFinished("tcp")
	})
	assert.Zero(t, m.ChannelsCreatedCount("tcp"))
	assert.Zero(t, m.ReleaseErrorCount(metrics.StageBackend))
}

func TestTransport_Counters(t *testing.T) {
	m := metrics.MustNew(nil)

	m.ChannelCreated("tcp")
	m.PeerHangup("epoll")
	m.ReleaseFailed(metrics.StageChannel)
	m.ReleaseFailed(metrics.StageChannel)

	assert.Equal(t, 1.0, m.ChannelsCreatedCount("tcp"))
	assert.Equal(t, 1.0, m.PeerHangupCount("epoll"))
	assert.Equal(t, 2.0, m.ReleaseErrorCount(metrics.StageChannel))
}
