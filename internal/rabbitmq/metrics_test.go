package rabbitmq

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Run("NewMetrics registers every collector", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewMetrics(reg)
		m.published(OutcomeSuccess, time.Millisecond)
		m.connectionCreated("host-a")

		families, err := reg.Gather()
		require.NoError(t, err)

		names := make(map[string]bool)
		for _, f := range families {
			names[f.GetName()] = true
		}
		assert.True(t, names["statusnotify_publish_total"])
		assert.True(t, names["statusnotify_publish_duration_seconds"])
		assert.True(t, names["statusnotify_connections_created_total"])
		assert.True(t, names["statusnotify_pool_idle_channels"])
		assert.True(t, names["statusnotify_connection_blocked"])
	})

	t.Run("nil metrics are a no-op", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.connectionCreated("x")
			m.connectionFailed()
			m.channelCreated()
			m.channelEvicted()
			m.setIdle(3)
			m.published(OutcomeSuccess, time.Second)
			m.ConnectionBlocked("x", "y")
			m.ConnectionUnblocked("x")
			m.ConnectionShutdown("x", nil)
			m.ChannelShutdown(nil)
		})
	})

	t.Run("blocked gauge follows broker flow control", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		dialer := &fakeDialer{}
		manager, err := NewConnectionManager(dialer, testEndpoints,
			WithConnectionMetrics(m),
			WithObserver(m))
		require.NoError(t, err)

		_, err = manager.Acquire(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsCreated.WithLabelValues(manager.ClientName())))

		dialer.last().block(true, "memory alarm")
		assert.Eventually(t, func() bool {
			return testutil.ToFloat64(m.connectionBlocked) == 1
		}, time.Second, 5*time.Millisecond)

		dialer.last().block(false, "")
		assert.Eventually(t, func() bool {
			return testutil.ToFloat64(m.connectionBlocked) == 0
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("pool gauges track idle channels and evictions", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		pool := newTestPool(t, WithPoolMetrics(m))
		conn := &fakeConnection{}

		a, err := pool.Borrow(conn)
		require.NoError(t, err)
		b, err := pool.Borrow(conn)
		require.NoError(t, err)
		pool.Release(a)
		pool.Release(b)
		assert.Equal(t, 2.0, testutil.ToFloat64(m.idleChannels))

		require.NoError(t, a.Close())
		_, err = pool.Borrow(conn)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return testutil.ToFloat64(m.idleChannels) == 0 &&
				testutil.ToFloat64(m.channelsEvicted) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, 2.0, testutil.ToFloat64(m.channelsCreated))
	})
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o := NewLogObserver(logger)

	o.ConnectionBlocked("host-a", "low on memory")
	o.ConnectionUnblocked("host-a")
	o.ConnectionShutdown("host-a", &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})
	o.ChannelShutdown(errors.New("channel gone"))

	out := buf.String()
	assert.Contains(t, out, "connection is blocked")
	assert.Contains(t, out, "reason=\"low on memory\"")
	assert.Contains(t, out, "connection is unblocked")
	assert.Contains(t, out, "received a shutdown for the connection")
	assert.Contains(t, out, "CONNECTION_FORCED")
	assert.Contains(t, out, "channel has been shutdown")
}
