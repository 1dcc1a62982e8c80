package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(WithRegistry(reg), WithNamespace("test"))

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.PacketProcessed("in", "event")
	m.PacketProcessed("in", "event")
	m.DispatchError("no_such_method")
	m.BroadcastSent(3, 2*time.Millisecond)
	m.PacketDropped()
	m.TransportError("websocket")
	m.OrphansSwept(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.sessionsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.packetsTotal.WithLabelValues("in", "event")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.dispatchErrors.WithLabelValues("no_such_method")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.recipientsTotal))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.orphansSwept))

	n, err := testutil.GatherAndCount(reg, "test_broadcast_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNoopSatisfiesInterface(t *testing.T) {
	var m Metrics = Noop{}
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.BroadcastSent(1, time.Second)
	})
}
