package metrics_test

import (
	"sync"
	"testing"

	"github.com/a-essam23/go-fanout/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, e := range metrics.Events() {
		name := e.String()
		assert.NotEqual(t, "unknown", name)
		assert.False(t, seen[name], "duplicate event name %s", name)
		seen[name] = true
	}
	assert.Equal(t, "unknown", metrics.Event(-1).String())
}

func TestCounting_Concurrent(t *testing.T) {
	c := metrics.NewCounting()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Observe(metrics.MessageDelivered)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 50, c.Count(metrics.MessageDelivered))
	assert.EqualValues(t, 0, c.Count(metrics.DeliveryFailed))
	assert.Equal(t, map[string]int64{"message_delivered": 50}, c.Snapshot())
}

func TestPrometheus_CountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := metrics.NewPrometheus(reg, "test")
	require.NoError(t, err)

	multi := metrics.NewMulti(p)
	counting := metrics.NewCounting()
	multi.Add(counting)

	multi.Observe(metrics.RoomJoined)
	multi.Observe(metrics.RoomJoined)
	multi.Observe(metrics.RateLimited)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	values := make(map[string]float64)
	for _, m := range families[0].GetMetric() {
		values[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
	}
	assert.Equal(t, 2.0, values["room_joined"])
	assert.Equal(t, 1.0, values["rate_limited"])
	assert.Equal(t, 0.0, values["connection_opened"])
	assert.Len(t, values, len(metrics.Events()))
	assert.EqualValues(t, 2, counting.Count(metrics.RoomJoined))

	_, err = metrics.NewPrometheus(reg, "test")
	assert.Error(t, err, "double registration must fail")
}

func TestRegisterGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.RegisterGauge(reg, "test", "connections", "Live connections.", func() float64 { return 7 }))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, 7.0, families[0].GetMetric()[0].GetGauge().GetValue())
}
