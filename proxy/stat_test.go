package proxy

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	assert := assert.New(t)
	m := NewMetricsCollector(time.Second)
	m.Record("10.0.0.1", DEL, []byte("k"), 30, 4, 3, false)
	m.Record("10.0.0.1", DEL, []byte("k"), 30, 20, 1500, true)
	m.Record("10.0.0.2", MGET, []byte("k"), 40, 50, 1, false)

	assert.Equal(uint64(2), m.Requests(DEL))
	assert.Equal(uint64(1), m.Errors(DEL))
	assert.Equal(uint64(1), m.Requests(MGET))
	assert.Equal(uint64(0), m.Errors(MGET))

	timer, ok := m.Registry().Get("10.0.0.1.DEL.latency").(gometrics.Timer)
	require.True(t, ok)
	assert.Equal(int64(2), timer.Count())
	counter, ok := m.Registry().Get("10.0.0.1.DEL.errors").(gometrics.Counter)
	require.True(t, ok)
	assert.Equal(int64(1), counter.Count())
	assert.Nil(m.Registry().Get("10.0.0.2.MGET.errors"))

	var prom bytes.Buffer
	m.WritePrometheus(&prom)
	assert.Contains(prom.String(), `rcproxy_requests_total{cmd="DEL"} 2`)
	assert.Contains(prom.String(), `rcproxy_response_bytes_total{cmd="MGET"} 50`)

	var js bytes.Buffer
	m.WriteJSON(&js)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Contains(decoded, "10.0.0.2.MGET.latency")
}

func TestClock(t *testing.T) {
	c := NewClock(time.Millisecond)
	defer c.Stop()
	start := c.NowMillis()
	assert.InDelta(t, time.Now().UnixMilli(), start, 50)
	assert.Eventually(t, func() bool {
		return c.NowMillis() > start
	}, time.Second, time.Millisecond)
	c.Stop()
}

func TestFrontGuardRecord(t *testing.T) {
	assert := assert.New(t)
	clock := NewClock(time.Millisecond)
	defer clock.Stop()
	stats := &recordingStats{}
	g := NewFrontGuard(nil, "p", stats, clock)

	g.Begin(MGET, []byte("k1"), 17)
	err := g.WithLock(func(session *FrontSession) error {
		assert.Equal(MGET, session.RequestCmd)
		g.record(session, 9, false)
		return nil
	})
	assert.NoError(err)
	assert.Equal([]statRecord{{"p", MGET, "k1", 17, 9, false}}, stats.all())

	// the lock is released on panic
	assert.Panics(func() {
		g.WithLock(func(*FrontSession) error { panic("boom") })
	})
	assert.NoError(g.WithLock(func(*FrontSession) error { return nil }))
}
