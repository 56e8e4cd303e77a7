package proxy

import (
	"fmt"
	"io"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

// StatCollector receives one record per completed client request, after its reply was written
type StatCollector interface {
	Record(principal, cmd string, key []byte, requestSize, responseSize int, latencyMillis int64, isError bool)
}

// MetricsCollector exports request records as prometheus metrics and keeps
// per principal timers for the stats endpoint
type MetricsCollector struct {
	set           *vm.Set
	registry      gometrics.Registry
	slowThreshold int64
}

func NewMetricsCollector(slowThreshold time.Duration) *MetricsCollector {
	return &MetricsCollector{
		set:           vm.NewSet(),
		registry:      gometrics.NewRegistry(),
		slowThreshold: slowThreshold.Milliseconds(),
	}
}

func (m *MetricsCollector) Record(principal, cmd string, key []byte, requestSize, responseSize int, latencyMillis int64, isError bool) {
	m.set.GetOrCreateCounter(fmt.Sprintf(`rcproxy_requests_total{cmd=%q}`, cmd)).Inc()
	if isError {
		m.set.GetOrCreateCounter(fmt.Sprintf(`rcproxy_request_errors_total{cmd=%q}`, cmd)).Inc()
	}
	m.set.GetOrCreateCounter(fmt.Sprintf(`rcproxy_request_bytes_total{cmd=%q}`, cmd)).Add(requestSize)
	m.set.GetOrCreateCounter(fmt.Sprintf(`rcproxy_response_bytes_total{cmd=%q}`, cmd)).Add(responseSize)
	m.set.GetOrCreateHistogram(fmt.Sprintf(`rcproxy_request_duration_seconds{cmd=%q}`, cmd)).Update(float64(latencyMillis) / 1000)

	prefix := principal + "." + cmd
	gometrics.GetOrRegisterTimer(prefix+".latency", m.registry).Update(time.Duration(latencyMillis) * time.Millisecond)
	gometrics.GetOrRegisterHistogram(prefix+".response_size", m.registry, gometrics.NewUniformSample(1028)).Update(int64(responseSize))
	if isError {
		gometrics.GetOrRegisterCounter(prefix+".errors", m.registry).Inc(1)
	}

	if m.slowThreshold > 0 && latencyMillis >= m.slowThreshold {
		log.Warningf("slow request, principal=%s,cmd=%s,key=%q,latency=%dms", principal, cmd, key, latencyMillis)
	}
}

// Requests returns how many requests of cmd were recorded
func (m *MetricsCollector) Requests(cmd string) uint64 {
	return m.set.GetOrCreateCounter(fmt.Sprintf(`rcproxy_requests_total{cmd=%q}`, cmd)).Get()
}

// Errors returns how many requests of cmd were recorded as failed
func (m *MetricsCollector) Errors(cmd string) uint64 {
	return m.set.GetOrCreateCounter(fmt.Sprintf(`rcproxy_request_errors_total{cmd=%q}`, cmd)).Get()
}

// Registry exposes the per principal metrics
func (m *MetricsCollector) Registry() gometrics.Registry {
	return m.registry
}

func (m *MetricsCollector) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

func (m *MetricsCollector) WriteJSON(w io.Writer) {
	gometrics.WriteJSONOnce(m.registry, w)
}
