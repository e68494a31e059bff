package delivery

import (
	"sync"
	"sync/atomic"
	"time"
)

// DeliveryMetrics provides lightweight counters, gauges, and a basic latency
// summary. Used both for the global aggregate and per-stream instances
// (stream = producer_id for controllers, router id for routers).
type DeliveryMetrics struct {
	// Gauges
	unconfirmed  atomic.Int64
	buffered     atomic.Int64
	workers      atomic.Int64
	confirmedSeq atomic.Uint64

	// Counters and windowed rates (per second)
	sendsTotal          atomic.Int64
	sendsWindowStartSec atomic.Int64
	sendsWindowCount    atomic.Int64
	sendsPerSec         atomic.Int64

	resendsTotal      atomic.Int64
	requestNextsTotal atomic.Int64
	rehomedTotal      atomic.Int64
	failuresTotal     atomic.Int64

	// Send latency summary in milliseconds
	latMu      sync.Mutex
	latCount   int64
	latTotalMs int64
	latMinMs   int64
	latMaxMs   int64
}

// MetricsRegistry holds the global metrics and a per-stream breakdown.
type MetricsRegistry struct {
	global  DeliveryMetrics
	mu      sync.RWMutex
	streams map[string]*DeliveryMetrics
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{streams: make(map[string]*DeliveryMetrics)}
}

var Metrics = NewMetricsRegistry()

// getStream returns the per-stream metrics struct, creating it if missing.
func (r *MetricsRegistry) getStream(stream string) *DeliveryMetrics {
	if stream == "" {
		return nil
	}
	r.mu.RLock()
	sm := r.streams[stream]
	r.mu.RUnlock()
	if sm != nil {
		return sm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sm = r.streams[stream]; sm == nil {
		sm = &DeliveryMetrics{}
		r.streams[stream] = sm
	}
	return sm
}

func (r *MetricsRegistry) forStream(stream string, f func(*DeliveryMetrics)) {
	f(&r.global)
	if sm := r.getStream(stream); sm != nil {
		f(sm)
	}
}

// ObserveSendFor updates send counters and latency.
func (r *MetricsRegistry) ObserveSendFor(stream string, d time.Duration) {
	r.forStream(stream, func(m *DeliveryMetrics) { observeSend(m, d) })
}

func observeSend(m *DeliveryMetrics, d time.Duration) {
	m.sendsTotal.Add(1)
	// Publish the previous one-second window as the rate when a new window
	// opens, then count this send in the current one.
	nowSec := time.Now().Unix()
	if start := m.sendsWindowStartSec.Load(); start == 0 {
		m.sendsWindowStartSec.Store(nowSec)
	} else if nowSec > start {
		m.sendsPerSec.Store(m.sendsWindowCount.Swap(0))
		m.sendsWindowStartSec.Store(nowSec)
	}
	m.sendsWindowCount.Add(1)
	ms := d.Milliseconds()
	m.latMu.Lock()
	if m.latCount == 0 || ms < m.latMinMs {
		m.latMinMs = ms
	}
	if ms > m.latMaxMs {
		m.latMaxMs = ms
	}
	m.latCount++
	m.latTotalMs += ms
	m.latMu.Unlock()
}

func (r *MetricsRegistry) IncResendFor(stream string) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.resendsTotal.Add(1) })
}

func (r *MetricsRegistry) IncRequestNextFor(stream string) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.requestNextsTotal.Add(1) })
}

func (r *MetricsRegistry) IncRehomedFor(stream string, n int) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.rehomedTotal.Add(int64(n)) })
}

func (r *MetricsRegistry) IncFailureFor(stream string) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.failuresTotal.Add(1) })
}

func (r *MetricsRegistry) ObserveConfirmedFor(stream string, seq uint64) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.confirmedSeq.Store(seq) })
}

func (r *MetricsRegistry) SetUnconfirmedFor(stream string, n int) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.unconfirmed.Store(int64(n)) })
}

func (r *MetricsRegistry) SetBufferedFor(stream string, n int) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.buffered.Store(int64(n)) })
}

func (r *MetricsRegistry) SetWorkersFor(stream string, n int) {
	r.forStream(stream, func(m *DeliveryMetrics) { m.workers.Store(int64(n)) })
}

// Snapshot returns the global aggregate suitable for the metrics endpoint.
func (r *MetricsRegistry) Snapshot() map[string]interface{} { return snapshot(&r.global) }

func snapshot(m *DeliveryMetrics) map[string]interface{} {
	snap := map[string]interface{}{
		"unconfirmed":         m.unconfirmed.Load(),
		"buffered":            m.buffered.Load(),
		"workers":             m.workers.Load(),
		"confirmed_seq_nr":    m.confirmedSeq.Load(),
		"sends_total":         m.sendsTotal.Load(),
		"sends_per_sec":       m.sendsPerSec.Load(),
		"resends_total":       m.resendsTotal.Load(),
		"request_nexts_total": m.requestNextsTotal.Load(),
		"rehomed_total":       m.rehomedTotal.Load(),
		"failures_total":      m.failuresTotal.Load(),
	}
	m.latMu.Lock()
	if m.latCount > 0 {
		snap["send_latency_ms_avg"] = float64(m.latTotalMs) / float64(m.latCount)
		snap["send_latency_ms_min"] = m.latMinMs
		snap["send_latency_ms_max"] = m.latMaxMs
	} else {
		snap["send_latency_ms_avg"] = 0.0
		snap["send_latency_ms_min"] = 0
		snap["send_latency_ms_max"] = 0
	}
	m.latMu.Unlock()
	return snap
}

// StreamSnapshots returns a labeled snapshot per stream.
func (r *MetricsRegistry) StreamSnapshots() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]interface{}, len(r.streams))
	for k, v := range r.streams {
		out[k] = snapshot(v)
	}
	return out
}
