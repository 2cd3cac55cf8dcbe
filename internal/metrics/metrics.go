// Package metrics exposes prometheus instrumentation for the sync layer.
//
// All methods are safe to call on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	pendingRecords  prometheus.Gauge
	queueLength     prometheus.Gauge
	pushesTotal     *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
	circuitOpen     prometheus.Gauge
	online          prometheus.Gauge
	storeWrites     *prometheus.CounterVec
	storeEvictions  *prometheus.CounterVec
	tierAvailable   *prometheus.GaugeVec
}

// New registers the sync collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		pendingRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sync_pending_records",
			Help: "Records with local changes not yet accepted by the remote",
		}),
		queueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sync_queue_length",
			Help: "Entries waiting in the push queue",
		}),
		pushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_pushes_total",
			Help: "Push attempts by result",
		}, []string{"result"}),
		gatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Gateway requests by final outcome",
		}, []string{"outcome"}),
		circuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_circuit_open",
			Help: "1 while the gateway circuit breaker is open",
		}),
		online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "connectivity_online",
			Help: "1 while the remote is reachable",
		}),
		storeWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_writes_total",
			Help: "Successful record writes by storage tier",
		}, []string{"tier"}),
		storeEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "store_evictions_total",
			Help: "Records evicted to recover from a quota error, by storage tier",
		}, []string{"tier"}),
		tierAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "store_tier_available",
			Help: "1 while the storage tier accepts operations",
		}, []string{"tier"}),
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetPending records the pending-sync count.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRecords.Set(float64(n))
}

// SetQueueLength records the push queue length.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

// IncPush counts a push attempt with result "success", "failure", "conflict" or "dropped".
func (m *Metrics) IncPush(result string) {
	if m == nil {
		return
	}
	m.pushesTotal.WithLabelValues(result).Inc()
}

// IncGatewayRequest counts a finished gateway request.
func (m *Metrics) IncGatewayRequest(outcome string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	m.circuitOpen.Set(boolValue(open))
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	m.online.Set(boolValue(online))
}

func (m *Metrics) IncStoreWrite(tier string) {
	if m == nil {
		return
	}
	m.storeWrites.WithLabelValues(tier).Inc()
}

func (m *Metrics) AddEvictions(tier string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.storeEvictions.WithLabelValues(tier).Add(float64(n))
}

func (m *Metrics) SetTierAvailable(tier string, available bool) {
	if m == nil {
		return
	}
	m.tierAvailable.WithLabelValues(tier).Set(boolValue(available))
}
