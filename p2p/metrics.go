package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	connectedPeers *prometheus.GaugeVec
	admissions     *prometheus.CounterVec
	dials          *prometheus.CounterVec
	evictions      prometheus.Counter
	storeErrors    prometheus.Counter

	meter            metric.Meter
	admissionCounter metric.Int64Counter
	dialCounter      metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			connectedPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "ckb_p2p_connected_peers",
				Help: "Currently open sessions by direction.",
			}, []string{"direction"}),
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ckb_p2p_admissions_total",
				Help: "Inbound admission outcomes.",
			}, []string{"decision"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ckb_p2p_dials_total",
				Help: "Outbound dial outcomes.",
			}, []string{"result"}),
			evictions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ckb_p2p_evictions_total",
				Help: "Sessions closed by cap enforcement.",
			}),
			storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ckb_p2p_store_errors_total",
				Help: "Address book operations that failed after retries.",
			}),
		}
		prometheus.MustRegister(nm.connectedPeers, nm.admissions, nm.dials, nm.evictions, nm.storeErrors)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("ckb/p2p")
	admissions, err := meter.Int64Counter("ckb.p2p.admissions")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("ckb/p2p")
		admissions, _ = fallback.Int64Counter("ckb.p2p.admissions")
		meter = fallback
	}
	dials, err := meter.Int64Counter("ckb.p2p.dials")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("ckb/p2p")
		dials, _ = fallback.Int64Counter("ckb.p2p.dials")
		meter = fallback
	}
	m.meter = meter
	m.admissionCounter = admissions
	m.dialCounter = dials
}

func (m *networkMetrics) observePeerCount(direction Direction, count int) {
	if m == nil {
		return
	}
	m.connectedPeers.WithLabelValues(direction.String()).Set(float64(count))
}

func (m *networkMetrics) recordAdmission(decision string) {
	if m == nil {
		return
	}
	if decision == "" {
		decision = "unknown"
	}
	m.admissions.WithLabelValues(decision).Inc()
	if m.admissionCounter != nil {
		m.admissionCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(attribute.String("decision", decision)),
		)
	}
}

func (m *networkMetrics) recordDial(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.dials.WithLabelValues(result).Inc()
	if m.dialCounter != nil {
		m.dialCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

func (m *networkMetrics) recordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *networkMetrics) recordStoreError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}
