// Package metrics exposes settlement engine counters and latencies in
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	permitpay "github.com/permitpay/permitpay-go"
)

// Outcome label used for successful operations. Failures carry the
// settlement error code instead.
const outcomeSuccess = "success"

// Metrics holds the collectors on a dedicated registry so tests and
// embedders never collide with the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	settlements     *prometheus.CounterVec
	settleSeconds   *prometheus.HistogramVec
	verifications   *prometheus.CounterVec
	feeUnits        *prometheus.CounterVec
	configUpdates   *prometheus.CounterVec
	eventsDelivered prometheus.Counter
}

// New creates the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_settlements_total",
			Help: "Settlement attempts by variant and outcome.",
		}, []string{"variant", "outcome"}),
		settleSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "permitpay_settlement_duration_seconds",
			Help:    "Settlement latency by variant.",
			Buckets: prometheus.DefBuckets,
		}, []string{"variant"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_verifications_total",
			Help: "Verification dry-runs by variant and outcome.",
		}, []string{"variant", "outcome"}),
		feeUnits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_fee_units_collected_total",
			Help: "Fee units routed to the treasury by variant.",
		}, []string{"variant"}),
		configUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permitpay_config_updates_total",
			Help: "Configuration mutations by kind.",
		}, []string{"kind"}),
		eventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "permitpay_events_delivered_total",
			Help: "Engine events observed by the metrics sink.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for embedders that want to add
// their own collectors next to the engine's.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSettlement counts one settlement attempt and its latency.
func (m *Metrics) RecordSettlement(variant permitpay.SettlementVariant, outcome string, seconds float64) {
	m.settlements.WithLabelValues(string(variant), outcome).Inc()
	m.settleSeconds.WithLabelValues(string(variant)).Observe(seconds)
}

// RecordVerification counts one verification dry-run.
func (m *Metrics) RecordVerification(variant permitpay.SettlementVariant, outcome string) {
	m.verifications.WithLabelValues(string(variant), outcome).Inc()
}

// Sink returns an event sink feeding the fee and config collectors.
// Register it on the engine with permitpay.WithEventSink.
func (m *Metrics) Sink() permitpay.EventSink {
	return permitpay.SinkFunc(func(e permitpay.Event) {
		m.eventsDelivered.Inc()
		switch e.Kind {
		case permitpay.EventFeeCollected:
			if units, err := strconv.ParseFloat(e.FeeAmount, 64); err == nil {
				m.feeUnits.WithLabelValues(string(e.Variant)).Add(units)
			}
		case permitpay.EventTreasuryUpdated, permitpay.EventFeeBoundsUpdated, permitpay.EventFeeSignerUpdated:
			m.configUpdates.WithLabelValues(string(e.Kind)).Inc()
		}
	})
}

// Instrument attaches result and failure hooks to the engine so every
// settle and verify outcome is counted with its duration.
func (m *Metrics) Instrument(engine *permitpay.Engine) {
	engine.OnAfterSettle(func(rc permitpay.SettleResultContext) error {
		m.RecordSettlement(rc.Variant, outcomeSuccess, rc.Duration.Seconds())
		return nil
	})
	engine.OnSettleFailure(func(fc permitpay.SettleFailureContext) error {
		m.RecordSettlement(fc.Variant, failureOutcome(fc.Error), fc.Duration.Seconds())
		return nil
	})
	engine.OnAfterVerify(func(rc permitpay.VerifyResultContext) error {
		outcome := outcomeSuccess
		if !rc.Result.Valid {
			outcome = rc.Result.InvalidReason
		}
		m.RecordVerification(rc.Variant, outcome)
		return nil
	})
	engine.OnVerifyFailure(func(fc permitpay.VerifyFailureContext) (*permitpay.VerifyFailureHookResult, error) {
		m.RecordVerification(fc.Variant, failureOutcome(fc.Error))
		return nil, nil
	})
}

func failureOutcome(err error) string {
	if code := permitpay.CodeOf(err); code != "" {
		return code
	}
	return "error"
}
