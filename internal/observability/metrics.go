package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the spend-gating core.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	authorizations    *prometheus.CounterVec
	authorizeDuration *prometheus.HistogramVec
	velocityAlerts    prometheus.Counter
	settlements       *prometheus.CounterVec
	ledgerGroups      *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	issuerErrors      prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. A private registry avoids duplicate-collector
// panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		authorizations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_authorizations_total",
				Help: "Authorization decisions by outcome and reason.",
			},
			[]string{"decision", "reason"},
		),
		authorizeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpay_authorize_duration_seconds",
				Help:    "Duration of authorization decisions.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"decision"},
		),
		velocityAlerts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentpay_velocity_alerts_total",
				Help: "Soft-limit trips that approved with a yellow status.",
			},
		),
		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_settlements_total",
				Help: "Settlement outcomes.",
			},
			[]string{"outcome"},
		),
		ledgerGroups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_ledger_groups_total",
				Help: "Transaction groups written by result.",
			},
			[]string{"result"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpay_settlement_queue_depth",
				Help: "Pending events on the settlement queue.",
			},
		),
		issuerErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentpay_issuer_errors_total",
				Help: "Errors from the card-issuing network client.",
			},
		),
	}
}

// RecordDecision records an authorization outcome and its latency.
func (m *Metrics) RecordDecision(decision, reason string, d time.Duration) {
	m.authorizations.WithLabelValues(decision, reason).Inc()
	m.authorizeDuration.WithLabelValues(decision).Observe(d.Seconds())
}

// IncrVelocityAlert counts a yellow (approve-with-alert) trip.
func (m *Metrics) IncrVelocityAlert() {
	m.velocityAlerts.Inc()
}

// IncrSettlement counts a settlement outcome (settled, replayed, failed).
func (m *Metrics) IncrSettlement(outcome string) {
	m.settlements.WithLabelValues(outcome).Inc()
}

// IncrLedgerGroup counts a transaction-group write result.
func (m *Metrics) IncrLedgerGroup(result string) {
	m.ledgerGroups.WithLabelValues(result).Inc()
}

// SetQueueDepth records the current settlement queue length.
func (m *Metrics) SetQueueDepth(depth int64) {
	m.queueDepth.Set(float64(depth))
}

// IncrIssuerError counts a card network failure.
func (m *Metrics) IncrIssuerError() {
	m.issuerErrors.Inc()
}
