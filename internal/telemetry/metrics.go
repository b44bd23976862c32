/**
 * @description
 * Prometheus counters for the payment lifecycle and the worker loop.
 *
 * @dependencies
 * - github.com/prometheus/client_golang: metric types and registration.
 * - github.com/shopspring/decimal: converting scaled amounts to asset units.
 */
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/transfa/outgoing-payment-service/internal/domain"
)

const namespace = "outgoing_payments"

// Metrics groups the counters the service updates. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	completed   prometheus.Counter
	failed      prometheus.Counter
	amountSent  *prometheus.CounterVec
	workerTicks *prometheus.CounterVec
}

// NewMetrics registers the service counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		completed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_total",
			Help:      "Outgoing payments that reached COMPLETED.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Outgoing payments that reached FAILED.",
		}),
		amountSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_sent_total",
			Help:      "Settled debit amount of completed payments, in asset units.",
		}, []string{"asset_code"}),
		workerTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_runs_total",
			Help:      "Worker invocations by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) PaymentCompleted(settled domain.Amount) {
	if m == nil {
		return
	}
	m.completed.Inc()
	if settled.Value > 0 {
		units, _ := decimal.New(settled.Value, -int32(settled.AssetScale)).Float64()
		m.amountSent.WithLabelValues(settled.AssetCode).Add(units)
	}
}

func (m *Metrics) PaymentFailed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

// WorkerRun records one worker invocation; outcome is processed, idle or error.
func (m *Metrics) WorkerRun(outcome string) {
	if m == nil {
		return
	}
	m.workerTicks.WithLabelValues(outcome).Inc()
}
