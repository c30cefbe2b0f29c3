// Package metrics exposes ledger activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/token-ledger/ledger"
)

const namespace = "ledger"

// Collector records engine operations and event deliveries. It implements
// ledger.Observer.
type Collector struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	points     *prometheus.CounterVec
	retries    prometheus.Counter
	deliveries *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the ledger metrics on reg.
func New(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in ledger mutations, including lock wait and retries.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		points: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_total",
			Help:      "Tokens moved by committed mutations.",
		}, []string{"direction"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Units of work re-run after a version conflict.",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "deliveries_total",
			Help:      "Reward event deliveries by disposition.",
		}, []string{"disposition"}),
		gatherer: reg,
	}
}

// ObserveOperation implements ledger.Observer.
func (c *Collector) ObserveOperation(op ledger.Operation) {
	c.operations.WithLabelValues(string(op.Op), string(op.Outcome)).Inc()
	c.duration.WithLabelValues(string(op.Op)).Observe(op.Duration.Seconds())
	if op.Retries > 0 {
		c.retries.Add(float64(op.Retries))
	}
	if op.Outcome != ledger.OutcomeOK {
		return
	}
	switch op.Op {
	case ledger.OpCredit:
		c.points.WithLabelValues("earned").Add(float64(op.Amount))
	case ledger.OpDebit:
		c.points.WithLabelValues("spent").Add(float64(op.Amount))
	}
}

// ObserveDelivery counts one event delivery ("ack", "reject", "requeue").
func (c *Collector) ObserveDelivery(disposition string) {
	c.deliveries.WithLabelValues(disposition).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
