// Package metrics holds the Prometheus collectors shared by the engine and the event relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealflow",
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Engine operations by name and outcome.",
	}, []string{"operation", "outcome"})

	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dealflow",
		Subsystem: "engine",
		Name:      "operation_duration_seconds",
		Help:      "Time spent in engine operations, transaction included.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"operation"})

	DealsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealflow",
		Subsystem: "engine",
		Name:      "deals_closed_total",
		Help:      "Deals transitioned to won or lost.",
	}, []string{"outcome"})

	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealflow",
		Subsystem: "relay",
		Name:      "events_delivered_total",
		Help:      "Outbox events delivered to the bus, by event type.",
	}, []string{"type"})

	EventsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealflow",
		Subsystem: "relay",
		Name:      "events_failed_total",
		Help:      "Outbox events whose delivery failed and will be retried.",
	})

	RelayBatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dealflow",
		Subsystem: "relay",
		Name:      "batch_duration_seconds",
		Help:      "Time spent fetching, delivering, and marking outbox batches.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(OperationsTotal, OperationDuration, DealsClosed, EventsDelivered, EventsFailed, RelayBatchDuration)
}

// ObserveOperation records one engine call.
func ObserveOperation(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
