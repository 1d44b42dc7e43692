// Package metrics exposes execution outcomes as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cimillas/chain-trade/internal/app"
	"github.com/cimillas/chain-trade/internal/domain"
)

const namespace = "chain_trade"

// Executions implements app.Observer.
type Executions struct {
	total               *prometheus.CounterVec
	failures            *prometheus.CounterVec
	compensationFailure prometheus.Counter
	duration            *prometheus.HistogramVec
}

var _ app.Observer = (*Executions)(nil)

// NewExecutions creates the collectors and registers them with reg.
func NewExecutions(reg prometheus.Registerer) (*Executions, error) {
	m := &Executions{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions that created a record, by kind and final status.",
		}, []string{"kind", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_failures_total",
			Help:      "Failed executions by the stage that failed.",
		}, []string{"stage"}),
		compensationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Records left pending because marking them failed did not succeed.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time from request to terminal status.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.total, m.failures, m.compensationFailure, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Executions) ExecutionFinished(kind domain.Kind, status domain.Status, elapsed time.Duration) {
	m.total.WithLabelValues(string(kind), string(status)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Executions) StageFailed(stage app.Stage) {
	m.failures.WithLabelValues(string(stage)).Inc()
}

func (m *Executions) CompensationFailed() {
	m.compensationFailure.Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
