package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xscrow/internal/events"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	operationsTotal    *prometheus.CounterVec
	callbacksTotal     *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	eventsTotal        *prometheus.CounterVec
	dlqDepth           prometheus.Gauge
	streamClients      prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xscrow_operations_total",
		Help: "Escrow API operations by outcome",
	}, []string{"operation", "status"})

	callbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xscrow_oracle_callbacks_total",
		Help: "Total number of oracle operator callbacks processed",
	}, []string{"status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xscrow_retry_attempts_total",
		Help: "Retry attempts for callback delivery",
	}, []string{"result"})

	evs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xscrow_events_total",
		Help: "Events appended to the log by kind",
	}, []string{"kind"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xscrow_dlq_depth",
		Help: "Number of items in the DLQ",
	})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xscrow_event_stream_clients",
		Help: "Connected event stream clients",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, callbacks, retries, evs, dlq, clients)

	return &metricsRegistry{
		registry:           r,
		operationsTotal:    ops,
		callbacksTotal:     callbacks,
		retryAttemptsTotal: retries,
		eventsTotal:        evs,
		dlqDepth:           dlq,
		streamClients:      clients,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOperation(op, status string) {
	m.operationsTotal.WithLabelValues(op, status).Inc()
}

func (m *metricsRegistry) incCallback(status string) {
	m.callbacksTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}

// Publish makes the registry an events.Sink.
func (m *metricsRegistry) Publish(_ context.Context, ev events.Event) error {
	m.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}
