package cmdbus

import "github.com/prometheus/client_golang/prometheus"

// MetricsTracer counts trace records with Prometheus
type MetricsTracer struct {
	records         *prometheus.CounterVec
	eventsCommitted *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
}

// NewMetricsTracer creates the collectors and registers them with reg
func NewMetricsTracer(reg prometheus.Registerer) (*MetricsTracer, error) {
	m := &MetricsTracer{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_trace_records_total",
			Help: "Total number of traced steps by method",
		}, []string{"method"}),

		eventsCommitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_events_committed_total",
			Help: "Total number of committed events by aggregate type",
		}, []string{"aggregate_type"}),

		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_handler_errors_total",
			Help: "Total number of failed event deliveries by handler",
		}, []string{"handler"}),
	}

	for _, c := range []prometheus.Collector{
		m.records, m.eventsCommitted, m.handlerErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Trace implements Tracer
func (m *MetricsTracer) Trace(fn func() Record) {
	rec := fn()
	m.records.WithLabelValues(rec.Method).Inc()

	switch rec.Method {
	case TraceCommitEvents:
		typ, _ := rec.Fields["aggregateType"].(string)
		if n, ok := rec.Fields["count"].(int); ok {
			m.eventsCommitted.WithLabelValues(typ).Add(float64(n))
		}
	case TraceHandlerError:
		name, _ := rec.Fields["handler"].(string)
		m.handlerErrors.WithLabelValues(name).Inc()
	}
}
