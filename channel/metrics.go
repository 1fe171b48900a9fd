package channel

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional set of Prometheus collectors a Channel reports
// through. Attach via WithMetrics; a Channel built without it simply
// skips all metric recording.
type Metrics struct {
	rowsInserted  prometheus.Counter
	flushes       prometheus.Counter
	flushErrors   prometheus.Counter
	reopens       prometheus.Counter
	appendLatency prometheus.Histogram
}

// NewMetrics builds and registers a Metrics set under registry, labeling
// every collector with the channel name.
func NewMetrics(registry *prometheus.Registry, channelName string) *Metrics {
	labels := prometheus.Labels{"channel": channelName}

	m := &Metrics{
		rowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pipestream_channel_rows_inserted_total",
			Help:        "Rows accepted by InsertRow/InsertRows.",
			ConstLabels: labels,
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pipestream_channel_flushes_total",
			Help:        "Completed flushes (successful appends).",
			ConstLabels: labels,
		}),
		flushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pipestream_channel_flush_errors_total",
			Help:        "Flushes that ended in an error.",
			ConstLabels: labels,
		}),
		reopens: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pipestream_channel_reopens_total",
			Help:        "Channel reopens triggered by drift or health-check failure.",
			ConstLabels: labels,
		}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "pipestream_channel_append_latency_seconds",
			Help:        "Latency of successful append calls.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(m.rowsInserted, m.flushes, m.flushErrors, m.reopens, m.appendLatency)
	return m
}

func (m *Metrics) observeRowsInserted(n int) {
	if m == nil {
		return
	}
	m.rowsInserted.Add(float64(n))
}

func (m *Metrics) observeFlush(err error, seconds float64) {
	if m == nil {
		return
	}
	if err != nil {
		m.flushErrors.Inc()
		return
	}
	m.flushes.Inc()
	m.appendLatency.Observe(seconds)
}

func (m *Metrics) observeReopen() {
	if m == nil {
		return
	}
	m.reopens.Inc()
}
