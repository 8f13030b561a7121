package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_ingest"

// Metrics holds the Prometheus counters, histograms, and gauges for the ingest pipeline.
type Metrics struct {
	DeliveriesReceived prometheus.Counter
	DeliveriesFiltered prometheus.Counter
	DeliveriesAcked    prometheus.Counter
	DeliveriesNacked   prometheus.Counter
	PipelineRunning    prometheus.Gauge
	InFlight           prometheus.Gauge

	// File metrics.
	FilesFetched           prometheus.Counter
	FetchErrors            *prometheus.CounterVec // labels: reason={not_found,access_denied,too_large,unsupported,transient,other}
	Rows                   *prometheus.CounterVec // labels: status={valid,header,blank,invalid}
	FileProcessingDuration prometheus.Histogram

	// Sink metrics.
	RecordsWritten    prometheus.Counter
	SinkErrors        *prometheus.CounterVec // labels: kind={retryable,fatal}
	SinkWriteDuration prometheus.Histogram
	SinkBatchSize     prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		DeliveriesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_received_total",
			Help:      "Total notifications received from the transport.",
		}),
		DeliveriesFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_filtered_total",
			Help:      "Notifications dropped because they carried no usable location.",
		}),
		DeliveriesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_acked_total",
			Help:      "Notifications acknowledged after their file was ingested. Filtered notifications are counted in deliveries_filtered_total only.",
		}),
		DeliveriesNacked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_nacked_total",
			Help:      "Notifications returned to the transport for redelivery.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deliveries_in_flight",
			Help:      "Notifications currently being processed.",
		}),
		FilesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_fetched_total",
			Help:      "Objects successfully opened from object storage.",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Object fetch failures by reason.",
		}, []string{"reason"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "CSV lines processed by parse status.",
		}, []string{"status"}),
		FileProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_processing_duration_seconds",
			Help:      "Duration of fetch, parse and write for one located file, whatever the outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RecordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records appended to the sink.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Sink append failures by kind.",
		}, []string{"kind"}),
		SinkWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_write_duration_seconds",
			Help:      "Duration of a single sink append call.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		SinkBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_batch_size",
			Help:      "Number of records per sink append call.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100, 250, 500},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DeliveriesReceived,
		m.DeliveriesFiltered,
		m.DeliveriesAcked,
		m.DeliveriesNacked,
		m.PipelineRunning,
		m.InFlight,
		m.FilesFetched,
		m.FetchErrors,
		m.Rows,
		m.FileProcessingDuration,
		m.RecordsWritten,
		m.SinkErrors,
		m.SinkWriteDuration,
		m.SinkBatchSize,
	}
}
