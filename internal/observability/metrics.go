package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storm_tracker"

// Metrics holds the Prometheus counters, histograms, and gauges for the tracking pipeline.
type Metrics struct {
	TimestepsProcessed prometheus.Counter
	DetectErrors       prometheus.Counter
	NodesDetected      prometheus.Counter
	RetrieveRetries    prometheus.Counter
	PipelineRunning    prometheus.Gauge
	PipelineState      prometheus.Gauge // numeric pipeline.State

	// Block metrics.
	BlocksStitched          prometheus.Counter
	StitchErrors            prometheus.Counter
	TracksStitched          prometheus.Counter
	TracksDropped           *prometheus.CounterVec // labels: reason={parse,constraints}
	ExtractErrors           prometheus.Counter
	SinkErrors              *prometheus.CounterVec // labels: sink={catalog,kafka,checkpoint}
	BlockProcessingDuration prometheus.Histogram

	// Engine subprocess duration; labels: engine={detect,stitch}.
	EngineDuration *prometheus.HistogramVec

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={reverse}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method={reverse}, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={reverse}
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		TimestepsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timesteps_processed_total",
			Help:      "Timesteps for which node detection succeeded.",
		}),
		DetectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detect_errors_total",
			Help:      "Timesteps skipped because detection failed.",
		}),
		NodesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_detected_total",
			Help:      "Storm-center candidates found by the detection engine.",
		}),
		RetrieveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieve_retries_total",
			Help:      "Snapshot retrievals retried after an error.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		PipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "Current controller state: 0 idle, 1 retrieving, 2 detecting, 3 stitch due, 4 stitching, 5 extracting, 6 terminated.",
		}),
		BlocksStitched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_stitched_total",
			Help:      "Blocks for which stitching succeeded.",
		}),
		StitchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stitch_errors_total",
			Help:      "Blocks whose stitching failed.",
		}),
		TracksStitched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_stitched_total",
			Help:      "Tracks accepted from the stitching engine.",
		}),
		TracksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_dropped_total",
			Help:      "Tracks discarded after stitching, by reason.",
		}, []string{"reason"}),
		ExtractErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_errors_total",
			Help:      "Timesteps or blocks whose field extraction or persistence failed.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Failed writes to block sinks, by sink.",
		}, []string{"sink"}),
		BlockProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_processing_duration_seconds",
			Help:      "Duration of stitching, extraction and sinks for one block.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		EngineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_duration_seconds",
			Help:      "Engine invocation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"engine"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by method and result.",
		}, []string{"method", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when genesis geocoding is enabled, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TimestepsProcessed,
		m.DetectErrors,
		m.NodesDetected,
		m.RetrieveRetries,
		m.PipelineRunning,
		m.PipelineState,
		m.BlocksStitched,
		m.StitchErrors,
		m.TracksStitched,
		m.TracksDropped,
		m.ExtractErrors,
		m.SinkErrors,
		m.BlockProcessingDuration,
		m.EngineDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
