package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters and histograms for a comparison run.
type Metrics struct {
	IncidentsLoaded  prometheus.Counter
	BucketsProcessed prometheus.Counter
	RecordsMerged    prometheus.Counter
	RunDuration      prometheus.Histogram

	// Download metrics.
	Fetches           *prometheus.CounterVec   // labels: source={noaa,iem}, status={ok,cached,invalid_payload,max_retries_exceeded,aborted}
	FetchDuration     *prometheus.HistogramVec // labels: source={noaa,iem}
	ThrottleResponses prometheus.Counter
	InvalidPayloads   prometheus.Counter

	// Extraction metrics.
	Extractions *prometheus.CounterVec // labels: format={grib2,netcdf}, status={ok,missing,error}

	// Publishing metrics.
	MatchesPublished prometheus.Counter
	PublishEnabled   prometheus.Gauge
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		IncidentsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "incidents_total",
			Help:      "Total incidents loaded from the source table.",
		}),
		BucketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "buckets_processed_total",
			Help:      "Total two-minute buckets carried through extraction and matching.",
		}),
		RecordsMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "records_merged_total",
			Help:      "Total merged comparison records written to the report.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mrms_compare",
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete comparison run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "fetches_total",
			Help:      "Fetch outcomes by source and terminal status.",
		}, []string{"source", "status"}),
		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mrms_compare",
			Name:      "fetch_duration_seconds",
			Help:      "Wall-clock duration of one fetch including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 15, 60, 180, 600},
		}, []string{"source"}),
		ThrottleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "throttle_responses_total",
			Help:      "Total rate-limit responses received across all sources.",
		}),
		InvalidPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "invalid_payloads_total",
			Help:      "Total downloads whose payload failed validation.",
		}),
		Extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "extractions_total",
			Help:      "Extraction outcomes by file format.",
		}, []string{"format", "status"}),
		MatchesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mrms_compare",
			Name:      "matches_published_total",
			Help:      "Total merged records published to the match topic.",
		}),
		PublishEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mrms_compare",
			Name:      "publish_enabled",
			Help:      "1 when Kafka publishing is enabled, 0 otherwise.",
		}),
	}

	prometheus.MustRegister(
		m.IncidentsLoaded,
		m.BucketsProcessed,
		m.RecordsMerged,
		m.RunDuration,
		m.Fetches,
		m.FetchDuration,
		m.ThrottleResponses,
		m.InvalidPayloads,
		m.Extractions,
		m.MatchesPublished,
		m.PublishEnabled,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		IncidentsLoaded:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "incidents_total"}),
		BucketsProcessed:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "buckets_processed_total"}),
		RecordsMerged:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "records_merged_total"}),
		RunDuration:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "mrms_compare", Name: "run_duration_seconds"}),
		Fetches:           prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "fetches_total"}, []string{"source", "status"}),
		FetchDuration:     prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: "mrms_compare", Name: "fetch_duration_seconds"}, []string{"source"}),
		ThrottleResponses: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "throttle_responses_total"}),
		InvalidPayloads:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "invalid_payloads_total"}),
		Extractions:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "extractions_total"}, []string{"format", "status"}),
		MatchesPublished:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "mrms_compare", Name: "matches_published_total"}),
		PublishEnabled:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "mrms_compare", Name: "publish_enabled"}),
	}
}
