// Package telemetry holds the prometheus instruments for the inference
// pipeline. Each binary registers one Metrics value and mounts promhttp
// on its HTTP server.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every pipeline instrument. Label cardinality is kept
// low on purpose: kinds, reasons and results are small fixed sets.
type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	ThrottleEvents    prometheus.Counter
	ActiveStreams     prometheus.Gauge
	Classifications   *prometheus.CounterVec
	Interventions     *prometheus.CounterVec
	PolicyDenials     *prometheus.CounterVec
	Evaluations       *prometheus.CounterVec
	TrainingSamples   *prometheus.CounterVec
	PublishFailures   *prometheus.CounterVec
	RPCTimeouts       prometheus.Counter
	CatalogLookups    *prometheus.CounterVec
	GeneratorCalls    *prometheus.CounterVec
	BreakerState      prometheus.Gauge
	Recommendations   *prometheus.CounterVec
	FrameLatency      prometheus.Histogram
	ClassifierLatency prometheus.Histogram
}

// New creates and registers the pipeline metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_frames_received_total",
			Help: "Biometric frames accepted for processing.",
		}, []string{"component"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_frames_dropped_total",
			Help: "Frames discarded by backpressure or validation.",
		}, []string{"component", "reason"}),
		ThrottleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cognitived_throttle_events_total",
			Help: "Times the gateway entered throttled mode.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cognitived_active_streams",
			Help: "Live inference streams on this node.",
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_classifications_total",
			Help: "Classifier decisions by kind.",
		}, []string{"kind"}),
		Interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_interventions_total",
			Help: "Interventions emitted after policy gating.",
		}, []string{"kind"}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_policy_denials_total",
			Help: "Interventions denied by cooldown or overlay policy.",
		}, []string{"kind", "reason"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_evaluations_total",
			Help: "Effectiveness evaluations by result.",
		}, []string{"result"}),
		TrainingSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_training_samples_total",
			Help: "Training samples persisted by label.",
		}, []string{"label"}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_publish_failures_total",
			Help: "Broker publishes that exhausted their retries.",
		}, []string{"subject"}),
		RPCTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cognitived_broker_rpc_timeouts_total",
			Help: "Broker RPC requests that timed out.",
		}),
		CatalogLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_catalog_lookups_total",
			Help: "Content catalog lookups by outcome.",
		}, []string{"outcome"}),
		GeneratorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_generator_calls_total",
			Help: "Content generator invocations by outcome.",
		}, []string{"outcome"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cognitived_generator_breaker_state",
			Help: "Generator circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		Recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cognitived_recommendations_total",
			Help: "Recommendation deliveries by outcome.",
		}, []string{"outcome"}),
		FrameLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cognitived_frame_processing_seconds",
			Help:    "End-to-end per-frame processing latency on the node.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ClassifierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cognitived_classifier_seconds",
			Help:    "Classifier invocation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
	}

	reg.MustRegister(
		m.FramesReceived, m.FramesDropped, m.ThrottleEvents, m.ActiveStreams,
		m.Classifications, m.Interventions, m.PolicyDenials, m.Evaluations,
		m.TrainingSamples, m.PublishFailures, m.RPCTimeouts, m.CatalogLookups,
		m.GeneratorCalls, m.BreakerState, m.Recommendations,
		m.FrameLatency, m.ClassifierLatency,
	)
	return m
}

// NewForTest creates metrics on a private registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
