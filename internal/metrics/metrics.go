package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch failure stages
const (
	StageScreenshot = "screenshot"
	StageEncode     = "encode"
	StageQueue      = "queue"
	StagePublish    = "publish"
	StageMirror     = "mirror"
)

// Metrics holds all application metrics
type Metrics struct {
	FramesRead      *prometheus.CounterVec
	FramesProcessed *prometheus.CounterVec
	DetectorErrors  *prometheus.CounterVec

	AlertsFired      *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	AlertsPublished  prometheus.Counter
	DispatchFailures *prometheus.CounterVec

	// Preview counters
	PreviewSent    atomic.Uint64
	PreviewDropped atomic.Uint64

	activeStreams atomic.Int64
	registry      *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_runner_frames_read_total",
			Help: "Frames pulled from acquisition",
		}, []string{"stream"}),
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_runner_frames_processed_total",
			Help: "Sampled frames sent through the detector",
		}, []string{"stream"}),
		DetectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_runner_detector_errors_total",
			Help: "Failed detector calls",
		}, []string{"stream"}),
		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_runner_alerts_fired_total",
			Help: "Alerts that passed the cooldown ledger",
		}, []string{"category"}),
		AlertsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_runner_alerts_suppressed_total",
			Help: "Qualifying detections suppressed by cooldown",
		}, []string{"category"}),
		AlertsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alert_runner_alerts_published_total",
			Help: "Alert payloads accepted by the message bus",
		}),
		DispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alert_runner_dispatch_failures_total",
			Help: "Dropped alerts by failing stage",
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		m.FramesRead,
		m.FramesProcessed,
		m.DetectorErrors,
		m.AlertsFired,
		m.AlertsSuppressed,
		m.AlertsPublished,
		m.DispatchFailures,
	)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "alert_runner_active_streams",
			Help: "Stream sessions currently registered",
		},
		func() float64 { return float64(m.activeStreams.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "alert_runner_preview_frames_sent_total",
			Help: "Preview frames delivered to MJPEG clients",
		},
		func() float64 { return float64(m.PreviewSent.Load()) },
	))
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "alert_runner_preview_frames_dropped_total",
			Help: "Preview frames dropped for slow clients",
		},
		func() float64 { return float64(m.PreviewDropped.Load()) },
	))

	return m
}

func (m *Metrics) StreamStarted() { m.activeStreams.Add(1) }
func (m *Metrics) StreamStopped() { m.activeStreams.Add(-1) }

// ActiveStreams returns the gauge value
func (m *Metrics) ActiveStreams() int64 {
	return m.activeStreams.Load()
}

// Registry exposes the private registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
