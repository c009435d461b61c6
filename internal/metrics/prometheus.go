package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the capture service
type Metrics struct {
	Registry *prometheus.Registry

	// Link metrics
	LinkBytes       *prometheus.CounterVec
	LinkConnected   prometheus.Gauge
	LinkReconnects  prometheus.Counter
	LinkDisconnects prometheus.Counter
	ControlCommands *prometheus.CounterVec

	// Pipeline metrics
	QueueDepth     prometheus.Gauge
	PipelineStalls prometheus.Counter

	// Frame and scoring metrics
	FramesAssembled *prometheus.CounterVec
	FramingDropped  prometheus.Counter
	ActivityScore   prometheus.Histogram
	ScorerDegraded  prometheus.Gauge

	// Segment metrics
	Segments        *prometheus.CounterVec
	SegmentDuration prometheus.Histogram

	// Capture metrics
	ContainersClosed *prometheus.CounterVec
	ContainerBytes   prometheus.Histogram
	BytesWritten     prometheus.Counter
	WriteErrors      prometheus.Counter

	// Effect metrics
	EffectActions  *prometheus.CounterVec
	EffectDuration *prometheus.HistogramVec
	EffectsDropped prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a private registry that also carries the
// Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		LinkBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_link_bytes_total",
			Help: "Bytes read from the device link by classification",
		}, []string{"kind"}), // payload, control, discarded
		LinkConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_link_connected",
			Help: "1 while the device link is open",
		}),
		LinkReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_link_reconnects_total",
			Help: "Successful reconnections after a lost link",
		}),
		LinkDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_link_disconnects_total",
			Help: "Link losses detected while streaming",
		}),
		ControlCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_control_commands_total",
			Help: "Control commands sent to the device",
		}, []string{"command", "result"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_queue_depth",
			Help: "Chunks waiting between the link reader and frame processing",
		}),
		PipelineStalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_pipeline_stalls_total",
			Help: "Times the consumer fell behind the ingest queue bound",
		}),

		FramesAssembled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_frames_total",
			Help: "Audio frames assembled from the byte stream",
		}, []string{"partial"}),
		FramingDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_framing_dropped_bytes_total",
			Help: "Bytes that could not form a whole sample or frame",
		}),
		ActivityScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_activity_score",
			Help:    "Speech probability per frame",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		ScorerDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "capture_scorer_degraded",
			Help: "1 when the scorer runs on the energy fallback",
		}),

		Segments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_segments_total",
			Help: "Candidate speech segments by outcome",
		}, []string{"result"}), // accepted, discarded
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_segment_duration_seconds",
			Help:    "Duration of accepted speech segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),

		ContainersClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_containers_closed_total",
			Help: "WAV containers finalized",
		}, []string{"label", "aborted"}),
		ContainerBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "capture_container_size_bytes",
			Help:    "Payload size of finalized containers",
			Buckets: prometheus.ExponentialBuckets(16*1024, 2, 12), // 16KB to ~32MB
		}),
		BytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_bytes_written_total",
			Help: "PCM payload bytes persisted",
		}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_write_errors_total",
			Help: "Container write failures",
		}),

		EffectActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_effect_actions_total",
			Help: "Segment side effects executed",
		}, []string{"action", "result"}), // ok, error, timeout
		EffectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_effect_duration_seconds",
			Help:    "Latency of segment side effects",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}, []string{"action"}),
		EffectsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_effects_dropped_total",
			Help: "Segment events not dispatched because the effect queue was full",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capture_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordLinkBytes adds n bytes of the given kind
func (m *Metrics) RecordLinkBytes(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LinkBytes.WithLabelValues(kind).Add(float64(n))
}

// SetLinkConnected updates the link state gauge
func (m *Metrics) SetLinkConnected(connected bool) {
	if m == nil {
		return
	}
	m.LinkConnected.Set(boolFloat(connected))
}

// RecordDisconnect increments the disconnect counter
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.LinkDisconnects.Inc()
}

// RecordReconnect increments the reconnect counter
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.LinkReconnects.Inc()
}

// RecordControlCommand counts a control command and its outcome
func (m *Metrics) RecordControlCommand(command string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ControlCommands.WithLabelValues(command, result).Inc()
}

// SetQueueDepth updates the ingest queue gauge
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordStall increments the pipeline stall counter
func (m *Metrics) RecordStall() {
	if m == nil {
		return
	}
	m.PipelineStalls.Inc()
}

// RecordFrame counts an assembled frame and its activity score
func (m *Metrics) RecordFrame(partial bool, score float64) {
	if m == nil {
		return
	}
	m.FramesAssembled.WithLabelValues(strconv.FormatBool(partial)).Inc()
	m.ActivityScore.Observe(score)
}

// RecordFramingDropped adds bytes shed by frame assembly
func (m *Metrics) RecordFramingDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramingDropped.Add(float64(n))
}

// SetScorerDegraded updates the scorer degradation gauge
func (m *Metrics) SetScorerDegraded(degraded bool) {
	if m == nil {
		return
	}
	m.ScorerDegraded.Set(boolFloat(degraded))
}

// RecordSegmentAccepted counts an accepted segment of the given duration
func (m *Metrics) RecordSegmentAccepted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.Segments.WithLabelValues("accepted").Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordSegmentsDiscarded counts candidates rejected by the minimum speech filter
func (m *Metrics) RecordSegmentsDiscarded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Segments.WithLabelValues("discarded").Add(float64(n))
}

// RecordContainerClosed counts a finalized container
func (m *Metrics) RecordContainerClosed(label string, aborted bool, payloadBytes int64) {
	if m == nil {
		return
	}
	m.ContainersClosed.WithLabelValues(label, strconv.FormatBool(aborted)).Inc()
	m.ContainerBytes.Observe(float64(payloadBytes))
}

// RecordBytesWritten adds persisted payload bytes
func (m *Metrics) RecordBytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesWritten.Add(float64(n))
}

// RecordWriteError increments the write error counter
func (m *Metrics) RecordWriteError() {
	if m == nil {
		return
	}
	m.WriteErrors.Inc()
}

// RecordEffect records the outcome and latency of one side effect
func (m *Metrics) RecordEffect(action, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.EffectActions.WithLabelValues(action, result).Inc()
	m.EffectDuration.WithLabelValues(action).Observe(durationSeconds)
}

// RecordEffectDropped increments the dropped effect counter
func (m *Metrics) RecordEffectDropped() {
	if m == nil {
		return
	}
	m.EffectsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
