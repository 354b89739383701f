package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports call metrics on its own prometheus registry. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	TurnLatency       *prometheus.HistogramVec
	BargeInsTotal     prometheus.Counter
	ActiveCalls       prometheus.Gauge
	CallsTotal        *prometheus.CounterVec
	CallDuration      prometheus.Histogram
	PostCallFailures  *prometheus.CounterVec
	DroppedFrames     *prometheus.CounterVec
	MalformedMessages prometheus.Counter
}

// NewCollector registers all metrics under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "companion"
	}
	registry := prometheus.NewRegistry()

	turnLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "Latency of each turn stage in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		},
		[]string{"stage"},
	)
	bargeIns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Total number of times a caller interrupted the agent",
	})
	activeCalls := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Number of calls currently streaming",
	})
	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of calls by end reason",
		},
		[]string{"reason"},
	)
	callDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Call duration in seconds",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
	})
	postCallFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "postcall_failures_total",
			Help:      "Post-call steps that failed after retries",
		},
		[]string{"step"},
	)
	droppedFrames := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio frames dropped by direction and cause",
		},
		[]string{"direction", "cause"},
	)
	malformed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_messages_total",
		Help:      "Telephony messages that could not be decoded",
	})

	registry.MustRegister(
		turnLatency,
		bargeIns,
		activeCalls,
		callsTotal,
		callDuration,
		postCallFailures,
		droppedFrames,
		malformed,
	)

	return &Collector{
		registry:          registry,
		TurnLatency:       turnLatency,
		BargeInsTotal:     bargeIns,
		ActiveCalls:       activeCalls,
		CallsTotal:        callsTotal,
		CallDuration:      callDuration,
		PostCallFailures:  postCallFailures,
		DroppedFrames:     droppedFrames,
		MalformedMessages: malformed,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveTurn records the stages a turn reached.
func (c *Collector) ObserveTurn(m TurnMetric) {
	if c == nil {
		return
	}
	observe := func(stage string, d time.Duration) {
		if d > 0 {
			c.TurnLatency.WithLabelValues(stage).Observe(d.Seconds())
		}
	}
	observe("stt", m.STTLatency)
	observe("llm_ttfb", m.LLMTTFB)
	observe("llm_total", m.LLMTotal)
	observe("tts_ttfb", m.TTSTTFB)
	observe("total", m.TotalLatency)
}

// ObserveBargeIn counts one barge-in.
func (c *Collector) ObserveBargeIn() {
	if c == nil {
		return
	}
	c.BargeInsTotal.Inc()
}

// CallStarted increments the active call gauge.
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.ActiveCalls.Inc()
}

// CallEnded records the end of a call started with CallStarted.
func (c *Collector) CallEnded(reason string, d time.Duration) {
	if c == nil {
		return
	}
	c.ActiveCalls.Dec()
	c.CallsTotal.WithLabelValues(reason).Inc()
	c.CallDuration.Observe(d.Seconds())
}

// PostCallFailed counts a post-call step that gave up.
func (c *Collector) PostCallFailed(step string) {
	if c == nil {
		return
	}
	c.PostCallFailures.WithLabelValues(step).Inc()
}

// FramesDropped counts dropped audio frames.
func (c *Collector) FramesDropped(direction, cause string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.DroppedFrames.WithLabelValues(direction, cause).Add(float64(n))
}

// MalformedMessage counts one undecodable telephony message.
func (c *Collector) MalformedMessage() {
	if c == nil {
		return
	}
	c.MalformedMessages.Inc()
}
