// Package metrics tracks runtime statistics of an mrdserver process and
// exports them in Prometheus format.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mrdserver"

// Session outcomes.
const (
	OutcomeClosed  = "closed"
	OutcomeAborted = "aborted"
)

// Collector tracks runtime metrics for one server process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessions       *prometheus.CounterVec
	frames         *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	imagesSent     prometheus.Counter
	reconstruct    *prometheus.HistogramVec
	archives       *prometheus.CounterVec
	watchdogArmed  prometheus.Gauge
	reconnects     prometheus.Counter
	errors         *prometheus.CounterVec

	// Mirrors of the counters above for Snapshot.
	active, total, closed, aborted atomic.Int64
	framesIn, bytesIn, bytesOut    atomic.Int64
	images, tunnelReconnects       atomic.Int64
	errorsTotal                    atomic.Int64

	mu              sync.RWMutex
	startTime       time.Time
	lastHealthCheck time.Time
	lastError       time.Time
	lastErrorMsg    string
}

// New creates a collector with its own registry and the start time set
// to now.
func New() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions currently being handled.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Finished sessions by outcome.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Inbound frames by message identifier.",
		}, []string{"message"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_total",
			Help: "Bytes moved on session connections.",
		}, []string{"direction"}),
		imagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "images_sent_total",
			Help: "IMAGE frames sent to clients.",
		}),
		reconstruct: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "reconstruct_duration_seconds",
			Help:    "Reconstruction engine wall time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"engine", "success"}),
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "archives_total",
			Help: "Session archive attempts by result.",
		}, []string{"success"}),
		watchdogArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "watchdog_armed",
			Help: "1 while the process watchdog is pending.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tunnel_reconnects_total",
			Help: "SSH tunnel reconnections.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Session and listener errors by kind.",
		}, []string{"kind"}),
	}
	c.registry.MustRegister(
		c.sessionsActive, c.sessions, c.frames, c.bytes, c.imagesSent,
		c.reconstruct, c.archives, c.watchdogArmed, c.reconnects, c.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
	c.active.Add(1)
	c.total.Add(1)
}

// SessionClosed decrements the active gauge and counts the outcome.
func (c *Collector) SessionClosed(outcome string) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.active.Add(-1)
	c.sessions.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeClosed:
		c.closed.Add(1)
	case OutcomeAborted:
		c.aborted.Add(1)
	}
}

// ActiveSessions returns the current number of open sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.active.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}

// FrameReceived counts one inbound frame under its message name.
func (c *Collector) FrameReceived(message string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(message).Inc()
	c.framesIn.Add(1)
}

// ImageSent counts one IMAGE frame written to a client.
func (c *Collector) ImageSent() {
	if c == nil {
		return
	}
	c.imagesSent.Inc()
	c.images.Add(1)
}

// ObserveReconstruct records one engine call.
func (c *Collector) ObserveReconstruct(engine string, d time.Duration, ok bool) {
	if c == nil {
		return
	}
	c.reconstruct.WithLabelValues(engine, strconv.FormatBool(ok)).Observe(d.Seconds())
}

// ArchiveStored counts one archive attempt.
func (c *Collector) ArchiveStored(ok bool) {
	if c == nil {
		return
	}
	c.archives.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// SetWatchdogArmed reports whether the process watchdog is pending.
func (c *Collector) SetWatchdogArmed(armed bool) {
	if c == nil {
		return
	}
	if armed {
		c.watchdogArmed.Set(1)
	} else {
		c.watchdogArmed.Set(0)
	}
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records n bytes read from the network.
func (c *Collector) BytesReceived(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytes.WithLabelValues("in").Add(float64(n))
	c.bytesIn.Add(n)
}

// BytesSent records n bytes written to the network.
func (c *Collector) BytesSent(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.bytes.WithLabelValues("out").Add(float64(n))
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Tunnel metrics ───────────────────────────────────────────────────

// TunnelReconnect records a tunnel reconnection event.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
	c.tunnelReconnects.Add(1)
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter for kind and stores the
// message. kind is one of the bounded error kinds (protocol, network...).
func (c *Collector) RecordError(kind, msg string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(kind).Inc()
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Health ───────────────────────────────────────────────────────────

// RecordHealthCheck updates the last health check timestamp.
func (c *Collector) RecordHealthCheck() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lastHealthCheck = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of the headline metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsTotal    int64  `json:"sessions_total"`
	SessionsClosed   int64  `json:"sessions_closed"`
	SessionsAborted  int64  `json:"sessions_aborted"`
	FramesReceived   int64  `json:"frames_received"`
	ImagesSent       int64  `json:"images_sent"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	TunnelReconnects int64  `json:"tunnel_reconnects"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastHealthCheck  string `json:"last_health_check,omitempty"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:           time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:   c.active.Load(),
		SessionsTotal:    c.total.Load(),
		SessionsClosed:   c.closed.Load(),
		SessionsAborted:  c.aborted.Load(),
		FramesReceived:   c.framesIn.Load(),
		ImagesSent:       c.images.Load(),
		BytesIn:          c.bytesIn.Load(),
		BytesOut:         c.bytesOut.Load(),
		TunnelReconnects: c.tunnelReconnects.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastHealthCheck.IsZero() {
		s.LastHealthCheck = c.lastHealthCheck.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
