package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livebus"

// Metrics holds the bus collectors. Each instance owns its registry so that
// servers built in tests do not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	connsOpen          prometheus.Gauge
	connsTotal         prometheus.Counter
	closes             *prometheus.CounterVec
	handshakesRejected *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	framesSent         *prometheus.CounterVec
	enqueued           prometheus.Counter
	delivered          prometheus.Counter
	dispatchErrors     *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	subscribers        prometheus.Gauge
}

// New registers the bus collectors together with the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_open", Help: "Number of open websocket connections",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total", Help: "Total number of accepted websocket connections",
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connection_closes_total", Help: "Terminated connections by close code",
		}, []string{"code"}),
		handshakesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshakes_rejected_total", Help: "Rejected upgrade requests by HTTP status",
		}, []string{"status"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total", Help: "Frames read from clients by opcode",
		}, []string{"opcode"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_sent_total", Help: "Frames written to clients by opcode",
		}, []string{"opcode"}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_enqueued_total", Help: "Notifications committed to the store",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_delivered_total", Help: "Notifications sent to subscribers",
		}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_errors_total", Help: "Dispatcher failures by stage",
		}, []string{"stage"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent fanning out one wake-up",
			Buckets:   prometheus.ExponentialBucketsRange(0.0005, 5, 20),
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscribers", Help: "Number of subscribed connections",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connsOpen, m.connsTotal, m.closes, m.handshakesRejected,
		m.framesReceived, m.framesSent,
		m.enqueued, m.delivered, m.dispatchErrors, m.dispatchDuration, m.subscribers,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnOpened() {
	m.connsOpen.Inc()
	m.connsTotal.Inc()
}

func (m *Metrics) ConnClosed(code int) {
	m.connsOpen.Dec()
	m.closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) HandshakeRejected(status int) {
	m.handshakesRejected.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) FrameReceived(opcode string) { m.framesReceived.WithLabelValues(opcode).Inc() }

func (m *Metrics) FrameSent(opcode string) { m.framesSent.WithLabelValues(opcode).Inc() }

func (m *Metrics) NotificationsEnqueued(n int) { m.enqueued.Add(float64(n)) }

func (m *Metrics) NotificationsDelivered(n int) { m.delivered.Add(float64(n)) }

// DispatchError counts a failure at stage ("poll", "send", "listen", "panic").
func (m *Metrics) DispatchError(stage string) { m.dispatchErrors.WithLabelValues(stage).Inc() }

func (m *Metrics) ObserveDispatch(d time.Duration) { m.dispatchDuration.Observe(d.Seconds()) }

func (m *Metrics) SetSubscribers(n int) { m.subscribers.Set(float64(n)) }
