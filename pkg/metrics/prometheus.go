package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	ticksTotal      *prometheus.CounterVec
	ticksDropped    *prometheus.CounterVec
	feedConnected   prometheus.Gauge
	feedReconnects  prometheus.Counter
	lastPrice       *prometheus.GaugeVec
	trapProbability *prometheus.GaugeVec
	trapEvents      *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	decisions       *prometheus.CounterVec
	exchangeLatency *prometheus.HistogramVec
	exchangeErrors  *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	latency         *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		ticksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omega_ticks_total",
				Help: "Total number of ticks accepted from the price feed",
			},
			[]string{"source"},
		),
		ticksDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omega_ticks_dropped_total",
				Help: "Ticks dropped before processing, by reason",
			},
			[]string{"reason"},
		),
		feedConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "omega_feed_connected",
			Help: "1 when the price stream is connected",
		}),
		feedReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "omega_feed_reconnects_total",
			Help: "Price stream reconnect attempts",
		}),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "omega_last_price",
				Help: "Last recorded price for a symbol",
			},
			[]string{"symbol"},
		),
		trapProbability: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "omega_trap_probability",
				Help: "Current trap probability by leading kind",
			},
			[]string{"kind"},
		),
		trapEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omega_trap_events_total",
				Help: "Qualifying trap detections by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "omega_trap_queue_depth",
			Help: "Current trap queue size",
		}),
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omega_exit_decisions_total",
				Help: "Exit decisions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		exchangeLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omega_exchange_request_duration_seconds",
				Help:    "Exchange REST request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		exchangeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omega_exchange_errors_total",
				Help: "Failed exchange REST requests",
			},
			[]string{"endpoint"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "omega_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "omega_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordTick(source string) {
	r.ticksTotal.WithLabelValues(source).Inc()
}

func (r *Recorder) RecordTickDropped(reason string) {
	r.ticksDropped.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordFeedConnected(connected bool) {
	if connected {
		r.feedConnected.Set(1)
		return
	}
	r.feedConnected.Set(0)
}

func (r *Recorder) RecordFeedReconnect() {
	r.feedReconnects.Inc()
}

// RecordLastPrice records the last price for a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price float64) {
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

// RecordTrapProbability keeps a single series per kind; the previous
// leader is not reset.
func (r *Recorder) RecordTrapProbability(kind string, probability float64) {
	r.trapProbability.WithLabelValues(kind).Set(probability)
}

func (r *Recorder) RecordTrapEvent(kind, outcome string) {
	r.trapEvents.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) RecordQueueDepth(size int64) {
	r.queueDepth.Set(float64(size))
}

func (r *Recorder) RecordDecision(kind, outcome string) {
	r.decisions.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) RecordExchangeRequest(endpoint string, seconds float64, err error) {
	r.exchangeLatency.WithLabelValues(endpoint).Observe(seconds)
	if err != nil {
		r.exchangeErrors.WithLabelValues(endpoint).Inc()
	}
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency.
func (r *Recorder) RecordLatency(op string, d time.Duration) {
	r.latency.WithLabelValues(op).Observe(d.Seconds())
}
