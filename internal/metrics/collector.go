// Package metrics provides Prometheus metrics for the RADIUS proxy
// core: a Describe/Collect-implementing wrapper struct around a small
// set of GaugeVec/CounterVec/HistogramVec fields, dimensioned by
// upstream name and client name.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds Prometheus metrics for the proxy core.
type Collector struct {
	requestTableOccupancy *prometheus.GaugeVec
	requestsForwarded     *prometheus.CounterVec
	requestRetries        *prometheus.CounterVec
	requestsExpired       *prometheus.CounterVec
	replyQueueDepth       *prometheus.GaugeVec
	replyQueueDropped     *prometheus.CounterVec
	statusServerUp        *prometheus.GaugeVec
	streamReconnects      *prometheus.CounterVec
	packetsDropped        *prometheus.CounterVec
	requestDuration       *prometheus.HistogramVec
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		requestTableOccupancy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radsecproxy_request_table_occupancy",
				Help: "Occupied slots in an upstream's request table",
			},
			[]string{"upstream"},
		),
		requestsForwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsecproxy_requests_forwarded_total",
				Help: "Total requests forwarded to an upstream",
			},
			[]string{"upstream"},
		),
		requestRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsecproxy_request_retries_total",
				Help: "Total retransmissions sent by an upstream's writer task",
			},
			[]string{"upstream"},
		),
		requestsExpired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsecproxy_requests_expired_total",
				Help: "Total requests whose retry budget was exhausted",
			},
			[]string{"upstream"},
		),
		replyQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radsecproxy_reply_queue_depth",
				Help: "Current depth of a client's reply queue",
			},
			[]string{"client"},
		),
		replyQueueDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsecproxy_reply_queue_dropped_total",
				Help: "Total replies dropped due to a full reply queue",
			},
			[]string{"client"},
		),
		statusServerUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radsecproxy_status_server_up",
				Help: "1 if the last Status-Server probe was acknowledged, 0 if the upstream is considered dead",
			},
			[]string{"upstream"},
		),
		streamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsecproxy_stream_reconnects_total",
				Help: "Total TLS reconnect attempts to an upstream",
			},
			[]string{"upstream"},
		),
		packetsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsecproxy_packets_dropped_total",
				Help: "Total inbound packets dropped, labeled by reason",
			},
			[]string{"reason"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radsecproxy_request_duration_seconds",
				Help:    "Time from a request being enqueued to its reply being matched",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"upstream"},
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.requestTableOccupancy.Describe(ch)
	c.requestsForwarded.Describe(ch)
	c.requestRetries.Describe(ch)
	c.requestsExpired.Describe(ch)
	c.replyQueueDepth.Describe(ch)
	c.replyQueueDropped.Describe(ch)
	c.statusServerUp.Describe(ch)
	c.streamReconnects.Describe(ch)
	c.packetsDropped.Describe(ch)
	c.requestDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.requestTableOccupancy.Collect(ch)
	c.requestsForwarded.Collect(ch)
	c.requestRetries.Collect(ch)
	c.requestsExpired.Collect(ch)
	c.replyQueueDepth.Collect(ch)
	c.replyQueueDropped.Collect(ch)
	c.statusServerUp.Collect(ch)
	c.streamReconnects.Collect(ch)
	c.packetsDropped.Collect(ch)
	c.requestDuration.Collect(ch)
}

func (c *Collector) SetTableOccupancy(upstream string, n int) {
	c.requestTableOccupancy.WithLabelValues(upstream).Set(float64(n))
}

func (c *Collector) RecordForwarded(upstream string) {
	c.requestsForwarded.WithLabelValues(upstream).Inc()
}

func (c *Collector) RecordRetry(upstream string) {
	c.requestRetries.WithLabelValues(upstream).Inc()
}

func (c *Collector) RecordExpired(upstream string) {
	c.requestsExpired.WithLabelValues(upstream).Inc()
}

func (c *Collector) SetReplyQueueDepth(client string, n int) {
	c.replyQueueDepth.WithLabelValues(client).Set(float64(n))
}

func (c *Collector) RecordReplyQueueDropped(client string) {
	c.replyQueueDropped.WithLabelValues(client).Inc()
}

func (c *Collector) SetStatusServerUp(upstream string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	c.statusServerUp.WithLabelValues(upstream).Set(v)
}

func (c *Collector) RecordStreamReconnect(upstream string) {
	c.streamReconnects.WithLabelValues(upstream).Inc()
}

func (c *Collector) RecordDropped(reason string) {
	c.packetsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) ObserveRequestDuration(upstream string, seconds float64) {
	c.requestDuration.WithLabelValues(upstream).Observe(seconds)
}
