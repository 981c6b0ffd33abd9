package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector records client activity as Prometheus metrics. A nil *Collector
// is valid and records nothing.
type Collector struct {
	resultsTotal     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	networkTotal    *prometheus.CounterVec
	networkDuration *prometheus.HistogramVec

	cacheServed   *prometheus.CounterVec
	cacheFallback prometheus.Counter
	storeBytes    *prometheus.GaugeVec
	storeEntries  prometheus.Gauge

	transferBytes *prometheus.CounterVec
	retriesTotal  prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers collectors on a fresh registry.
func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(reg *prometheus.Registry) *Collector {
	f := promauto.With(reg)
	return &Collector{
		resultsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewise_results_total",
				Help: "Classified request results by method and result code",
			},
			[]string{"method", "code"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cachewise_request_duration_seconds",
				Help:    "End to end duration of executed requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		requestsInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cachewise_requests_in_flight",
				Help: "Requests currently executing",
			},
			[]string{"method"},
		),
		networkTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewise_network_requests_total",
				Help: "Requests that reached the network transport",
			},
			[]string{"method", "status_code"},
		),
		networkDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cachewise_network_duration_seconds",
				Help:    "Duration of network round trips",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		cacheServed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewise_responses_total",
				Help: "Responses by source (cache or network)",
			},
			[]string{"source"},
		),
		cacheFallback: f.NewCounter(prometheus.CounterOpts{
			Name: "cachewise_cache_fallbacks_total",
			Help: "Cache-preferred requests that fell back to the network",
		}),
		storeBytes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cachewise_store_bytes",
				Help: "Bytes held by the response store per tier",
			},
			[]string{"tier"},
		),
		storeEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "cachewise_store_entries",
			Help: "Distinct responses held by the store",
		}),
		transferBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewise_transfer_bytes_total",
				Help: "File bytes uploaded or downloaded",
			},
			[]string{"direction"},
		),
		retriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "cachewise_connection_retries_total",
			Help: "Retries after a failed connection attempt",
		}),
		gatherer: reg,
	}
}

func (c *Collector) RecordResult(method, code string, duration time.Duration) {
	if c == nil {
		return
	}
	c.resultsTotal.WithLabelValues(method, code).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (c *Collector) RecordStart(method string) {
	if c == nil {
		return
	}
	c.requestsInFlight.WithLabelValues(method).Inc()
}

func (c *Collector) RecordEnd(method string) {
	if c == nil {
		return
	}
	c.requestsInFlight.WithLabelValues(method).Dec()
}

func (c *Collector) RecordNetwork(method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	c.networkTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.networkDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (c *Collector) RecordSource(fromCache bool) {
	if c == nil {
		return
	}
	source := "network"
	if fromCache {
		source = "cache"
	}
	c.cacheServed.WithLabelValues(source).Inc()
}

func (c *Collector) RecordFallback() {
	if c == nil {
		return
	}
	c.cacheFallback.Inc()
}

func (c *Collector) RecordStore(ramBytes, diskBytes int64, entries int) {
	if c == nil {
		return
	}
	c.storeBytes.WithLabelValues("ram").Set(float64(ramBytes))
	c.storeBytes.WithLabelValues("disk").Set(float64(diskBytes))
	c.storeEntries.Set(float64(entries))
}

func (c *Collector) RecordTransfer(direction string, n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.transferBytes.WithLabelValues(direction).Add(float64(n))
}

func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retriesTotal.Inc()
}

func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}
