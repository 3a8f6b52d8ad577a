package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"vpnpool/internal/logger"
	"vpnpool/internal/model"
)

const namespace = "vpnpool"

// Metrics holds the broker's operation counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	allocations   *prometheus.CounterVec
	released      *prometheus.CounterVec
	heartbeats    *prometheus.CounterVec
	trafficErrors prometheus.Counter
	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	rateLimited   prometheus.Counter
}

// New creates the counters and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Allocation attempts by result.",
		}, []string{"result"}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "released_total",
			Help:      "Credentials returned to the pool by reason.",
		}, []string{"reason"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Server heartbeats by result.",
		}, []string{"result"}),
		trafficErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_errors_total",
			Help:      "Traffic samples that could not be stored.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.allocations, m.released, m.heartbeats, m.trafficErrors,
			m.requests, m.latency, m.rateLimited)
	}
	return m
}

func (m *Metrics) Allocation(result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(result).Inc()
}

func (m *Metrics) Released(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.released.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) TrafficError() {
	if m == nil {
		return
	}
	m.trafficErrors.Inc()
}

func (m *Metrics) Request(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// PoolSource reports the current pool state.
type PoolSource interface {
	Status(ctx context.Context, publicIP string) (*model.Status, error)
}

// PoolCollector exports live pool counts read from the store on every scrape.
type PoolCollector struct {
	src     PoolSource
	timeout time.Duration
	log     *slog.Logger

	up          *prometheus.Desc
	credentials *prometheus.Desc
	server      *prometheus.Desc
	eligible    *prometheus.Desc
	leaseAge    *prometheus.Desc
}

func NewPoolCollector(src PoolSource, timeout time.Duration) *PoolCollector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PoolCollector{
		src:     src,
		timeout: timeout,
		log:     logger.Get("metrics"),
		up: prometheus.NewDesc(namespace+"_store_up",
			"Whether the last pool scrape could read the store.", nil, nil),
		credentials: prometheus.NewDesc(namespace+"_credentials",
			"Credentials on active servers by state.", []string{"state"}, nil),
		server: prometheus.NewDesc(namespace+"_server_credentials",
			"Credentials per server by state.", []string{"server", "state"}, nil),
		eligible: prometheus.NewDesc(namespace+"_server_eligible",
			"Whether a server is active and heartbeat-fresh.", []string{"server"}, nil),
		leaseAge: prometheus.NewDesc(namespace+"_lease_age_max_seconds",
			"Age of the oldest held lease.", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.credentials
	ch <- c.server
	ch <- c.eligible
	ch <- c.leaseAge
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	st, err := c.src.Status(ctx, "")
	if err != nil {
		c.log.Warn("Failed to read pool status", "error", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.credentials, prometheus.GaugeValue, float64(st.Statistics.KeysInUse), "in_use")
	ch <- prometheus.MustNewConstMetric(c.credentials, prometheus.GaugeValue, float64(st.Statistics.KeysAvailable), "available")

	for _, s := range st.Servers {
		name := model.JoinEndpoint(s.PublicIP, s.Port)
		ch <- prometheus.MustNewConstMetric(c.server, prometheus.GaugeValue, float64(s.KeysInUse), name, "in_use")
		ch <- prometheus.MustNewConstMetric(c.server, prometheus.GaugeValue, float64(s.KeysAvailable), name, "available")
		eligible := 0.0
		if s.Eligible {
			eligible = 1
		}
		ch <- prometheus.MustNewConstMetric(c.eligible, prometheus.GaugeValue, eligible, name)
	}

	ch <- prometheus.MustNewConstMetric(c.leaseAge, prometheus.GaugeValue, float64(SummarizeLeases(st.Active).MaxSeconds))
}
