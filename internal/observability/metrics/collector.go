package metrics

import (
	"strconv"
	"time"

	"pacer/internal/task/limiter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pacer"

// StatusSource is satisfied by *limiter.Service.
type StatusSource interface {
	Status() limiter.Status
}

// Collector exports a limiter snapshot on every scrape. Nothing is cached.
type Collector struct {
	src StatusSource

	inFlight      *prometheus.Desc
	maxConcurrent *prometheus.Desc
	queued        *prometheus.Desc
	served        *prometheus.Desc
	windowCurrent *prometheus.Desc
	windowLimit   *prometheus.Desc
	tasks         *prometheus.Desc
}

func NewCollector(src StatusSource) *Collector {
	return &Collector{
		src: src,
		inFlight: prometheus.NewDesc(namespace+"_limiter_in_flight",
			"Tasks currently executing.", nil, nil),
		maxConcurrent: prometheus.NewDesc(namespace+"_limiter_max_concurrent",
			"Concurrency cap.", nil, nil),
		queued: prometheus.NewDesc(namespace+"_limiter_queued",
			"Tasks waiting per priority lane.", []string{"lane"}, nil),
		served: prometheus.NewDesc(namespace+"_limiter_served",
			"Dispatches per priority lane since the last clear.", []string{"lane"}, nil),
		windowCurrent: prometheus.NewDesc(namespace+"_limiter_window_requests",
			"Dispatches inside the rolling rate window.", []string{"window"}, nil),
		windowLimit: prometheus.NewDesc(namespace+"_limiter_window_limit",
			"Ceiling of the rolling rate window.", []string{"window"}, nil),
		tasks: prometheus.NewDesc(namespace+"_limiter_tasks_total",
			"Lifetime task counters by outcome.", []string{"outcome"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.inFlight, c.maxConcurrent, c.queued, c.served, c.windowCurrent, c.windowLimit, c.tasks} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(v uint64, outcome string) {
		ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.CounterValue, float64(v), outcome)
	}

	gauge(c.inFlight, st.InFlight)
	gauge(c.maxConcurrent, st.MaxConcurrent)
	for lane, n := range map[string][2]int{
		"high":   {st.Queued.High, st.Served.High},
		"medium": {st.Queued.Medium, st.Served.Medium},
		"low":    {st.Queued.Low, st.Served.Low},
	} {
		gauge(c.queued, n[0], lane)
		gauge(c.served, n[1], lane)
	}
	gauge(c.windowCurrent, st.RateWindow.Minute.Current, "minute")
	gauge(c.windowLimit, st.RateWindow.Minute.Limit, "minute")
	gauge(c.windowCurrent, st.RateWindow.Hour.Current, "hour")
	gauge(c.windowLimit, st.RateWindow.Hour.Limit, "hour")

	counter(st.Stats.Submitted, "submitted")
	counter(st.Stats.Completed, "completed")
	counter(st.Stats.Failed, "failed")
	counter(st.Stats.RateLimited, "rate_limited")
	counter(st.Stats.Cleared, "cleared")
}

// FetchMetrics records outbound request latency by status code.
type FetchMetrics struct {
	latency *prometheus.HistogramVec
}

func NewFetchMetrics() *FetchMetrics {
	return &FetchMetrics{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "request_duration_seconds",
			Help:      "Outbound fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code"}),
	}
}

// ObserveFetch records one request. code 0 means transport error.
func (m *FetchMetrics) ObserveFetch(code int, d time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.latency.WithLabelValues(label).Observe(d.Seconds())
}

func (m *FetchMetrics) Describe(ch chan<- *prometheus.Desc) { m.latency.Describe(ch) }
func (m *FetchMetrics) Collect(ch chan<- prometheus.Metric)  { m.latency.Collect(ch) }

// NewRegistry returns a registry with the Go runtime and process collectors
// plus every extra collector passed in.
func NewRegistry(extra ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	all := append([]prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}, extra...)
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// DropCounter is satisfied by eventbus.Bus.
type DropCounter interface {
	Dropped() uint64
}

// NewDroppedEvents exports the bus's dropped-delivery counter.
func NewDroppedEvents(src DropCounter) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "eventbus",
		Name:      "dropped_total",
		Help:      "Events not delivered because a subscriber buffer was full.",
	}, func() float64 { return float64(src.Dropped()) })
}
