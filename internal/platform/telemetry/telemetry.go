// Package telemetry collects in-process metrics and serves them in
// Prometheus text exposition format. It deliberately avoids an external
// metrics dependency: the dashboard exposes a handful of counters and
// gauges, and a single request-duration histogram covers the HTTP side.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultDurationBuckets covers the latency range of a read-mostly JSON
// API, in seconds.
var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type histogram struct {
	mu         sync.Mutex
	boundaries []float64
	counts     []int64
	sum        float64
	total      int64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries: boundaries,
		counts:     make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.counts[i]++
			break
		}
	}
	h.sum += v
	h.total++
}

func (h *histogram) snapshot() (cumulative []int64, sum float64, total int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cumulative = make([]int64, len(h.counts))
	var running int64
	for i, c := range h.counts {
		running += c
		cumulative[i] = running
	}
	return cumulative, h.sum, h.total
}

// Provider is the process-wide metrics registry. All methods are safe for
// concurrent use; a nil check is never needed because the zero counter and
// gauge values are well defined.
type Provider struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]int64
	gaugeFuncs map[string]func() int64
	durations  *histogram
	active     int64
}

func NewProvider() *Provider {
	return &Provider{
		counters:   make(map[string]int64),
		gauges:     make(map[string]int64),
		gaugeFuncs: make(map[string]func() int64),
		durations:  newHistogram(defaultDurationBuckets),
	}
}

// IncCounter increments a named counter by one.
func (p *Provider) IncCounter(name string) {
	p.mu.Lock()
	p.counters[name]++
	p.mu.Unlock()
}

// SetGauge records the current value of a named gauge.
func (p *Provider) SetGauge(name string, v int64) {
	p.mu.Lock()
	p.gauges[name] = v
	p.mu.Unlock()
}

// RegisterGaugeFunc registers a gauge whose value is computed at scrape
// time, for values that age continuously like snapshot staleness.
func (p *Provider) RegisterGaugeFunc(name string, fn func() int64) {
	p.mu.Lock()
	p.gaugeFuncs[name] = fn
	p.mu.Unlock()
}

// Counter returns the current value of a counter, for tests and health
// surfaces.
func (p *Provider) Counter(name string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters[name]
}

// Gauge returns the current value of a set gauge.
func (p *Provider) Gauge(name string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gauges[name]
}

// MetricsMiddleware records request durations and tracks in-flight
// requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.mu.Lock()
			p.active++
			p.mu.Unlock()

			start := time.Now()
			err := next(c)

			p.durations.Observe(time.Since(start).Seconds())
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			return err
		}
	}
}

// PrometheusHandler serves every registered metric in text exposition
// format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		cumulative, sum, total := p.durations.snapshot()
		b.WriteString("# HELP http_server_request_duration_seconds Duration of HTTP requests in seconds.\n")
		b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
		for i, boundary := range defaultDurationBuckets {
			fmt.Fprintf(&b, "http_server_request_duration_seconds_bucket{le=\"%g\"} %d\n", boundary, cumulative[i])
		}
		fmt.Fprintf(&b, "http_server_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", total)
		fmt.Fprintf(&b, "http_server_request_duration_seconds_sum %g\n", sum)
		fmt.Fprintf(&b, "http_server_request_duration_seconds_count %d\n\n", total)

		p.mu.RLock()
		fmt.Fprintf(&b, "# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		fmt.Fprintf(&b, "# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", p.active)

		names := make([]string, 0, len(p.counters))
		for name := range p.counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, p.counters[name])
		}

		gaugeNames := make([]string, 0, len(p.gauges))
		for name := range p.gauges {
			if _, dynamic := p.gaugeFuncs[name]; dynamic {
				continue // scrape-time func wins over a stale set value
			}
			gaugeNames = append(gaugeNames, name)
		}
		sort.Strings(gaugeNames)
		for _, name := range gaugeNames {
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, p.gauges[name])
		}

		funcNames := make([]string, 0, len(p.gaugeFuncs))
		for name := range p.gaugeFuncs {
			funcNames = append(funcNames, name)
		}
		sort.Strings(funcNames)
		funcs := make([]func() int64, len(funcNames))
		for i, name := range funcNames {
			funcs[i] = p.gaugeFuncs[name]
		}
		p.mu.RUnlock()

		for i, name := range funcNames {
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, funcs[i]())
		}

		return c.String(http.StatusOK, b.String())
	}
}
