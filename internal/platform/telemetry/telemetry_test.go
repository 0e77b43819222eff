package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestCountersAndGauges(t *testing.T) {
	p := NewProvider()

	p.IncCounter("reconcile_refresh_total")
	p.IncCounter("reconcile_refresh_total")
	p.SetGauge("reconcile_patients", 12)

	if got := p.Counter("reconcile_refresh_total"); got != 2 {
		t.Errorf("counter = %d, want 2", got)
	}
	if got := p.Gauge("reconcile_patients"); got != 12 {
		t.Errorf("gauge = %d, want 12", got)
	}
	if got := p.Counter("never_touched"); got != 0 {
		t.Errorf("untouched counter = %d, want 0", got)
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := newHistogram([]float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(5)
	h.Observe(50) // beyond the last boundary, counted only in +Inf

	cumulative, sum, total := h.snapshot()
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}
	want := []int64{1, 2, 3}
	for i, c := range cumulative {
		if c != want[i] {
			t.Errorf("bucket[%d] = %d, want %d", i, c, want[i])
		}
	}
	if sum != 55.55 {
		t.Errorf("sum = %g, want 55.55", sum)
	}
}

func TestPrometheusHandler(t *testing.T) {
	p := NewProvider()
	p.IncCounter("reconcile_refresh_total")
	p.SetGauge("reconcile_patients", 7)
	p.RegisterGaugeFunc("reconcile_snapshot_age_seconds", func() int64 { return 42 })

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	body := rec.Body.String()

	for _, want := range []string{
		"# TYPE http_server_request_duration_seconds histogram",
		"http_server_active_requests 0",
		"reconcile_refresh_total 1",
		"reconcile_patients 7",
		"reconcile_snapshot_age_seconds 42",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q\n%s", want, body)
		}
	}
}

func TestGaugeFuncOverridesSetValue(t *testing.T) {
	p := NewProvider()
	p.SetGauge("reconcile_snapshot_age_seconds", 0)
	p.RegisterGaugeFunc("reconcile_snapshot_age_seconds", func() int64 { return 99 })

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "reconcile_snapshot_age_seconds 99") {
		t.Errorf("expected func value 99 in exposition:\n%s", body)
	}
	if strings.Contains(body, "reconcile_snapshot_age_seconds 0\n") {
		t.Errorf("stale set value leaked into exposition:\n%s", body)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	p := NewProvider()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := p.MetricsMiddleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, total := p.durations.snapshot()
	if total != 1 {
		t.Errorf("duration observations = %d, want 1", total)
	}
	p.mu.RLock()
	active := p.active
	p.mu.RUnlock()
	if active != 0 {
		t.Errorf("active requests = %d after completion, want 0", active)
	}
}
