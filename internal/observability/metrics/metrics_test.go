package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pacer/internal/task/limiter"
	logx "pacer/pkg/logx"
)

type fakeSource struct{ st limiter.Status }

func (f fakeSource) Status() limiter.Status { return f.st }

type fakeDrops uint64

func (f fakeDrops) Dropped() uint64 { return uint64(f) }

func scrape(t *testing.T, h http.Handler, target string, hdr http.Header) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	src := fakeSource{st: limiter.Status{
		InFlight:      2,
		MaxConcurrent: 5,
		Queued:        limiter.LaneCounts{High: 1, Low: 3},
		Served:        limiter.LaneCounts{High: 7, Medium: 4, Low: 1},
		RateWindow: limiter.RateWindow{
			Minute: limiter.Window{Current: 12, Limit: 30},
			Hour:   limiter.Window{Current: 40, Limit: 1000},
		},
		Stats: limiter.Stats{Submitted: 15, Completed: 10, Failed: 2, RateLimited: 4},
	}}
	fm := NewFetchMetrics()
	fm.ObserveFetch(200, 30*time.Millisecond)
	fm.ObserveFetch(0, time.Second)
	reg, err := NewRegistry(NewCollector(src), fm, NewDroppedEvents(fakeDrops(3)))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg.Enabled = true
	return NewServer(cfg, reg, func() any { return map[string]int{"in_flight": 2} }, logx.Nop())
}

func TestHandlerExportsLimiterStatus(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{}).Handler()

	code, body := scrape(t, h, "/metrics", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	for _, line := range []string{
		"pacer_limiter_in_flight 2",
		"pacer_limiter_max_concurrent 5",
		`pacer_limiter_queued{lane="high"} 1`,
		`pacer_limiter_queued{lane="medium"} 0`,
		`pacer_limiter_served{lane="high"} 7`,
		`pacer_limiter_window_requests{window="minute"} 12`,
		`pacer_limiter_window_limit{window="hour"} 1000`,
		`pacer_limiter_tasks_total{outcome="rate_limited"} 4`,
		`pacer_fetch_request_duration_seconds_count{code="200"} 1`,
		`pacer_fetch_request_duration_seconds_count{code="error"} 1`,
		"pacer_eventbus_dropped_total 3",
		"go_goroutines",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}

	code, body = scrape(t, h, "/healthz", nil)
	if code != http.StatusOK || strings.TrimSpace(body) != `{"in_flight":2}` {
		t.Fatalf("healthz = %d %q", code, body)
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	h := newTestServer(t, Config{Token: "s3cret", Path: "stats"}).Handler()

	tests := []struct {
		name   string
		target string
		hdr    http.Header
		want   int
	}{
		{name: "missing", target: "/stats", want: http.StatusUnauthorized},
		{name: "wrong query", target: "/stats?token=nope", want: http.StatusUnauthorized},
		{name: "query", target: "/stats?token=s3cret", want: http.StatusOK},
		{name: "bearer", target: "/stats", hdr: http.Header{"Authorization": {"Bearer s3cret"}}, want: http.StatusOK},
		{name: "bad scheme", target: "/healthz", hdr: http.Header{"Authorization": {"Basic s3cret"}}, want: http.StatusUnauthorized},
		{name: "pprof off", target: "/debug/pprof/?token=s3cret", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if code, _ := scrape(t, h, tt.target, tt.hdr); code != tt.want {
				t.Fatalf("%s -> %d, want %d", tt.target, code, tt.want)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9108": true,
		"localhost:80":   true,
		"[::1]:9108":     true,
		":9108":          false,
		"0.0.0.0:9108":   false,
		"10.0.0.5:9108":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
