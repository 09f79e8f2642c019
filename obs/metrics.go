package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ap",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ap",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ap",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	checkoutTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ap",
			Subsystem: "checkout",
			Name:      "transitions_total",
			Help:      "Checkout state transitions.",
		},
		[]string{"state"},
	)

	workerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ap",
			Subsystem: "worker",
			Name:      "runs_total",
			Help:      "Total autopilot worker runs processed.",
		},
		[]string{"worker", "result"},
	)
	workerRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ap",
			Subsystem: "worker",
			Name:      "run_duration_seconds",
			Help:      "Autopilot worker run duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"worker"},
	)
)

func init() {
	prometheus.MustRegister(appInfo, httpRequestsTotal, httpRequestDuration, checkoutTransitionsTotal, workerRunsTotal, workerRunDuration)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "autopen"
	}
	ver := strings.TrimSpace(os.Getenv("APP_VERSION"))
	if ver == "" {
		ver = "dev"
	}
	appInfo.WithLabelValues(svc, ver).Set(1)
}

// MetricsMiddleware records request count/latency.
// NOTE: route label is best-effort (path without query). It's fine for internal use;
// if you want strict low-cardinality metrics, replace with a router that provides a pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := normalizeRouteLabel(r.URL.Path)
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// RecordCheckoutTransition counts entries into each checkout state.
func RecordCheckoutTransition(state string) {
	s := strings.TrimSpace(state)
	if s == "" {
		return
	}
	checkoutTransitionsTotal.WithLabelValues(s).Inc()
}

func RecordWorkerRun(worker string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	workerRunsTotal.WithLabelValues(worker, res).Inc()
	workerRunDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

func normalizeRouteLabel(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	// Reduce cardinality for projectId routes.
	// /checkout/sessions/{projectId}
	// /checkout/sessions/{projectId}/{action...}
	if strings.HasPrefix(p, "/checkout/sessions/") {
		rest := strings.TrimPrefix(p, "/checkout/sessions/")
		parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
		if len(parts) == 1 || parts[1] == "" {
			return "/checkout/sessions/:projectId"
		}
		return "/checkout/sessions/:projectId/" + parts[1]
	}
	return p
}
