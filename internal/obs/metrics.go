package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	serviceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the last readiness probe succeeded.",
	})
)

// Auth and permission metrics
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Requests rejected because the attempt limiter is locked.",
		},
		[]string{"scope"},
	)

	refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh token rotations by outcome.",
		},
		[]string{"outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "permission_cache_lookups_total",
			Help: "Permission cache lookups by result.",
		},
		[]string{"result"},
	)

	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "permission_cache_entries",
		Help: "Number of cached permission resolutions.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, serviceReady,
			loginAttempts, lockouts, refreshes, cacheLookups, cacheEntries,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// SetReady mirrors the latest readiness probe result.
func SetReady(ok bool) {
	if ok {
		serviceReady.Set(1)
		return
	}
	serviceReady.Set(0)
}

// ObserveLogin counts a login attempt outcome (success, mfa_required, invalid_credentials, ...).
func ObserveLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// ObserveLockout counts a request rejected by the attempt limiter.
func ObserveLockout(scope string) { lockouts.WithLabelValues(scope).Inc() }

// ObserveRefresh counts a refresh rotation outcome.
func ObserveRefresh(outcome string) { refreshes.WithLabelValues(outcome).Inc() }

// ObserveCacheLookup counts a permission cache hit or miss.
func ObserveCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// SetCacheEntries publishes the current permission cache size.
func SetCacheEntries(n int) { cacheEntries.Set(float64(n)) }

var canonicalRoutes = []struct {
	prefix   string
	suffixes []string
}{
	{prefix: "/access-groups/", suffixes: []string{"", "/permissions"}},
	{prefix: "/users/", suffixes: []string{"/access-groups", "/deactivate"}},
	{prefix: "/resources/", suffixes: []string{"/check"}},
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	for _, route := range canonicalRoutes {
		if !strings.HasPrefix(p, route.prefix) {
			continue
		}
		rest := p[len(route.prefix):]
		for _, suffix := range route.suffixes {
			if suffix == "" {
				if rest != "" && !strings.Contains(rest, "/") {
					return route.prefix + ":id"
				}
				continue
			}
			if id, ok := strings.CutSuffix(rest, suffix); ok && id != "" && !strings.Contains(id, "/") {
				return route.prefix + ":id" + suffix
			}
		}
	}
	return p
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
