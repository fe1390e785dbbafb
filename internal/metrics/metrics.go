// Package metrics provides Prometheus metrics for remotefs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch kinds.
const (
	KindIndex = "index"
	KindGet   = "get"
	KindHead  = "head"
)

var (
	// Remote fetch metrics
	fetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_fetches_total",
			Help: "Total number of remote fetches by kind and result",
		},
		[]string{"kind", "result"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remotefs_fetch_duration_seconds",
			Help:    "Remote fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotefs_bytes_downloaded_total",
			Help: "Total bytes of file content downloaded",
		},
	)

	// Cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_cache_lookups_total",
			Help: "Content cache lookups on open",
		},
		[]string{"result"},
	)

	preloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotefs_preloads_total",
			Help: "Files seeded without a network round trip",
		},
	)

	resetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remotefs_cache_resets_total",
			Help: "Number of full content cache resets",
		},
	)

	// Index metrics
	indexNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotefs_index_nodes",
			Help: "Number of nodes in the loaded index",
		},
	)

	remoteOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remotefs_remote_online",
			Help: "1 if the last request reached the remote, 0 otherwise",
		},
	)

	// HTTP metrics for the serve command
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remotefs_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "status"},
	)
)

// RecordFetch records one remote fetch.
func RecordFetch(kind string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	fetchesTotal.WithLabelValues(kind, result).Inc()
	fetchDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordDownload adds downloaded content bytes.
func RecordDownload(n int) {
	bytesDownloaded.Add(float64(n))
}

// RecordCacheHit records an open served from cached bytes.
func RecordCacheHit() {
	cacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records an open that needed a fetch.
func RecordCacheMiss() {
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordPreload records a preloaded file.
func RecordPreload() {
	preloadsTotal.Inc()
}

// RecordReset records a cache reset.
func RecordReset() {
	resetsTotal.Inc()
}

// SetIndexNodes sets the node count gauge.
func SetIndexNodes(n int) {
	indexNodes.Set(float64(n))
}

// SetRemoteOnline records whether the remote is reachable.
func SetRemoteOnline(online bool) {
	if online {
		remoteOnline.Set(1)
	} else {
		remoteOnline.Set(0)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rw.statusCode)).Inc()
	})
}
