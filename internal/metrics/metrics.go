package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: memory tier lookups that found a bitmap.
	MemoryHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixelgate_memory_hits_total",
			Help: "Total number of memory cache hits.",
		},
	)

	MemoryMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixelgate_memory_misses_total",
			Help: "Total number of memory cache misses.",
		},
	)

	MemoryEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pixelgate_memory_evictions_total",
			Help: "Total number of bitmaps evicted from the memory cache.",
		},
	)

	// Gauge: running byte total of the memory cache.
	MemoryBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixelgate_memory_bytes",
			Help: "Bytes currently held by the memory cache.",
		},
	)

	// Counter: requests that joined an in-flight operation, by stage.
	CoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelgate_coalesced_requests_total",
			Help: "Requests coalesced into a pending operation.",
		},
		[]string{"stage"},
	)

	// Counter: terminal outcomes delivered to listeners, by tier and result.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelgate_requests_total",
			Help: "Image requests by source tier and result.",
		},
		[]string{"source", "result"},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelgate_downloads_total",
			Help: "Network downloads by result.",
		},
		[]string{"result"},
	)

	DecodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixelgate_decodes_total",
			Help: "Disk decodes by result.",
		},
		[]string{"result"},
	)

	DownloadLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixelgate_download_latency_seconds",
			Help:    "Time to fetch an image to disk, in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	DecodeLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixelgate_decode_latency_seconds",
			Help:    "Time to decode an image from disk, in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixelgate_http_latency_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		MemoryHitsTotal,
		MemoryMissesTotal,
		MemoryEvictionsTotal,
		MemoryBytes,
		CoalescedTotal,
		RequestsTotal,
		DownloadsTotal,
		DecodesTotal,
		DownloadLatencySeconds,
		DecodeLatencySeconds,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Middleware measures latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		HTTPLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
