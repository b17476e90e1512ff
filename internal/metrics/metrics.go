// Package metrics declares the substrate's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool metrics (C6).
var (
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faasd_pool_size",
			Help: "Current number of instances held in the warm pool",
		},
		[]string{"env_key", "backend"},
	)

	PoolRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faasd_pool_requests_total",
			Help: "Total pool acquisition requests",
		},
		[]string{"env_key", "result"}, // result: hit|miss
	)

	PoolCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faasd_pool_created_total",
			Help: "Total instances created to satisfy pool acquisitions",
		},
		[]string{"env_key", "backend"},
	)

	PoolDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faasd_pool_destroyed_total",
			Help: "Total instances destroyed by the reaper or on release",
		},
		[]string{"env_key", "reason"}, // reason: idle|release|error
	)

	PoolAcquisitionTimeSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faasd_pool_acquisition_time_seconds",
			Help: "Exponentially averaged acquisition time per environment key",
		},
		[]string{"env_key"},
	)
)

// Cache metrics (C7).
var (
	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faasd_cache_requests_total",
			Help: "Total cache lookups",
		},
		[]string{"result"}, // hit|miss
	)

	CacheBytesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faasd_cache_bytes_in_use",
			Help: "Total bytes currently held by the result cache",
		},
		nil,
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faasd_cache_evictions_total",
			Help: "Total cache entries evicted",
		},
		nil,
	)
)

// Blob store metrics (C1).
var (
	BlobStoreBytesLocal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faasd_blobstore_bytes_local",
			Help: "Total decompressed bytes resident in the local blob tier",
		},
		nil,
	)

	BlobStoreEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faasd_blobstore_evictions_total",
			Help: "Total blobs evicted from the local tier",
		},
		nil,
	)

	BlobPutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faasd_blob_put_duration_seconds",
			Help:    "Time to write a blob, including codec selection",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"codec"},
	)
)

// Engine metrics (C8).
var (
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faasd_run_duration_seconds",
			Help:    "Time to service a run() request end to end",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"mode"},
	)

	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faasd_runs_total",
			Help: "Total run() invocations",
		},
		[]string{"mode", "status"}, // status: ok|error|timeout
	)

	CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faasd_checkpoint_duration_seconds",
			Help:    "Time to produce a checkpoint manifest",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"kind", "incremental"},
	)

	ForkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faasd_fork_duration_seconds",
			Help:    "Time to materialize a fork",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"strategy"},
	)
)

// HTTP ops-surface metrics.
var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "faasd_http_requests_total",
		Help: "Total HTTP requests served by the ops surface",
	},
	[]string{"method", "path", "status"},
)

func init() {
	prometheus.MustRegister(
		PoolSize,
		PoolRequestsTotal,
		PoolCreatedTotal,
		PoolDestroyedTotal,
		PoolAcquisitionTimeSeconds,
		CacheRequestsTotal,
		CacheBytesInUse,
		CacheEvictionsTotal,
		BlobStoreBytesLocal,
		BlobStoreEvictionsTotal,
		BlobPutDuration,
		RunDuration,
		RunsTotal,
		CheckpointDuration,
		ForkDuration,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware instruments every request served by the ops surface.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			_ = time.Since(start)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}
