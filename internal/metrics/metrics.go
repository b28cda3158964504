// Package metrics records download sessions as Prometheus metrics and can
// export them in the node_exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tanq16/fastdl/internal/engine"
)

const namespace = "fastdl"

// Collector implements engine.Recorder on its own registry.
type Collector struct {
	registry *prometheus.Registry

	bytesDownloaded prometheus.Counter
	chunkAttempts   *prometheus.CounterVec
	chunkRetries    prometheus.Counter
	chunkDuration   prometheus.Histogram
	chunksInFlight  prometheus.Gauge
	sessionDuration prometheus.Gauge
	sessionOutcome  *prometheus.GaugeVec
}

func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_downloaded_total",
		Help:      "Bytes received from the server, including bytes of failed attempts.",
	})
	c.chunkAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_attempts_total",
		Help:      "Chunk fetch attempts by result.",
	}, []string{"result"})
	c.chunkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_retries_total",
		Help:      "Chunk fetch attempts after the first.",
	})
	// Buckets: 100ms to ~7min
	c.chunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "chunk_duration_seconds",
		Help:      "Duration of a single chunk fetch attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 13),
	})
	c.chunksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chunks_in_flight",
		Help:      "Chunk fetch attempts currently running.",
	})
	c.sessionDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Wall time of the last session.",
	})
	c.sessionOutcome = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_outcome",
		Help:      "1 for the outcome of the last session, 0 for the others.",
	}, []string{"outcome"})

	c.registry.MustRegister(
		c.bytesDownloaded,
		c.chunkAttempts,
		c.chunkRetries,
		c.chunkDuration,
		c.chunksInFlight,
		c.sessionDuration,
		c.sessionOutcome,
	)
	return c
}

// Registry exposes the collector's registry, e.g. for an HTTP handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) ChunkStarted() {
	c.chunksInFlight.Inc()
}

func (c *Collector) ChunkFinished(result string, elapsed time.Duration) {
	c.chunksInFlight.Dec()
	c.chunkAttempts.WithLabelValues(result).Inc()
	c.chunkDuration.Observe(elapsed.Seconds())
}

func (c *Collector) ChunkRetried() {
	c.chunkRetries.Inc()
}

func (c *Collector) BytesReceived(n int) {
	c.bytesDownloaded.Add(float64(n))
}

func (c *Collector) SessionFinished(outcome engine.Outcome, elapsed time.Duration) {
	c.sessionDuration.Set(elapsed.Seconds())
	for _, o := range []engine.Outcome{engine.OutcomeCompleted, engine.OutcomeAborted, engine.OutcomeCancelled} {
		value := 0.0
		if o == outcome {
			value = 1
		}
		c.sessionOutcome.WithLabelValues(o.String()).Set(value)
	}
}

// WriteTextfile writes all metrics to path atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating metrics directory: %v", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("error writing metrics: %v", err)
	}
	return nil
}

var _ engine.Recorder = (*Collector)(nil)
