package main

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PrometheusMetrics holds all Prometheus metric collectors for the data path
// and the service around it. A nil *PrometheusMetrics is valid and records
// nothing.
type PrometheusMetrics struct {
	// Decoder metrics
	framesDecoded     prometheus.Counter // Frames decoded from the byte stream
	invalidFrames     prometheus.Counter // Frames with an out-of-range range field
	missingSamples    prometheus.Counter // Placeholders inserted for lost frames
	quarantineReplays prometheus.Counter // Quarantined frames released as transient glitches
	bytesReceived     prometheus.Counter // Raw bytes fed by the byte source

	// Store metrics
	samplesAppended   prometheus.Counter   // Samples appended to the timeline
	totalSamples      prometheus.Gauge     // Samples in the current session
	ringCapacity      prometheus.Gauge     // Samples the ring can hold
	spilledSamples    prometheus.Counter   // Samples written to the spill log
	spillBatches      prometheus.Counter   // Spill writes
	spillErrors       prometheus.Counter   // Failed spill writes
	spillLatency      prometheus.Histogram // Spill write latency
	overwrittenLosses prometheus.Counter   // Samples overwritten before reaching disk

	// Session metrics
	sessionRunning prometheus.Gauge // 1 while sampling
	sessionsTotal  prometheus.Counter
	samplingPeriod prometheus.Gauge // Current period in microseconds

	// Query metrics
	queryLatency *prometheus.HistogramVec // Latency by operation
	cacheLookups *prometheus.CounterVec   // Tier cache lookups by result

	// WebSocket metrics
	wsClients      prometheus.Gauge
	wsPacketsSent  prometheus.Counter
	wsBytesSent    prometheus.Counter
	wsSubscription prometheus.Counter

	// Import/export metrics
	exportsTotal *prometheus.CounterVec // Exports by result
	importsTotal *prometheus.CounterVec // Imports by result

	// Process metrics
	goroutines prometheus.Gauge
	heapBytes  prometheus.Gauge

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewaySuccessTotal  prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all metric collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		framesDecoded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_frames_decoded_total",
			Help: "Measurement frames decoded from the device stream",
		}),
		invalidFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_frames_invalid_total",
			Help: "Frames whose range field was out of bounds",
		}),
		missingSamples: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_missing_samples_total",
			Help: "Missing-sample placeholders inserted after sequence gaps",
		}),
		quarantineReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_quarantine_replays_total",
			Help: "Out-of-sequence frames released after the counter realigned",
		}),
		bytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_bytes_received_total",
			Help: "Raw bytes received from the byte source",
		}),

		samplesAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_samples_appended_total",
			Help: "Samples appended to the session timeline",
		}),
		totalSamples: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_session_samples",
			Help: "Samples recorded in the current session",
		}),
		ringCapacity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_ring_capacity_samples",
			Help: "Capacity of the in-memory ring buffer",
		}),
		spilledSamples: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_spilled_samples_total",
			Help: "Samples written to the spill log",
		}),
		spillBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_spill_batches_total",
			Help: "Batches written to the spill log",
		}),
		spillErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_spill_errors_total",
			Help: "Failed writes to the spill log",
		}),
		spillLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppk_spill_duration_seconds",
			Help:    "Time taken to write one spill batch",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		overwrittenLosses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_overwritten_samples_total",
			Help: "Samples overwritten in the ring before they were spilled",
		}),

		sessionRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_session_running",
			Help: "1 while a sampling session is running",
		}),
		sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_sessions_started_total",
			Help: "Sampling sessions started",
		}),
		samplingPeriod: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_sampling_period_microseconds",
			Help: "Sampling period of the current session",
		}),

		queryLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ppk_query_duration_seconds",
			Help:    "Latency of timeline queries",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9),
		}, []string{"op"}),
		cacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ppk_aggregation_cache_lookups_total",
			Help: "Aggregation tier cache lookups by result",
		}, []string{"result"}),

		wsClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_websocket_clients",
			Help: "Connected live chart clients",
		}),
		wsPacketsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_websocket_packets_sent_total",
			Help: "Chart packets sent to live clients",
		}),
		wsBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_websocket_bytes_sent_total",
			Help: "Bytes sent to live chart clients",
		}),
		wsSubscription: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_websocket_subscriptions_total",
			Help: "Window subscriptions received from live clients",
		}),

		exportsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ppk_exports_total",
			Help: "Session exports by result",
		}, []string{"result"}),
		importsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ppk_imports_total",
			Help: "Session imports by result",
		}, []string{"result"}),

		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_goroutines",
			Help: "Number of running goroutines",
		}),
		heapBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_heap_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),

		pushgatewayPushesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_pushgateway_pushes_total",
			Help: "Total number of Pushgateway push attempts",
		}),
		pushgatewayFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_pushgateway_failures_total",
			Help: "Total number of failed Pushgateway pushes",
		}),
		pushgatewaySuccessTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ppk_pushgateway_success_total",
			Help: "Total number of successful Pushgateway pushes",
		}),
		pushgatewayLastPushTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ppk_pushgateway_last_push_timestamp",
			Help: "Unix timestamp of the last successful Pushgateway push",
		}),
	}

	return pm
}

func (pm *PrometheusMetrics) RecordFrames(decoded, invalid int) {
	if pm == nil {
		return
	}
	pm.framesDecoded.Add(float64(decoded))
	if invalid > 0 {
		pm.invalidFrames.Add(float64(invalid))
	}
}

func (pm *PrometheusMetrics) RecordSequence(res TrackResult) {
	if pm == nil {
		return
	}
	if res.Missing > 0 {
		pm.missingSamples.Add(float64(res.Missing))
	}
	if res.Replayed > 0 {
		pm.quarantineReplays.Add(float64(res.Replayed))
	}
}

func (pm *PrometheusMetrics) RecordBytes(n int) {
	if pm == nil {
		return
	}
	pm.bytesReceived.Add(float64(n))
}

func (pm *PrometheusMetrics) RecordAppended(n int, total int64) {
	if pm == nil {
		return
	}
	pm.samplesAppended.Add(float64(n))
	pm.totalSamples.Set(float64(total))
}

func (pm *PrometheusMetrics) RecordSpillBatch(n int64, seconds float64) {
	if pm == nil {
		return
	}
	pm.spillBatches.Inc()
	pm.spilledSamples.Add(float64(n))
	pm.spillLatency.Observe(seconds)
}

func (pm *PrometheusMetrics) RecordSpillError() {
	if pm == nil {
		return
	}
	pm.spillErrors.Inc()
}

func (pm *PrometheusMetrics) RecordOverwriteLoss(n int64) {
	if pm == nil {
		return
	}
	pm.overwrittenLosses.Add(float64(n))
}

func (pm *PrometheusMetrics) RecordSessionState(running bool, periodMicros, capacity int64) {
	if pm == nil {
		return
	}
	if running {
		pm.sessionRunning.Set(1)
		pm.sessionsTotal.Inc()
	} else {
		pm.sessionRunning.Set(0)
	}
	pm.samplingPeriod.Set(float64(periodMicros))
	pm.ringCapacity.Set(float64(capacity))
}

func (pm *PrometheusMetrics) RecordQueryLatency(op string, seconds float64) {
	if pm == nil {
		return
	}
	pm.queryLatency.WithLabelValues(op).Observe(seconds)
}

func (pm *PrometheusMetrics) RecordCacheLookup(result string) {
	if pm == nil {
		return
	}
	pm.cacheLookups.WithLabelValues(result).Inc()
}

func (pm *PrometheusMetrics) RecordWSConnection(delta int) {
	if pm == nil {
		return
	}
	pm.wsClients.Add(float64(delta))
}

func (pm *PrometheusMetrics) RecordWSPacket(bytes int) {
	if pm == nil {
		return
	}
	pm.wsPacketsSent.Inc()
	pm.wsBytesSent.Add(float64(bytes))
}

func (pm *PrometheusMetrics) RecordWSSubscription() {
	if pm == nil {
		return
	}
	pm.wsSubscription.Inc()
}

func (pm *PrometheusMetrics) RecordExport(err error) {
	if pm == nil {
		return
	}
	pm.exportsTotal.WithLabelValues(resultLabel(err)).Inc()
}

func (pm *PrometheusMetrics) RecordImport(err error) {
	if pm == nil {
		return
	}
	pm.importsTotal.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// StartResourceUpdater refreshes process metrics periodically
func (pm *PrometheusMetrics) StartResourceUpdater(ctx context.Context) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			pm.updateResourceMetrics()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (pm *PrometheusMetrics) updateResourceMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.heapBytes.Set(float64(m.HeapAlloc))
}

// StartPushgatewayWorker starts a goroutine that periodically pushes metrics to Pushgateway
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	if pgConfig.URL == "" {
		if DebugMode {
			log.Println("DEBUG: Pushgateway URL not configured, skipping push worker")
		}
		return
	}

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%ds",
		pgConfig.URL, pgConfig.Job, pgConfig.Instance, pgConfig.Interval)

	go func() {
		ticker := time.NewTicker(time.Duration(pgConfig.Interval) * time.Second)
		defer ticker.Stop()

		for {
			pm.pushgatewayPushesTotal.Inc()
			if err := pm.pushToGateway(pgConfig); err != nil {
				pm.pushgatewayFailuresTotal.Inc()
				log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			} else {
				pm.pushgatewaySuccessTotal.Inc()
				pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
				if DebugMode {
					log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
				}
			}

			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

// pushToGateway pushes all metrics to the Pushgateway
func (pm *PrometheusMetrics) pushToGateway(pgConfig PushgatewayConfig) error {
	pusher := push.New(pgConfig.URL, pgConfig.Job).
		Gatherer(prometheus.DefaultGatherer)

	if pgConfig.Instance != "" {
		pusher = pusher.Grouping("instance", pgConfig.Instance)
		if pgConfig.Token != "" {
			pusher = pusher.BasicAuth(pgConfig.Instance, pgConfig.Token)
		}
	}
	pusher = pusher.Grouping("version", Version)

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}

	return nil
}
