package app

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/engine"
	"github.com/KUIT-MORU/KUIT-MORU-Server-sub000/internal/store"
)

type runtimeMetrics struct {
	deliveredTotal atomic.Int64
	retriedTotal   atomic.Int64
	droppedTotal   atomic.Int64

	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	// Store for on-scrape queue depth. Depth reads hit the store, so
	// snapshots are cached for a short TTL.
	queueStore store.Store
	queueStats struct {
		mu       sync.Mutex
		ttl      time.Duration
		cached   store.Stats
		cachedAt time.Time
		cachedOK bool
	}
}

func newRuntimeMetrics() *runtimeMetrics {
	m := &runtimeMetrics{}
	m.queueStats.ttl = time.Second
	return m
}

func (m *runtimeMetrics) observeDelivery(outcome engine.Outcome) {
	if m == nil {
		return
	}
	switch outcome {
	case engine.OutcomeDelivered:
		m.deliveredTotal.Add(1)
	case engine.OutcomeRetried:
		m.retriedTotal.Add(1)
	case engine.OutcomeDropped:
		m.droppedTotal.Add(1)
	}
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	if m == nil {
		return
	}
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	if m == nil {
		return
	}
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) storeStatsSnapshot() (store.Stats, bool) {
	if m == nil || m.queueStore == nil {
		return store.Stats{}, false
	}

	now := time.Now()
	m.queueStats.mu.Lock()
	defer m.queueStats.mu.Unlock()
	if m.queueStats.cachedOK && now.Sub(m.queueStats.cachedAt) <= m.queueStats.ttl {
		return m.queueStats.cached, true
	}

	stats, err := m.queueStore.Stats()
	if err != nil {
		if m.queueStats.cachedOK {
			return m.queueStats.cached, true
		}
		return store.Stats{}, false
	}
	m.queueStats.cached = stats
	m.queueStats.cachedAt = now
	m.queueStats.cachedOK = true
	return stats, true
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered := int64(0)
		retried := int64(0)
		dropped := int64(0)
		tracingEnabled := int64(0)
		tracingInitFailures := int64(0)
		tracingExportErrors := int64(0)
		if rm != nil {
			delivered = rm.deliveredTotal.Load()
			retried = rm.retriedTotal.Load()
			dropped = rm.droppedTotal.Load()
			tracingEnabled = rm.tracingEnabled.Load()
			tracingInitFailures = rm.tracingInitFailuresTotal.Load()
			tracingExportErrors = rm.tracingExportErrorsTotal.Load()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprintf(w, "# HELP moru_up Whether the morud process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_up gauge\n")
		_, _ = fmt.Fprintf(w, "moru_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP moru_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "moru_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP moru_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "moru_start_time_seconds %d\n", start.Unix())
		_, _ = fmt.Fprintf(w, "# HELP moru_delivery_delivered_total Total number of notifications delivered.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_delivery_delivered_total counter\n")
		_, _ = fmt.Fprintf(w, "moru_delivery_delivered_total %d\n", delivered)
		_, _ = fmt.Fprintf(w, "# HELP moru_delivery_retried_total Total number of delivery attempts rescheduled for retry.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_delivery_retried_total counter\n")
		_, _ = fmt.Fprintf(w, "moru_delivery_retried_total %d\n", retried)
		_, _ = fmt.Fprintf(w, "# HELP moru_delivery_dropped_total Total number of messages dropped (permanent failure or retries exhausted).\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_delivery_dropped_total counter\n")
		_, _ = fmt.Fprintf(w, "moru_delivery_dropped_total %d\n", dropped)
		_, _ = fmt.Fprintf(w, "# HELP moru_tracing_enabled Whether tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "moru_tracing_enabled %d\n", tracingEnabled)
		_, _ = fmt.Fprintf(w, "# HELP moru_tracing_init_failures_total Total number of tracing initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "moru_tracing_init_failures_total %d\n", tracingInitFailures)
		_, _ = fmt.Fprintf(w, "# HELP moru_tracing_export_errors_total Total number of tracing exporter errors reported by OpenTelemetry.\n")
		_, _ = fmt.Fprintf(w, "# TYPE moru_tracing_export_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "moru_tracing_export_errors_total %d\n", tracingExportErrors)

		if rm != nil {
			if stats, ok := rm.storeStatsSnapshot(); ok {
				_, _ = fmt.Fprintf(w, "# HELP moru_queue_depth Current number of pending messages by queue.\n")
				_, _ = fmt.Fprintf(w, "# TYPE moru_queue_depth gauge\n")
				_, _ = fmt.Fprintf(w, "moru_queue_depth{queue=\"delay\"} %d\n", stats.Queues[store.QueueDelay].Depth)
				_, _ = fmt.Fprintf(w, "moru_queue_depth{queue=\"retry\"} %d\n", stats.Queues[store.QueueRetry].Depth)
				_, _ = fmt.Fprintf(w, "# HELP moru_indexed_routines Current number of routines with indexed pending messages.\n")
				_, _ = fmt.Fprintf(w, "# TYPE moru_indexed_routines gauge\n")
				_, _ = fmt.Fprintf(w, "moru_indexed_routines %d\n", stats.IndexedRoutines)
			}
		}
	})
}
