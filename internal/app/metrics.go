package app

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuetzliches/updategate/internal/queue"
)

// runtimeMetrics collects process counters for the /metrics endpoint. The
// worker pushes a fresh queue.Stats snapshot after every batch, so scrapes
// never hit the store directly.
type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64

	ingressAcceptedTotal atomic.Int64
	ingressRejectedTotal atomic.Int64
	ingressRejectMu      sync.Mutex
	ingressRejectByCode  map[string]int64

	processingFailuresTotal atomic.Int64
	workerFailuresTotal     atomic.Int64

	processedMu         sync.Mutex
	processedTotal      int64
	processedSumSeconds float64
	processedMaxSeconds float64

	queueMu      sync.Mutex
	queueStats   queue.Stats
	queueStatsAt time.Time
	queueStatsOK bool
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{
		ingressRejectByCode: make(map[string]int64),
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

// ObserveAccept is wired into the ingress server.
func (m *runtimeMetrics) ObserveAccept() {
	if m == nil {
		return
	}
	m.ingressAcceptedTotal.Add(1)
}

// ObserveReject partitions rejections by reason code (e.g. "secret_mismatch",
// "duplicate_flood", "payload_too_large").
func (m *runtimeMetrics) ObserveReject(_ int, reason string) {
	if m == nil {
		return
	}
	m.ingressRejectedTotal.Add(1)
	m.ingressRejectMu.Lock()
	m.ingressRejectByCode[reason]++
	m.ingressRejectMu.Unlock()
}

func (m *runtimeMetrics) ingressRejectSnapshot() map[string]int64 {
	if m == nil {
		return nil
	}
	m.ingressRejectMu.Lock()
	defer m.ingressRejectMu.Unlock()
	out := make(map[string]int64, len(m.ingressRejectByCode))
	for code, n := range m.ingressRejectByCode {
		out[code] = n
	}
	return out
}

// ObserveQueue implements worker.MetricsSink.
func (m *runtimeMetrics) ObserveQueue(stats queue.Stats) {
	if m == nil {
		return
	}
	m.queueMu.Lock()
	m.queueStats = stats
	m.queueStatsAt = time.Now()
	m.queueStatsOK = true
	m.queueMu.Unlock()
}

// ObserveProcessed implements worker.MetricsSink.
func (m *runtimeMetrics) ObserveProcessed(latency time.Duration) {
	if m == nil {
		return
	}
	seconds := latency.Seconds()
	m.processedMu.Lock()
	m.processedTotal++
	m.processedSumSeconds += seconds
	if seconds > m.processedMaxSeconds {
		m.processedMaxSeconds = seconds
	}
	m.processedMu.Unlock()
}

// IncProcessingFailures implements worker.MetricsSink.
func (m *runtimeMetrics) IncProcessingFailures() {
	if m == nil {
		return
	}
	m.processingFailuresTotal.Add(1)
}

// IncWorkerFailures implements worker.MetricsSink.
func (m *runtimeMetrics) IncWorkerFailures() {
	if m == nil {
		return
	}
	m.workerFailuresTotal.Add(1)
}

func (m *runtimeMetrics) queueSnapshot() (queue.Stats, bool) {
	if m == nil {
		return queue.Stats{}, false
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return m.queueStats, m.queueStatsOK
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		tracingEnabled := int64(0)
		tracingInitFailuresTotal := int64(0)
		ingressAcceptedTotal := int64(0)
		ingressRejectedTotal := int64(0)
		processingFailuresTotal := int64(0)
		workerFailuresTotal := int64(0)
		var rejectByCode map[string]int64
		var processedTotal int64
		var processedSum, processedMax float64
		if rm != nil {
			tracingEnabled = rm.tracingEnabled.Load()
			tracingInitFailuresTotal = rm.tracingInitFailuresTotal.Load()
			ingressAcceptedTotal = rm.ingressAcceptedTotal.Load()
			ingressRejectedTotal = rm.ingressRejectedTotal.Load()
			processingFailuresTotal = rm.processingFailuresTotal.Load()
			workerFailuresTotal = rm.workerFailuresTotal.Load()
			rejectByCode = rm.ingressRejectSnapshot()
			rm.processedMu.Lock()
			processedTotal = rm.processedTotal
			processedSum = rm.processedSumSeconds
			processedMax = rm.processedMaxSeconds
			rm.processedMu.Unlock()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprintf(w, "# HELP updategate_up Whether the Updategate process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_up gauge\n")
		_, _ = fmt.Fprintf(w, "updategate_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP updategate_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "updategate_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP updategate_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "updategate_start_time_seconds %d\n", start.Unix())
		_, _ = fmt.Fprintf(w, "# HELP updategate_tracing_enabled Whether tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "updategate_tracing_enabled %d\n", tracingEnabled)
		_, _ = fmt.Fprintf(w, "# HELP updategate_tracing_init_failures_total Total number of tracing initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "updategate_tracing_init_failures_total %d\n", tracingInitFailuresTotal)
		_, _ = fmt.Fprintf(w, "# HELP updategate_ingress_accepted_total Total number of webhook requests accepted and enqueued.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_ingress_accepted_total counter\n")
		_, _ = fmt.Fprintf(w, "updategate_ingress_accepted_total %d\n", ingressAcceptedTotal)
		_, _ = fmt.Fprintf(w, "# HELP updategate_ingress_rejected_total Total number of webhook requests rejected.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_ingress_rejected_total counter\n")
		_, _ = fmt.Fprintf(w, "updategate_ingress_rejected_total %d\n", ingressRejectedTotal)
		if len(rejectByCode) > 0 {
			codes := make([]string, 0, len(rejectByCode))
			for code := range rejectByCode {
				codes = append(codes, code)
			}
			sort.Strings(codes)
			_, _ = fmt.Fprintf(w, "# HELP updategate_ingress_rejected_by_code_total Total number of webhook rejections partitioned by outcome code.\n")
			_, _ = fmt.Fprintf(w, "# TYPE updategate_ingress_rejected_by_code_total counter\n")
			for _, code := range codes {
				_, _ = fmt.Fprintf(w, "updategate_ingress_rejected_by_code_total{code=%q} %d\n", code, rejectByCode[code])
			}
		}
		_, _ = fmt.Fprintf(w, "# HELP updategate_processed_total Total number of queue items processed successfully.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_processed_total counter\n")
		_, _ = fmt.Fprintf(w, "updategate_processed_total %d\n", processedTotal)
		_, _ = fmt.Fprintf(w, "# HELP updategate_processed_seconds_sum Cumulative processing latency in seconds.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_processed_seconds_sum counter\n")
		_, _ = fmt.Fprintf(w, "updategate_processed_seconds_sum %g\n", processedSum)
		_, _ = fmt.Fprintf(w, "# HELP updategate_processed_seconds_max Largest processing latency observed in seconds.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_processed_seconds_max gauge\n")
		_, _ = fmt.Fprintf(w, "updategate_processed_seconds_max %g\n", processedMax)
		_, _ = fmt.Fprintf(w, "# HELP updategate_processing_failures_total Total number of item handler failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_processing_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "updategate_processing_failures_total %d\n", processingFailuresTotal)
		_, _ = fmt.Fprintf(w, "# HELP updategate_worker_failures_total Total number of worker loop failures (claim errors, panics).\n")
		_, _ = fmt.Fprintf(w, "# TYPE updategate_worker_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "updategate_worker_failures_total %d\n", workerFailuresTotal)

		if rm != nil {
			if stats, ok := rm.queueSnapshot(); ok {
				_, _ = fmt.Fprintf(w, "# HELP updategate_queue_depth Current number of items in the queue by state.\n")
				_, _ = fmt.Fprintf(w, "# TYPE updategate_queue_depth gauge\n")
				for _, state := range []queue.State{queue.StatePending, queue.StateClaimed, queue.StateFailed, queue.StateDead} {
					_, _ = fmt.Fprintf(w, "updategate_queue_depth{state=%q} %d\n", string(state), stats.ByState[state])
				}
				_, _ = fmt.Fprintf(w, "# HELP updategate_queue_oldest_pending_age_seconds Age of the oldest pending item in seconds.\n")
				_, _ = fmt.Fprintf(w, "# TYPE updategate_queue_oldest_pending_age_seconds gauge\n")
				_, _ = fmt.Fprintf(w, "updategate_queue_oldest_pending_age_seconds %g\n", stats.OldestPendingAge.Seconds())
			}
		}
	})
}
