package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler returns an http.Handler that serves Prometheus text format metrics.
// This avoids pulling in the full prometheus/client_golang dependency.
// Mount it at "/metrics" in your HTTP server.
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(m.metrics.StartTime).Seconds()

		// Write metrics in Prometheus exposition format
		lines := []struct {
			name string
			help string
			typ  string
			val  interface{}
		}{
			// Request counters
			{"osa_requests_total", "Total number of requests processed", "counter", atomic.LoadUint64(&m.metrics.RequestsTotal)},
			{"osa_requests_success_total", "Total successful requests", "counter", atomic.LoadUint64(&m.metrics.RequestsSuccess)},
			{"osa_requests_failed_total", "Total failed requests", "counter", atomic.LoadUint64(&m.metrics.RequestsFailed)},

			// Tool call counters
			{"osa_tool_calls_total", "Total tool calls executed", "counter", atomic.LoadUint64(&m.metrics.ToolCallsTotal)},
			{"osa_tool_calls_success_total", "Total successful tool calls", "counter", atomic.LoadUint64(&m.metrics.ToolCallsSuccess)},
			{"osa_tool_calls_failed_total", "Total failed tool calls", "counter", atomic.LoadUint64(&m.metrics.ToolCallsFailed)},

			// Model counters
			{"osa_model_calls_total", "Total LLM model calls", "counter", atomic.LoadUint64(&m.metrics.ModelCallsTotal)},
			{"osa_model_tokens_used_total", "Total tokens consumed", "counter", atomic.LoadUint64(&m.metrics.ModelTokensUsed)},

			// Signal pipeline
			{"osa_signals_classified_total", "Inbound messages classified by the signal pipeline", "counter", atomic.LoadUint64(&m.metrics.SignalsClassified)},
			{"osa_signals_filtered_total", "Inbound messages dropped as noise", "counter", atomic.LoadUint64(&m.metrics.SignalsFiltered)},

			// Agent loop terminal outcomes
			{"osa_doom_loop_halts_total", "Runs halted by the doom-loop detector", "counter", atomic.LoadUint64(&m.metrics.DoomLoopHalts)},
			{"osa_runs_cancelled_total", "Runs cancelled by the caller", "counter", atomic.LoadUint64(&m.metrics.RunsCancelled)},

			// Errors
			{"osa_errors_total", "Total errors encountered", "counter", atomic.LoadUint64(&m.metrics.ErrorsTotal)},

			// Gauges
			{"osa_active_sessions", "Number of active sessions", "gauge", atomic.LoadInt64(&m.metrics.ActiveSessions)},
			{"osa_uptime_seconds", "Process uptime in seconds", "gauge", uptime},

			// Runtime metrics
			{"osa_memory_alloc_bytes", "Current memory allocation in bytes", "gauge", memStats.Alloc},
			{"osa_memory_sys_bytes", "Total memory obtained from OS", "gauge", memStats.Sys},
			{"osa_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
			{"osa_gc_pause_total_ns", "Total GC pause time in nanoseconds", "counter", memStats.PauseTotalNs},
			{"osa_gc_cycles_total", "Total number of completed GC cycles", "counter", memStats.NumGC},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		// Latency summaries
		reqCount := atomic.LoadUint64(&m.metrics.RequestLatencyCount)
		if reqCount > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(reqCount) / 1e6
			fmt.Fprintf(w, "# HELP osa_request_latency_avg_ms Average request latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE osa_request_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "osa_request_latency_avg_ms %f\n\n", avgMs)
		}

		toolCount := atomic.LoadUint64(&m.metrics.ToolLatencyCount)
		if toolCount > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.ToolLatencySum)) / float64(toolCount) / 1e6
			fmt.Fprintf(w, "# HELP osa_tool_latency_avg_ms Average tool execution latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE osa_tool_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "osa_tool_latency_avg_ms %f\n\n", avgMs)
		}
	})
}
