package main

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"nostr-market/internal/types"
)

// HTTP metrics
var (
	httpRequestsTotal atomic.Int64
	httpErrorsTotal   atomic.Int64
)

// Sync drain outcomes reported by the client
var (
	syncDrainsTotal        atomic.Int64
	syncPersistentFailures atomic.Int64
)

var serverStartTime = time.Now()

// metricsHandler serves Prometheus-compatible metrics
func (s *server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP market_build_info Build and configuration information\n")
	fmt.Fprintf(w, "# TYPE market_build_info gauge\n")
	fmt.Fprintf(w, "market_build_info{store=%q,cache_version=%q,go_version=%q} 1\n\n", s.storeDriver, s.cacheVersion, runtime.Version())

	fmt.Fprintf(w, "# HELP process_uptime_seconds Time since process started\n")
	fmt.Fprintf(w, "# TYPE process_uptime_seconds gauge\n")
	fmt.Fprintf(w, "process_uptime_seconds %.0f\n\n", time.Since(serverStartTime).Seconds())

	fmt.Fprintf(w, "# HELP go_goroutines Number of active goroutines\n")
	fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
	fmt.Fprintf(w, "go_goroutines %d\n\n", runtime.NumGoroutine())

	// HTTP metrics
	fmt.Fprintf(w, "# HELP http_requests_total Total number of HTTP requests\n")
	fmt.Fprintf(w, "# TYPE http_requests_total counter\n")
	fmt.Fprintf(w, "http_requests_total %d\n\n", httpRequestsTotal.Load())

	fmt.Fprintf(w, "# HELP http_errors_total Total number of HTTP 5xx errors\n")
	fmt.Fprintf(w, "# TYPE http_errors_total counter\n")
	fmt.Fprintf(w, "http_errors_total %d\n\n", httpErrorsTotal.Load())

	// Relay connection states
	statuses := s.client.Pool().Statuses()
	fmt.Fprintf(w, "# HELP market_relay_state Current state of each relay connection (1 for the active state)\n")
	fmt.Fprintf(w, "# TYPE market_relay_state gauge\n")
	for _, st := range statuses {
		for _, state := range []types.RelayState{types.RelayDisconnected, types.RelayConnecting, types.RelayConnected, types.RelayBackoff} {
			v := 0
			if st.State == state {
				v = 1
			}
			fmt.Fprintf(w, "market_relay_state{relay=%q,state=%q} %d\n", st.URL, state.String(), v)
		}
	}
	fmt.Fprintf(w, "\n")

	fmt.Fprintf(w, "# HELP market_relay_retries Consecutive reconnect attempts per relay\n")
	fmt.Fprintf(w, "# TYPE market_relay_retries gauge\n")
	for _, st := range statuses {
		fmt.Fprintf(w, "market_relay_retries{relay=%q} %d\n", st.URL, st.RetryCount)
	}
	fmt.Fprintf(w, "\n")

	// Pool metrics
	ps := s.client.Pool().Stats()
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
	counter("market_events_delivered_total", "Events delivered to subscribers", ps.Delivered)
	counter("market_events_duplicate_total", "Events suppressed as duplicates", ps.Duplicates)
	counter("market_events_invalid_total", "Events dropped for a bad id or signature", ps.Invalid)
	counter("market_events_dropped_total", "Events dropped due to full subscriber queues", ps.Dropped)
	counter("market_publish_accepted_total", "Relay acknowledgements of published events", ps.Accepted)
	counter("market_publish_rejected_total", "Relay rejections, timeouts and send failures", ps.Rejected)

	// Offline engine metrics
	if s.engine != nil {
		es := s.engine.Stats()
		counter("market_offline_cache_hits_total", "Responses served from the offline cache", es.Hits)
		counter("market_offline_cache_misses_total", "Responses fetched from the network", es.Misses)
		counter("market_offline_fallbacks_total", "Offline fallback documents served", es.Fallbacks)
		counter("market_offline_network_errors_total", "Upstream requests that failed", es.NetworkErrors)
	}

	// Sync queue metrics
	qs := s.client.Queue().Stats()
	counter("market_sync_enqueued_total", "Actions queued while offline", qs.Enqueued)
	counter("market_sync_replayed_total", "Queued actions replayed successfully", qs.Replayed)
	counter("market_sync_failed_total", "Queued action replays that failed", qs.Failed)
	counter("market_sync_drains_total", "Drains triggered by restored connectivity", syncDrainsTotal.Load())
	counter("market_sync_persistent_failures_total", "Queued actions that reached the attempt cap", syncPersistentFailures.Load())

	online := 0
	if s.client.Pool().Online() {
		online = 1
	}
	fmt.Fprintf(w, "# HELP market_online Whether at least one relay is connected\n")
	fmt.Fprintf(w, "# TYPE market_online gauge\n")
	fmt.Fprintf(w, "market_online %d\n", online)
}
