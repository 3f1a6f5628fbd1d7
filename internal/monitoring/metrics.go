package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session lifecycle
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boopd_sessions_active",
		Help: "Current number of live boop sessions",
	})
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_sessions_total",
		Help: "Total boop sessions accepted",
	})
	SessionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_session_closes_total",
		Help: "Session closes by close code",
	}, []string{"code"})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_connections_rejected_total",
		Help: "Upgrade attempts rejected before a session started",
	}, []string{"reason"})

	// Boop admission
	BoopsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_boops_admitted_total",
		Help: "Boops admitted across all sessions",
	})
	BoopsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_boops_rejected_total",
		Help: "Boops rejected by limiting window",
	}, []string{"window"})
	InvalidFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_invalid_frames_total",
		Help: "Inbound frames that failed to decode",
	})
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_heartbeat_timeouts_total",
		Help: "Sessions closed for missing heartbeats",
	})

	// Store reconciliation
	GBCSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_gbc_syncs_total",
		Help: "Atomic adds issued against the global counter",
	}, []string{"outcome"})
	GBCSyncDelta = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boopd_gbc_sync_delta",
		Help:    "Boops coalesced into one global counter add",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
	BPHAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_bph_appends_total",
		Help: "Hourly ledger appends",
	}, []string{"outcome"})
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_store_errors_total",
		Help: "Store operation failures by operation",
	}, []string{"op"})

	// Process and host resources, fed by SampleSystem
	ProcessMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boopd_process_memory_bytes",
		Help: "Resident set size of the server process",
	})
	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boopd_process_cpu_percent",
		Help: "CPU usage of the server process",
	})
	SystemMemoryUsedPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boopd_system_memory_used_percent",
		Help: "Host memory in use",
	})

	// Janitor
	JanitorRemovals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boopd_janitor_removals_total",
		Help: "Stale or malformed ledger keys removed by the janitor",
	})
	JanitorSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boopd_janitor_sweeps_total",
		Help: "Janitor sweeps by outcome",
	}, []string{"outcome"})
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
