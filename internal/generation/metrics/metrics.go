package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks backend attempts by outcome and error kind
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_attempts_total",
			Help: "Total number of backend attempts",
		},
		[]string{"backend", "outcome", "kind"},
	)

	// AttemptLatency tracks wall time of a single backend attempt
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genrelay_attempt_latency_seconds",
			Help:    "Backend attempt latency in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"backend"},
	)

	// QuotaWaitSeconds tracks time spent blocked on quota capacity
	QuotaWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genrelay_quota_wait_seconds",
			Help:    "Time spent waiting for quota capacity",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 300, 3600},
		},
		[]string{"backend"},
	)

	// QuotaUsage tracks calls currently inside each quota window
	QuotaUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genrelay_quota_calls_in_window",
			Help: "Recorded calls inside the trailing quota window",
		},
		[]string{"backend", "window"},
	)

	// FailoversTotal tracks switches from one backend to another
	FailoversTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_failovers_total",
			Help: "Total number of backend failovers",
		},
		[]string{"from", "to"},
	)

	// TransitionsTotal tracks orchestrator state transitions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_orchestrator_transitions_total",
			Help: "Orchestrator state machine transitions",
		},
		[]string{"state"},
	)

	// DaemonRunsTotal tracks outer daemon runs by outcome
	DaemonRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_daemon_runs_total",
			Help: "Total number of continuous retry daemon runs",
		},
		[]string{"outcome"},
	)

	// StateCorruptTotal tracks persisted files that could not be read
	StateCorruptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_state_corrupt_total",
			Help: "Persisted state files found unreadable and treated as empty",
		},
		[]string{"file"},
	)

	// DeviceBusyTotal tracks local submissions rejected because the device was occupied
	DeviceBusyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genrelay_device_busy_total",
			Help: "Local submissions rejected as resource busy",
		},
		[]string{"device"},
	)
)
