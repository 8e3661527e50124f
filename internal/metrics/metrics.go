package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LogsIngested counts classified rows written by the synchronizer
	LogsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_logs_ingested_total",
			Help: "Total number of classified log rows ingested",
		},
		[]string{"chain", "kind"},
	)

	// SyncedBlock tracks the committed sync cursor per chain
	SyncedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_synced_block",
			Help: "Last durably synced block number by chain",
		},
		[]string{"chain"},
	)

	// JobErrors counts job failures caught by the scheduler
	JobErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_job_errors_total",
			Help: "Total number of job errors by job name",
		},
		[]string{"chain", "job"},
	)

	// JobTicks counts completed job runs
	JobTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_job_ticks_total",
			Help: "Total number of completed job runs",
		},
		[]string{"chain", "job"},
	)

	// CommittedDigests tracks the committed-but-unrevealed randomness buffer
	CommittedDigests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coordinator_committed_digests",
			Help: "Committed-but-unrevealed digest buffer size by chain",
		},
		[]string{"chain"},
	)

	// MintsSubmitted counts loot-box mint submissions
	MintsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_mints_submitted_total",
			Help: "Total number of mint submissions by status",
		},
		[]string{"chain", "status"},
	)

	// Reveals counts oracle reveal outcomes
	Reveals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_reveals_total",
			Help: "Total number of digest reveals by status",
		},
		[]string{"chain", "status"},
	)

	// TransfersReconciled counts ownership reconciliation outcomes
	TransfersReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_transfers_reconciled_total",
			Help: "Total number of reconciled NFT transfers by status",
		},
		[]string{"chain", "status"},
	)
)
