// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HttpRequestsTotal counts HTTP requests handled by the node API.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_http_requests_total",
			Help: "Total number of http requests handled by the node API.",
		},
		[]string{"path", "method", "code"},
	)

	// JobsCreatedTotal counts jobs accepted by the dispatcher.
	JobsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobmesh_jobs_created_total",
		Help: "Total number of jobs accepted by the dispatcher.",
	})

	// DispatchCyclesTotal counts dispatch cycles run.
	DispatchCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobmesh_dispatch_cycles_total",
		Help: "Total number of dispatch cycles run by the dispatcher.",
	})

	// JobsDispatchedTotal counts job-to-worker assignments.
	JobsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "jobmesh_jobs_dispatched_total",
		Help: "Total number of jobs assigned to a worker.",
	})

	// JobOutcomesTotal counts retired jobs by outcome (completed, timed_out, worker_lost).
	JobOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_job_outcomes_total",
			Help: "Total number of jobs retired by the dispatcher, by outcome.",
		},
		[]string{"status"},
	)

	// StaleEventsTotal counts worker events ignored because their job was no longer active.
	StaleEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_stale_events_total",
			Help: "Worker events ignored because they referred to a job that is no longer active.",
		},
		[]string{"event"},
	)

	// PendingJobs is the dispatcher's queue depth.
	PendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobmesh_pending_jobs",
		Help: "Jobs waiting in the dispatch queue.",
	})

	// ActiveAssignments is the number of jobs currently assigned to a worker.
	ActiveAssignments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobmesh_active_assignments",
		Help: "Jobs currently assigned to a worker.",
	})

	// AvailableWorkers is the number of workers the dispatcher considers idle.
	AvailableWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jobmesh_available_workers",
		Help: "Workers the dispatcher considers idle.",
	})

	// PoolCapacity is the number of live worker slots per node. It drops when a
	// worker exhausts its restart budget.
	PoolCapacity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmesh_pool_capacity",
			Help: "Live worker slots in the node's worker pool.",
		},
		[]string{"node_id"},
	)

	// WorkerRestartsTotal counts supervised worker restarts.
	WorkerRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_worker_restarts_total",
			Help: "Total number of worker restarts performed by the pool supervisor.",
		},
		[]string{"node_id"},
	)

	// ForwardedEventsTotal counts worker events relayed to the cluster worker topic.
	ForwardedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_forwarded_events_total",
			Help: "Worker events relayed to the cluster-wide worker topic.",
		},
		[]string{"node_id"},
	)

	// NodeWorkers reports the stats collector's view of a node's workers.
	NodeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmesh_node_workers",
			Help: "Workers on this node by state, as seen by the stats collector.",
		},
		[]string{"node_id", "state"},
	)

	// NodeAverageExecutionSeconds is the stats collector's running average job execution time.
	NodeAverageExecutionSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmesh_node_average_execution_seconds",
			Help: "Average job execution time on this node.",
		},
		[]string{"node_id"},
	)

	// JobSubmissionsTotal counts client-side submissions by result.
	JobSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobmesh_client_submissions_total",
			Help: "Jobs submitted by the job client, by result.",
		},
		[]string{"result"},
	)

	// IsDispatcher marks whether this node currently hosts the dispatcher.
	IsDispatcher = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobmesh_is_dispatcher",
			Help: "Is this node currently hosting the dispatcher. 1 if so, 0 otherwise.",
		},
		[]string{"node_id"},
	)
)
