// Package observability carries the orchestrator's Prometheus collectors and
// the OpenTelemetry tracing bootstrap.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_assignments_total",
		Help: "Planet jobs dispatched to workers.",
	})

	AssignmentAbortsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_assignment_aborts_total",
		Help: "Assignment pairs abandoned mid-pass.",
	}, []string{"reason"})

	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_completions_total",
		Help: "Job outcomes reported by workers.",
	}, []string{"result"})

	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_frames_received_total",
		Help: "Inbound WebSocket frames by type.",
	}, []string{"type"})

	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_sessions_connected",
		Help: "Live worker sessions.",
	})

	PendingPlanets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_pending_planets",
		Help: "Members of the pending-due index.",
	})

	OrphansRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_orphans_recovered_total",
		Help: "Processing planets released from unreachable workers.",
	})

	StaleWorkersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_stale_workers_total",
		Help: "Workers whose heartbeat went stale.",
	})

	IndexRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_index_repairs_total",
		Help: "Pending-index drift repairs by direction.",
	}, []string{"direction"})
)
