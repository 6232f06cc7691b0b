package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine activity for the /metrics endpoint.
type Metrics struct {
	TasksStarted       prometheus.Counter
	TasksCompleted     prometheus.Counter
	TasksFailed        prometheus.Counter
	StepsExecuted      prometheus.Counter
	StepFailures       prometheus.Counter
	Recoveries         prometheus.Counter
	CommitsWritten     prometheus.Counter
	ValidationRetries  prometheus.Counter
	PlanUpdatesApplied prometheus.Counter
}

// NewMetrics registers the engine counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_tasks_started_total",
			Help: "Tasks created.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_tasks_completed_total",
			Help: "Tasks that bound final_answer.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_tasks_failed_total",
			Help: "Tasks that ended errored after exhausting recovery.",
		}),
		StepsExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_steps_executed_total",
			Help: "Plan instructions dispatched.",
		}),
		StepFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_step_failures_total",
			Help: "Plan instructions that ended in an error.",
		}),
		Recoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_recoveries_total",
			Help: "Recovery branches forked after step failures.",
		}),
		CommitsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_commits_written_total",
			Help: "Commits appended to the store.",
		}),
		ValidationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_plan_validation_retries_total",
			Help: "Generated plans rejected by static validation.",
		}),
		PlanUpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "stackvm_plan_updates_total",
			Help: "Plan updates applied, including dynamic updates and step optimizations.",
		}),
	}
}

// NopMetrics returns counters bound to a throwaway registry.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
