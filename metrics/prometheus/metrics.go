// Package prometheus provides Prometheus metrics for the voicekit runtime.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "voicekit"

var (
	// sessionsActive is a gauge of currently active sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		},
	)

	// sessionsEndedTotal is a counter of ended sessions by reason.
	sessionsEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Total number of ended sessions",
		},
		[]string{"reason"}, // explicit, timeout, evicted_for_new_session
	)

	// taskQueueDepth is a gauge of queued accelerator tasks by priority.
	taskQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_queue_depth",
			Help:      "Number of queued accelerator tasks by priority class",
		},
		[]string{"priority"}, // high, normal, low
	)

	// taskQueueWait is a histogram of time tasks spend queued.
	taskQueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_wait_seconds",
			Help:      "Time accelerator tasks spend queued before dispatch",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind", "priority"},
	)

	// taskExecution is a histogram of task execution duration.
	taskExecution = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_seconds",
			Help:      "Accelerator task execution duration in seconds",
			Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	// tasksTotal is a counter of resolved accelerator tasks.
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of resolved accelerator tasks",
		},
		[]string{"kind", "status"}, // status: completed, failed, cancelled
	)

	// wakeEventsTotal is a counter of arbitrated wake events.
	wakeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_events_total",
			Help:      "Total number of wake events by arbitration decision",
		},
		[]string{"decision"}, // accepted, suppressed, dropped
	)

	// turnsTotal is a counter of finalized turns.
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of finalized turns",
		},
		[]string{"result"}, // completed, timeout
	)

	// turnSilence is a histogram of the pause that closed each turn.
	turnSilence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_silence_seconds",
			Help:      "Trailing silence observed when a turn was finalized",
			Buckets:   []float64{.3, .5, .7, .9, 1.1, 1.3, 1.5, 2, 4},
		},
	)

	// bargeInsTotal is a counter of confirmed barge-ins.
	bargeInsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Total number of confirmed barge-ins",
		},
	)

	// recoveriesTotal is a counter of accelerator recovery actions.
	recoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accelerator_recoveries_total",
			Help:      "Total number of accelerator recovery actions",
		},
		[]string{"kind"}, // soft, hard, unavailable
	)

	// acceleratorMemoryPct is a gauge of accelerator memory in use.
	acceleratorMemoryPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accelerator_memory_percent",
			Help:      "Accelerator memory in use, 0-100",
		},
	)

	// acceleratorTemperature is a gauge of accelerator die temperature.
	acceleratorTemperature = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accelerator_temperature_celsius",
			Help:      "Accelerator die temperature in Celsius",
		},
	)

	// acceleratorUtilization is a gauge of accelerator compute utilization.
	acceleratorUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accelerator_utilization_percent",
			Help:      "Accelerator compute utilization, 0-100",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionsEndedTotal,
		taskQueueDepth,
		taskQueueWait,
		taskExecution,
		tasksTotal,
		wakeEventsTotal,
		turnsTotal,
		turnSilence,
		bargeInsTotal,
		recoveriesTotal,
		acceleratorMemoryPct,
		acceleratorTemperature,
		acceleratorUtilization,
	}
)

// SetActiveSessions records the current active session count.
func SetActiveSessions(n int) {
	sessionsActive.Set(float64(n))
}

// RecordSessionEnd records a session ending with the given reason.
func RecordSessionEnd(reason string) {
	sessionsEndedTotal.WithLabelValues(reason).Inc()
}

// SetTaskQueueDepth records the queue depth for a priority class.
func SetTaskQueueDepth(priority string, depth int) {
	taskQueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordTask records a resolved accelerator task.
func RecordTask(kind, priority, status string, queuedSeconds, executedSeconds float64) {
	tasksTotal.WithLabelValues(kind, status).Inc()
	if queuedSeconds >= 0 {
		taskQueueWait.WithLabelValues(kind, priority).Observe(queuedSeconds)
	}
	if executedSeconds > 0 {
		taskExecution.WithLabelValues(kind).Observe(executedSeconds)
	}
}

// RecordWakeEvent records a wake arbitration decision.
func RecordWakeEvent(decision string) {
	wakeEventsTotal.WithLabelValues(decision).Inc()
}

// RecordTurn records a finalized turn.
func RecordTurn(result string, silenceSeconds float64) {
	turnsTotal.WithLabelValues(result).Inc()
	if silenceSeconds > 0 {
		turnSilence.Observe(silenceSeconds)
	}
}

// RecordBargeIn records a confirmed barge-in.
func RecordBargeIn() {
	bargeInsTotal.Inc()
}

// RecordRecovery records an accelerator recovery action.
func RecordRecovery(kind string) {
	recoveriesTotal.WithLabelValues(kind).Inc()
}

// SetAcceleratorHealth records the latest accelerator health snapshot.
func SetAcceleratorHealth(memoryPct, temperatureC, utilizationPct float64) {
	acceleratorMemoryPct.Set(memoryPct)
	acceleratorTemperature.Set(temperatureC)
	acceleratorUtilization.Set(utilizationPct)
}
