// Package health supervises the shared accelerator worker.
//
// A watchdog polls the worker's health probe on a fixed interval and keeps
// a short rolling window of snapshots. Sustained memory pressure triggers
// a two-stage recovery: first a soft recovery that asks the worker to shed
// optional capability and transient buffers, then, if pressure persists, a
// cooldown-bounded worker restart. A restart that fails to come back
// healthy marks the accelerator unavailable so the scheduler rejects new
// tasks until a healthy poll is observed again.
package health

import (
	"context"
	"time"
)

// Snapshot is one observation of accelerator worker health.
type Snapshot struct {
	// Timestamp is when the probe responded.
	Timestamp time.Time

	// MemoryPct is accelerator memory in use, 0-100.
	MemoryPct float64

	// TemperatureC is the die temperature in Celsius.
	TemperatureC float64

	// UtilizationPct is compute utilization, 0-100.
	UtilizationPct float64
}

// Probe reads the accelerator worker's current health.
type Probe interface {
	Probe(ctx context.Context) (Snapshot, error)
}

// WorkerController performs recovery actions on the accelerator worker.
type WorkerController interface {
	// SoftRecover asks the worker to unload optional capability and free
	// transient buffers without dropping in-flight work.
	SoftRecover(ctx context.Context) error

	// Restart kills and relaunches the worker process. In-flight work is
	// lost; the caller aborts it first.
	Restart(ctx context.Context) error
}

// TaskGate is the scheduler-side availability switch.
// *scheduler.Scheduler implements it.
type TaskGate interface {
	// SetAvailable opens or closes admission of new tasks.
	SetAvailable(available bool)

	// AbortInFlight resolves all executing tasks as timed out.
	AbortInFlight()
}
