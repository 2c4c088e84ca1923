package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/events"
	"github.com/AuralisLabs/voicekit/logger"
)

// ErrUnhealthy is returned by WaitHealthy when the worker did not report
// healthy within the bounded wait after a restart.
var ErrUnhealthy = errors.New("accelerator worker unhealthy")

const (
	// consecutiveHighPolls is how many high-memory polls in a row arm a
	// recovery. A single spike during a large synthesis is normal.
	consecutiveHighPolls = 2

	// snapshotWindow is the number of recent snapshots retained.
	snapshotWindow = 12

	// recheckDelay is how long a soft recovery gets to take effect before
	// the re-probe.
	recheckDelay = 2 * time.Second

	// healthWaitAttempts bounds the post-restart health wait.
	healthWaitAttempts = 5

	// healthWaitDelay is the pause between post-restart probes.
	healthWaitDelay = time.Second
)

// Watchdog polls accelerator health and drives recovery.
type Watchdog struct {
	cfg        config.AcceleratorConfig
	probe      Probe
	controller WorkerController
	gate       TaskGate
	bus        *events.Bus

	// clock hooks, replaceable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	mu             sync.Mutex
	window         []Snapshot
	highStreak     int
	probeFailures  int
	lastSoft       time.Time
	lastHard       time.Time
	softRecoveries int
	hardRecoveries int
	unavailable    bool
}

// NewWatchdog creates a Watchdog. gate and bus may be nil.
func NewWatchdog(cfg config.AcceleratorConfig, probe Probe, controller WorkerController, gate TaskGate, bus *events.Bus) *Watchdog {
	return &Watchdog{
		cfg:        cfg,
		probe:      probe,
		controller: controller,
		gate:       gate,
		bus:        bus,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Run polls until ctx is done. It blocks; run it in its own goroutine.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HealthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll performs one probe-and-react cycle.
func (w *Watchdog) Poll(ctx context.Context) {
	snap, err := w.probe.Probe(ctx)
	if err != nil {
		w.onProbeFailure(ctx, err)
		return
	}
	w.onSnapshot(ctx, snap)
}

// Recoveries returns the soft and hard recovery counts.
func (w *Watchdog) Recoveries() (soft, hard int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.softRecoveries, w.hardRecoveries
}

// Unavailable reports whether the worker is currently marked down.
func (w *Watchdog) Unavailable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.unavailable
}

// Window returns a copy of the recent snapshot window, oldest first.
func (w *Watchdog) Window() []Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Snapshot, len(w.window))
	copy(out, w.window)
	return out
}

func (w *Watchdog) onProbeFailure(ctx context.Context, err error) {
	w.mu.Lock()
	w.probeFailures++
	failures := w.probeFailures
	alreadyDown := w.unavailable
	if failures >= consecutiveHighPolls {
		w.unavailable = true
	}
	down := w.unavailable
	w.mu.Unlock()

	logger.WarnContext(ctx, "accelerator probe failed", "error", err, "consecutive_failures", failures)
	if down && !alreadyDown {
		w.markUnavailable(ctx, Snapshot{})
	}
}

func (w *Watchdog) onSnapshot(ctx context.Context, snap Snapshot) {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = w.now()
	}

	w.mu.Lock()
	w.probeFailures = 0
	w.window = append(w.window, snap)
	if len(w.window) > snapshotWindow {
		w.window = w.window[1:]
	}

	wasDown := w.unavailable
	high := snap.MemoryPct > w.cfg.MemoryThresholdPct
	if high {
		w.highStreak++
	} else {
		w.highStreak = 0
		w.unavailable = false
	}
	streak := w.highStreak
	w.mu.Unlock()

	if wasDown && !high {
		logger.InfoContext(ctx, "accelerator healthy again", "memory_pct", snap.MemoryPct)
		if w.gate != nil {
			w.gate.SetAvailable(true)
		}
	}

	if streak >= consecutiveHighPolls {
		w.recover(ctx, snap)
	}
}

// recover runs the soft-then-hard recovery ladder for sustained memory
// pressure.
func (w *Watchdog) recover(ctx context.Context, before Snapshot) {
	w.mu.Lock()
	w.highStreak = 0
	now := w.now()
	if now.Sub(w.lastSoft) < w.cfg.SoftRecoveryCooldown {
		w.mu.Unlock()
		logger.DebugContext(ctx, "soft recovery suppressed by cooldown", "memory_pct", before.MemoryPct)
		return
	}
	w.lastSoft = now
	w.softRecoveries++
	attempt := w.softRecoveries
	w.mu.Unlock()

	if err := w.controller.SoftRecover(ctx); err != nil {
		logger.ErrorContext(ctx, "soft recovery failed", "error", err)
	}
	w.sleep(ctx, recheckDelay)

	after, err := w.probe.Probe(ctx)
	if err != nil {
		logger.WarnContext(ctx, "re-probe after soft recovery failed", "error", err)
		after = before
	}

	logger.RecoveryEvent("soft", before.MemoryPct, after.MemoryPct, "attempt", attempt)
	w.emitRecovery(events.EventRecoverySoft, before, after, attempt)

	if after.MemoryPct <= w.cfg.MemoryThresholdPct {
		return
	}
	w.hardRecover(ctx, after)
}

// hardRecover restarts the worker, bounded by the hard cooldown, and waits
// a bounded time for it to come back healthy.
func (w *Watchdog) hardRecover(ctx context.Context, before Snapshot) {
	w.mu.Lock()
	now := w.now()
	if now.Sub(w.lastHard) < w.cfg.HardRecoveryCooldown {
		w.mu.Unlock()
		logger.WarnContext(ctx, "hard recovery suppressed by cooldown", "memory_pct", before.MemoryPct)
		return
	}
	w.lastHard = now
	w.hardRecoveries++
	attempt := w.hardRecoveries
	w.mu.Unlock()

	if w.gate != nil {
		w.gate.SetAvailable(false)
		w.gate.AbortInFlight()
	}

	if err := w.controller.Restart(ctx); err != nil {
		logger.ErrorContext(ctx, "worker restart failed", "error", err)
		w.markUnavailable(ctx, before)
		return
	}

	after, err := w.waitHealthy(ctx)
	if err != nil {
		w.markUnavailable(ctx, before)
		return
	}

	w.mu.Lock()
	w.unavailable = false
	w.mu.Unlock()
	if w.gate != nil {
		w.gate.SetAvailable(true)
	}

	logger.RecoveryEvent("hard", before.MemoryPct, after.MemoryPct, "attempt", attempt)
	w.emitRecovery(events.EventRecoveryHard, before, after, attempt)
}

// waitHealthy probes the restarted worker a bounded number of times.
func (w *Watchdog) waitHealthy(ctx context.Context) (Snapshot, error) {
	for i := 0; i < healthWaitAttempts; i++ {
		if i > 0 {
			w.sleep(ctx, healthWaitDelay)
		}
		snap, err := w.probe.Probe(ctx)
		if err == nil && snap.MemoryPct <= w.cfg.MemoryThresholdPct {
			return snap, nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Snapshot{}, ErrUnhealthy
}

// markUnavailable parks the accelerator in the down state. The scheduler
// keeps rejecting until a later healthy poll clears it.
func (w *Watchdog) markUnavailable(ctx context.Context, before Snapshot) {
	w.mu.Lock()
	w.unavailable = true
	attempt := w.hardRecoveries
	w.mu.Unlock()

	if w.gate != nil {
		w.gate.SetAvailable(false)
	}
	logger.ErrorContext(ctx, "accelerator marked unavailable", "memory_pct", before.MemoryPct)
	w.emitRecovery(events.EventRecoveryUnavailable, before, Snapshot{}, attempt)
}

func (w *Watchdog) emitRecovery(eventType events.EventType, before, after Snapshot, attempt int) {
	if w.bus == nil {
		return
	}
	w.bus.Emit(eventType, &events.RecoveryData{
		MemoryBeforePct: before.MemoryPct,
		MemoryAfterPct:  after.MemoryPct,
		Attempt:         attempt,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
