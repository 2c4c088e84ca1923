package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/voicekit/config"
)

// scriptedProbe returns queued snapshots, then the fallback forever.
type scriptedProbe struct {
	queue    []Snapshot
	errs     []error
	fallback Snapshot
	calls    int
}

func (p *scriptedProbe) Probe(ctx context.Context) (Snapshot, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return Snapshot{}, err
		}
	}
	if len(p.queue) > 0 {
		snap := p.queue[0]
		p.queue = p.queue[1:]
		return snap, nil
	}
	return p.fallback, nil
}

type fakeController struct {
	softCalls    int
	restartCalls int
	restartErr   error
}

func (c *fakeController) SoftRecover(ctx context.Context) error { c.softCalls++; return nil }
func (c *fakeController) Restart(ctx context.Context) error {
	c.restartCalls++
	return c.restartErr
}

type fakeGate struct {
	availability []bool
	aborts       int
}

func (g *fakeGate) SetAvailable(available bool) { g.availability = append(g.availability, available) }
func (g *fakeGate) AbortInFlight()              { g.aborts++ }

func testWatchdogConfig() config.AcceleratorConfig {
	return config.AcceleratorConfig{
		MaxConcurrent:        2,
		TaskTimeout:          10 * time.Second,
		HealthPollInterval:   5 * time.Second,
		MemoryThresholdPct:   95,
		SoftRecoveryCooldown: 15 * time.Second,
		HardRecoveryCooldown: 60 * time.Second,
	}
}

func newTestWatchdog(probe *scriptedProbe, controller *fakeController, gate *fakeGate) *Watchdog {
	w := NewWatchdog(testWatchdogConfig(), probe, controller, gate, nil)
	w.sleep = func(ctx context.Context, d time.Duration) {}
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	return w
}

func mem(pct float64) Snapshot {
	return Snapshot{MemoryPct: pct, TemperatureC: 60, UtilizationPct: 40}
}

func TestHealthyPollsNoRecovery(t *testing.T) {
	probe := &scriptedProbe{fallback: mem(40)}
	controller := &fakeController{}
	w := newTestWatchdog(probe, controller, &fakeGate{})

	for i := 0; i < 4; i++ {
		w.Poll(context.Background())
	}

	soft, hard := w.Recoveries()
	assert.Zero(t, soft)
	assert.Zero(t, hard)
	assert.Zero(t, controller.softCalls)
	assert.Len(t, w.Window(), 4)
}

func TestSingleSpikeDoesNotRecover(t *testing.T) {
	probe := &scriptedProbe{queue: []Snapshot{mem(97), mem(60)}, fallback: mem(60)}
	controller := &fakeController{}
	w := newTestWatchdog(probe, controller, &fakeGate{})

	w.Poll(context.Background())
	w.Poll(context.Background())

	assert.Zero(t, controller.softCalls)
}

func TestSustainedPressureSoftRecovers(t *testing.T) {
	// Two high polls, then the post-soft re-probe shows relief.
	probe := &scriptedProbe{queue: []Snapshot{mem(97), mem(96), mem(70)}, fallback: mem(70)}
	controller := &fakeController{}
	gate := &fakeGate{}
	w := newTestWatchdog(probe, controller, gate)

	w.Poll(context.Background())
	w.Poll(context.Background())

	assert.Equal(t, 1, controller.softCalls)
	assert.Zero(t, controller.restartCalls)
	soft, hard := w.Recoveries()
	assert.Equal(t, 1, soft)
	assert.Zero(t, hard)
	// No availability flapping on a successful soft recovery.
	assert.Empty(t, gate.availability)
}

func TestPersistentPressureHardRecovers(t *testing.T) {
	// High, high, re-probe still high, then healthy after restart.
	probe := &scriptedProbe{queue: []Snapshot{mem(97), mem(98), mem(97), mem(50)}, fallback: mem(50)}
	controller := &fakeController{}
	gate := &fakeGate{}
	w := newTestWatchdog(probe, controller, gate)

	w.Poll(context.Background())
	w.Poll(context.Background())

	assert.Equal(t, 1, controller.softCalls)
	assert.Equal(t, 1, controller.restartCalls)
	assert.Equal(t, 1, gate.aborts)
	// Closed for the restart, reopened once healthy.
	assert.Equal(t, []bool{false, true}, gate.availability)

	soft, hard := w.Recoveries()
	assert.Equal(t, 1, soft)
	assert.Equal(t, 1, hard)
	assert.False(t, w.Unavailable())
}

func TestFailedRestartMarksUnavailable(t *testing.T) {
	probe := &scriptedProbe{fallback: mem(98)}
	controller := &fakeController{restartErr: errors.New("spawn failed")}
	gate := &fakeGate{}
	w := newTestWatchdog(probe, controller, gate)

	w.Poll(context.Background())
	w.Poll(context.Background())

	require.True(t, w.Unavailable())
	// Closed for the restart, then confirmed down; never reopened.
	assert.Equal(t, []bool{false, false}, gate.availability)

	// A later healthy poll restores availability.
	probe.fallback = mem(40)
	w.Poll(context.Background())
	assert.False(t, w.Unavailable())
	assert.Equal(t, []bool{false, false, true}, gate.availability)
}

func TestUnhealthyAfterRestartMarksUnavailable(t *testing.T) {
	// Memory never drops: the bounded post-restart wait gives up.
	probe := &scriptedProbe{fallback: mem(98)}
	controller := &fakeController{}
	gate := &fakeGate{}
	w := newTestWatchdog(probe, controller, gate)

	w.Poll(context.Background())
	w.Poll(context.Background())

	assert.Equal(t, 1, controller.restartCalls)
	assert.True(t, w.Unavailable())
}

func TestSoftRecoveryCooldown(t *testing.T) {
	probe := &scriptedProbe{queue: []Snapshot{mem(97), mem(96), mem(70)}, fallback: mem(97)}
	controller := &fakeController{}
	w := newTestWatchdog(probe, controller, &fakeGate{})

	w.Poll(context.Background())
	w.Poll(context.Background())
	require.Equal(t, 1, controller.softCalls)

	// Pressure returns immediately; the clock has not moved, so the
	// cooldown suppresses a second soft recovery.
	w.Poll(context.Background())
	w.Poll(context.Background())
	assert.Equal(t, 1, controller.softCalls)
}

func TestProbeFailuresMarkUnavailable(t *testing.T) {
	probe := &scriptedProbe{
		errs:     []error{errors.New("timeout"), errors.New("timeout")},
		fallback: mem(40),
	}
	gate := &fakeGate{}
	w := newTestWatchdog(probe, &fakeController{}, gate)

	w.Poll(context.Background())
	assert.False(t, w.Unavailable())
	w.Poll(context.Background())
	assert.True(t, w.Unavailable())

	// Probe comes back: availability restored.
	w.Poll(context.Background())
	assert.False(t, w.Unavailable())
}

func TestWindowBounded(t *testing.T) {
	probe := &scriptedProbe{fallback: mem(40)}
	w := newTestWatchdog(probe, &fakeController{}, &fakeGate{})

	for i := 0; i < snapshotWindow+5; i++ {
		w.Poll(context.Background())
	}
	assert.Len(t, w.Window(), snapshotWindow)
}
