package wake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/voicekit/config"
)

func testConfig() config.WakeConfig {
	return config.WakeConfig{
		ArbitrationWindow: 50 * time.Millisecond,
		ConfidenceFloor:   0.4,
		EventsPerSecond:   0, // unlimited unless a test opts in
	}
}

// submitAll submits events concurrently and returns results keyed by event ID.
func submitAll(t *testing.T, a *Arbitrator, evs ...Event) map[string]Result {
	t.Helper()

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]Result, len(evs))

	for _, ev := range evs {
		wg.Add(1)
		go func(ev Event) {
			defer wg.Done()
			res, err := a.Submit(context.Background(), ev)
			require.NoError(t, err)
			mu.Lock()
			results[ev.ID] = res
			mu.Unlock()
		}(ev)
	}
	wg.Wait()
	return results
}

func TestArbitrationHighestConfidenceWins(t *testing.T) {
	a := NewArbitrator(testConfig(), nil)
	defer a.Close()

	base := time.Now()
	results := submitAll(t, a,
		Event{ID: "e1", DeviceID: "kitchen", Room: "living", Confidence: 0.81, Energy: 0.5, Timestamp: base},
		Event{ID: "e2", DeviceID: "tv", Room: "living", Confidence: 0.93, Energy: 0.3, Timestamp: base.Add(100 * time.Millisecond)},
		Event{ID: "e3", DeviceID: "speaker", Room: "living", Confidence: 0.76, Energy: 0.9, Timestamp: base.Add(200 * time.Millisecond)},
	)

	require.Len(t, results, 3)
	assert.True(t, results["e2"].ShouldRespond)
	assert.Equal(t, ReasonWon, results["e2"].Reason)
	assert.False(t, results["e1"].ShouldRespond)
	assert.False(t, results["e3"].ShouldRespond)
	assert.Equal(t, ReasonLost, results["e1"].Reason)
}

func TestArbitrationExactlyOneWinner(t *testing.T) {
	a := NewArbitrator(testConfig(), nil)
	defer a.Close()

	evs := make([]Event, 0, 8)
	for i := 0; i < 8; i++ {
		evs = append(evs, Event{
			ID:         string(rune('a' + i)),
			DeviceID:   "dev" + string(rune('a'+i)),
			Room:       "office",
			Confidence: 0.5 + float64(i%4)*0.1,
			Energy:     float64(i) * 0.1,
			Timestamp:  time.Now(),
		})
	}
	results := submitAll(t, a, evs...)

	winners := 0
	for _, res := range results {
		if res.ShouldRespond {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestArbitrationTieBreaksByEnergyThenTimestamp(t *testing.T) {
	base := time.Now()

	t.Run("energy breaks confidence tie", func(t *testing.T) {
		a := NewArbitrator(testConfig(), nil)
		defer a.Close()
		results := submitAll(t, a,
			Event{ID: "low", DeviceID: "d1", Room: "r", Confidence: 0.9, Energy: 0.2, Timestamp: base},
			Event{ID: "high", DeviceID: "d2", Room: "r", Confidence: 0.9, Energy: 0.8, Timestamp: base.Add(time.Millisecond)},
		)
		assert.True(t, results["high"].ShouldRespond)
		assert.False(t, results["low"].ShouldRespond)
	})

	t.Run("timestamp breaks full tie", func(t *testing.T) {
		a := NewArbitrator(testConfig(), nil)
		defer a.Close()
		results := submitAll(t, a,
			Event{ID: "late", DeviceID: "d1", Room: "r", Confidence: 0.9, Energy: 0.5, Timestamp: base.Add(time.Millisecond)},
			Event{ID: "early", DeviceID: "d2", Room: "r", Confidence: 0.9, Energy: 0.5, Timestamp: base},
		)
		assert.True(t, results["early"].ShouldRespond)
		assert.False(t, results["late"].ShouldRespond)
	})

	t.Run("device id breaks identical events", func(t *testing.T) {
		// Fully tied candidates must resolve the same way regardless of
		// submission order.
		evA := Event{ID: "ea", DeviceID: "alpha", Room: "r", Confidence: 0.9, Energy: 0.5, Timestamp: base}
		evB := Event{ID: "eb", DeviceID: "beta", Room: "r", Confidence: 0.9, Energy: 0.5, Timestamp: base}

		assert.True(t, beats(evA, evB))
		assert.False(t, beats(evB, evA))

		a := NewArbitrator(testConfig(), nil)
		defer a.Close()
		results := submitAll(t, a, evB, evA)
		assert.True(t, results["ea"].ShouldRespond)
		assert.False(t, results["eb"].ShouldRespond)
	})
}

func TestUntaggedDevicesNeverCompete(t *testing.T) {
	a := NewArbitrator(testConfig(), nil)
	defer a.Close()

	results := submitAll(t, a,
		Event{ID: "e1", DeviceID: "bedroom", Confidence: 0.6, Timestamp: time.Now()},
		Event{ID: "e2", DeviceID: "garage", Confidence: 0.9, Timestamp: time.Now()},
	)

	// Both are alone in their own space, so both win.
	assert.True(t, results["e1"].ShouldRespond)
	assert.True(t, results["e2"].ShouldRespond)
}

func TestBelowConfidenceFloorDropped(t *testing.T) {
	a := NewArbitrator(testConfig(), nil)
	defer a.Close()

	res, err := a.Submit(context.Background(), Event{
		ID: "weak", DeviceID: "d1", Room: "r", Confidence: 0.2,
	})
	require.ErrorIs(t, err, ErrAmbiguous)
	assert.False(t, res.ShouldRespond)
	assert.Equal(t, ReasonBelowFloor, res.Reason)
}

func TestRateLimitDropsExcessEvents(t *testing.T) {
	cfg := testConfig()
	cfg.EventsPerSecond = 1
	cfg.Burst = 1
	a := NewArbitrator(cfg, nil)
	defer a.Close()

	first, err := a.Submit(context.Background(), Event{ID: "e1", DeviceID: "noisy", Confidence: 0.9})
	require.NoError(t, err)
	assert.True(t, first.ShouldRespond)

	second, err := a.Submit(context.Background(), Event{ID: "e2", DeviceID: "noisy", Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, second.ShouldRespond)
	assert.Equal(t, ReasonRateLimited, second.Reason)
}

func TestSubmitRespectsContextCancellation(t *testing.T) {
	cfg := testConfig()
	cfg.ArbitrationWindow = time.Minute
	a := NewArbitrator(cfg, nil)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Submit(ctx, Event{ID: "e1", DeviceID: "d1", Room: "r", Confidence: 0.9})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseResolvesOpenWindows(t *testing.T) {
	cfg := testConfig()
	cfg.ArbitrationWindow = time.Minute
	a := NewArbitrator(cfg, nil)

	done := make(chan Result, 1)
	go func() {
		res, err := a.Submit(context.Background(), Event{ID: "e1", DeviceID: "d1", Room: "r", Confidence: 0.9})
		require.NoError(t, err)
		done <- res
	}()

	// Give the submission time to enter the window.
	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case res := <-done:
		assert.True(t, res.ShouldRespond)
	case <-time.After(time.Second):
		t.Fatal("Close did not resolve the open window")
	}

	_, err := a.Submit(context.Background(), Event{ID: "e2", DeviceID: "d1", Room: "r", Confidence: 0.9})
	require.ErrorIs(t, err, ErrClosed)
}
