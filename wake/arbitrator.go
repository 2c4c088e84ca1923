package wake

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/events"
	"github.com/AuralisLabs/voicekit/logger"
)

// ErrAmbiguous is returned when a wake event falls below the confidence
// floor and no candidate remains for its space.
var ErrAmbiguous = errors.New("wake arbitration ambiguous: no candidate above confidence floor")

// ErrClosed is returned when submitting to a closed arbitrator.
var ErrClosed = errors.New("wake arbitrator closed")

// pending pairs a candidate event with the channel its submitter awaits.
type pending struct {
	ev Event
	ch chan Result
}

// window collects competing candidates for one space until its timer fires.
type window struct {
	candidates []pending
	timer      *time.Timer
}

// Arbitrator resolves wake events within sliding per-space windows.
type Arbitrator struct {
	cfg config.WakeConfig
	bus *events.Bus

	mu       sync.Mutex
	windows  map[string]*window
	limiters map[string]*rate.Limiter
	closed   bool
}

// NewArbitrator creates an Arbitrator with the given configuration.
// bus may be nil to disable event publication.
func NewArbitrator(cfg config.WakeConfig, bus *events.Bus) *Arbitrator {
	return &Arbitrator{
		cfg:      cfg,
		bus:      bus,
		windows:  make(map[string]*window),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Submit enters an event into arbitration and blocks until its window
// resolves or ctx is done. Events below the confidence floor and events
// exceeding the per-device rate limit resolve immediately without entering
// a window.
func (a *Arbitrator) Submit(ctx context.Context, ev Event) (Result, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if !a.allow(ev.DeviceID) {
		res := Result{EventID: ev.ID, DeviceID: ev.DeviceID, Reason: ReasonRateLimited}
		a.emitDropped(ev, ReasonRateLimited)
		return res, nil
	}

	if ev.Confidence < a.cfg.ConfidenceFloor {
		res := Result{EventID: ev.ID, DeviceID: ev.DeviceID, Reason: ReasonBelowFloor}
		a.emitDropped(ev, ReasonBelowFloor)
		return res, ErrAmbiguous
	}

	ch, err := a.enqueue(ev)
	if err != nil {
		return Result{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// enqueue places the event into its space's open window, opening one if needed.
func (a *Arbitrator) enqueue(ev Event) (chan Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}

	space := ev.space()
	ch := make(chan Result, 1)

	w, open := a.windows[space]
	if !open {
		w = &window{}
		w.timer = time.AfterFunc(a.cfg.ArbitrationWindow, func() {
			a.resolve(space)
		})
		a.windows[space] = w
	}
	w.candidates = append(w.candidates, pending{ev: ev, ch: ch})

	return ch, nil
}

// resolve closes the window for a space, picks the winner, and answers
// every candidate.
func (a *Arbitrator) resolve(space string) {
	a.mu.Lock()
	w, ok := a.windows[space]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.windows, space)
	a.mu.Unlock()

	winner := pickWinner(w.candidates)
	for _, p := range w.candidates {
		res := Result{
			EventID:       p.ev.ID,
			DeviceID:      p.ev.DeviceID,
			ShouldRespond: p.ev.ID == winner.ID,
			Reason:        ReasonLost,
		}
		if res.ShouldRespond {
			res.Reason = ReasonWon
		}
		p.ch <- res

		logger.WakeDecision(p.ev.ID, p.ev.DeviceID, res.ShouldRespond, res.Reason,
			"confidence", p.ev.Confidence, "room", p.ev.Room)
		a.emitDecision(p.ev, res)
	}
}

// pickWinner selects the highest-confidence candidate; ties break by higher
// energy, then earliest timestamp, then lowest device ID so the outcome
// never depends on submission order. candidates is never empty.
func pickWinner(candidates []pending) Event {
	winner := candidates[0].ev
	for _, p := range candidates[1:] {
		if beats(p.ev, winner) {
			winner = p.ev
		}
	}
	return winner
}

func beats(ev, winner Event) bool {
	if ev.Confidence != winner.Confidence {
		return ev.Confidence > winner.Confidence
	}
	if ev.Energy != winner.Energy {
		return ev.Energy > winner.Energy
	}
	if !ev.Timestamp.Equal(winner.Timestamp) {
		return ev.Timestamp.Before(winner.Timestamp)
	}
	return ev.DeviceID < winner.DeviceID
}

// allow applies the per-device ingestion rate limit.
func (a *Arbitrator) allow(deviceID string) bool {
	if a.cfg.EventsPerSecond <= 0 {
		return true
	}

	a.mu.Lock()
	limiter, ok := a.limiters[deviceID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(a.cfg.EventsPerSecond), a.cfg.Burst)
		a.limiters[deviceID] = limiter
	}
	a.mu.Unlock()

	return limiter.Allow()
}

// Close resolves all open windows immediately and rejects further submissions.
func (a *Arbitrator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	spaces := make([]string, 0, len(a.windows))
	for space, w := range a.windows {
		w.timer.Stop()
		spaces = append(spaces, space)
	}
	a.mu.Unlock()

	for _, space := range spaces {
		a.resolve(space)
	}
}

func (a *Arbitrator) emitDecision(ev Event, res Result) {
	if a.bus == nil {
		return
	}
	eventType := events.EventWakeSuppressed
	if res.ShouldRespond {
		eventType = events.EventWakeAccepted
	}
	a.bus.Emit(eventType, &events.WakeData{
		EventID:    ev.ID,
		DeviceID:   ev.DeviceID,
		Room:       ev.Room,
		Confidence: ev.Confidence,
		Reason:     res.Reason,
	})
}

func (a *Arbitrator) emitDropped(ev Event, reason string) {
	if a.bus == nil {
		return
	}
	a.bus.Emit(events.EventWakeDropped, &events.WakeData{
		EventID:    ev.ID,
		DeviceID:   ev.DeviceID,
		Room:       ev.Room,
		Confidence: ev.Confidence,
		Reason:     reason,
	})
}
