// Package turn decides when a speaker has finished talking.
//
// Each session owns one Detector, a small state machine stepping through
// Idle, Listening, Processing and Speaking. While listening, every partial
// transcript is evaluated against a silence-scaled semantic threshold; a
// hard listening timeout forces the turn out with a low-confidence flag so
// a session can never hang open on an inconclusive pause.
package turn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/engine"
	"github.com/AuralisLabs/voicekit/session"
)

// Detector errors.
var (
	// ErrNotListening is returned when a listening-phase operation is
	// invoked in another phase.
	ErrNotListening = errors.New("detector not in listening phase")

	// ErrNotSpeaking is returned when a speaking-phase operation is
	// invoked in another phase.
	ErrNotSpeaking = errors.New("detector not in speaking phase")

	// ErrNotProcessing is returned when a processing-phase operation is
	// invoked in another phase.
	ErrNotProcessing = errors.New("detector not in processing phase")
)

// Phase is the detector's position in the turn cycle. It mirrors the
// session state machine; the orchestrator keeps the two in step.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseProcessing
	PhaseSpeaking
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseProcessing:
		return "processing"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one end-of-turn evaluation.
type Decision struct {
	// Complete reports whether the turn is finalized.
	Complete bool

	// Silence is the pause since the last observed speech.
	Silence time.Duration

	// Score is the semantic completion score of the partial transcript.
	// Zero when the policy short-circuited before scoring.
	Score float64

	// Threshold is the score the policy required, when it was consulted.
	Threshold float64

	// LowConfidence marks turns forced out by the listening timeout.
	LowConfidence bool
}

// Detector tracks one session's turn-taking state.
// All methods are safe for concurrent use.
type Detector struct {
	cfg    config.TurnConfig
	scorer engine.CompletionScorer

	// now is the clock, replaceable in tests.
	now func() time.Time

	mu              sync.Mutex
	phase           Phase
	listenStart     time.Time
	lastSpeech      time.Time
	processingStart time.Time
}

// NewDetector creates a Detector in the Idle phase.
func NewDetector(cfg config.TurnConfig, scorer engine.CompletionScorer) *Detector {
	return &Detector{
		cfg:    cfg,
		scorer: scorer,
		now:    time.Now,
	}
}

// Phase returns the current phase.
func (d *Detector) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// StartListening opens a listening window. Valid from Idle (wake accepted)
// and as the return edge from Speaking.
func (d *Detector) StartListening() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseListening
	d.listenStart = now
	d.lastSpeech = now
}

// ObserveSpeech records speech activity, resetting the silence measurement.
func (d *Detector) ObserveSpeech() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseListening {
		return
	}
	d.lastSpeech = d.now()
}

// EvaluatePartial runs the end-of-turn policy against a partial transcript.
// On a complete decision the detector moves to Processing; otherwise it
// stays in Listening. Scoring is skipped entirely when silence alone
// decides.
func (d *Detector) EvaluatePartial(ctx context.Context, partial string) (Decision, error) {
	d.mu.Lock()
	if d.phase != PhaseListening {
		d.mu.Unlock()
		return Decision{}, ErrNotListening
	}
	silence := d.now().Sub(d.lastSpeech)
	d.mu.Unlock()

	if silence > maxSilence {
		d.toProcessing()
		return Decision{Complete: true, Silence: silence}, nil
	}
	if silence < minSilence {
		return Decision{Silence: silence}, nil
	}

	score, err := d.scorer.Score(ctx, partial)
	if err != nil {
		return Decision{Silence: silence}, err
	}

	threshold := Threshold(silence)
	decision := Decision{
		Complete:  score > threshold,
		Silence:   silence,
		Score:     score,
		Threshold: threshold,
	}
	if decision.Complete {
		d.toProcessing()
	}
	return decision, nil
}

// CheckListenTimeout enforces the absolute listening bound. When the
// window has been open past the configured timeout the detector moves to
// Processing and returns a low-confidence decision.
func (d *Detector) CheckListenTimeout() (Decision, bool) {
	now := d.now()
	d.mu.Lock()
	if d.phase != PhaseListening || now.Sub(d.listenStart) < d.cfg.ListenTimeout {
		d.mu.Unlock()
		return Decision{}, false
	}
	silence := now.Sub(d.lastSpeech)
	d.phase = PhaseProcessing
	d.processingStart = now
	d.mu.Unlock()

	return Decision{Complete: true, Silence: silence, LowConfidence: true}, true
}

// ListenElapsed returns how long the current listening window has been
// open, or zero outside Listening.
func (d *Detector) ListenElapsed() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseListening {
		return 0
	}
	return d.now().Sub(d.listenStart)
}

// ProcessingElapsed returns how long the current turn has been in
// Processing, or zero outside Processing. Callers use it to decide when
// to play filler audio.
func (d *Detector) ProcessingElapsed() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseProcessing {
		return 0
	}
	return d.now().Sub(d.processingStart)
}

// StartSpeaking moves Processing → Speaking once a response is ready.
func (d *Detector) StartSpeaking() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseProcessing {
		return ErrNotProcessing
	}
	d.phase = PhaseSpeaking
	return nil
}

// FinishSpeaking takes the mode-dependent return edge out of Speaking:
// conversation sessions reopen a listening window, command sessions
// return to Idle.
func (d *Detector) FinishSpeaking(mode session.Mode) (Phase, error) {
	d.mu.Lock()
	if d.phase != PhaseSpeaking {
		d.mu.Unlock()
		return d.phase, ErrNotSpeaking
	}
	if mode == session.ModeConversation {
		now := d.now()
		d.phase = PhaseListening
		d.listenStart = now
		d.lastSpeech = now
	} else {
		d.phase = PhaseIdle
	}
	phase := d.phase
	d.mu.Unlock()
	return phase, nil
}

// BargeIn takes the interruption edge Speaking → Listening.
func (d *Detector) BargeIn() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseSpeaking {
		return ErrNotSpeaking
	}
	now := d.now()
	d.phase = PhaseListening
	d.listenStart = now
	d.lastSpeech = now
	return nil
}

// Reset returns the detector to Idle.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseIdle
}

// toProcessing transitions Listening → Processing.
func (d *Detector) toProcessing() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.phase = PhaseProcessing
	d.processingStart = d.now()
}
