// Package orchestrator drives the per-session conversation loop.
//
// One goroutine per session consumes the device's audio frames and walks
// the turn cycle: voice activity feeds the turn detector while listening,
// partial recognitions are scored for end-of-turn, finalized turns go to
// business logic, and the response is synthesized and played with the
// barge-in coordinator armed. The loop owns all session state transitions;
// components below it never touch the session directly. Blocking work
// (turn handling, synthesis, playback) runs in stage goroutines that
// report back over a channel, so every mutation of loop state happens on
// the loop goroutine and turns stay strictly sequential per session.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/AuralisLabs/voicekit/audio"
	"github.com/AuralisLabs/voicekit/bargein"
	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/engine"
	"github.com/AuralisLabs/voicekit/events"
	"github.com/AuralisLabs/voicekit/logger"
	"github.com/AuralisLabs/voicekit/scheduler"
	"github.com/AuralisLabs/voicekit/session"
	"github.com/AuralisLabs/voicekit/turn"
)

// partialEvalInterval is the minimum spacing between partial recognition
// passes while listening. Recognition competes for accelerator slots, so
// the loop does not submit on every frame.
const partialEvalInterval = 250 * time.Millisecond

// Frame is one capture frame from a device.
type Frame struct {
	// Audio is PCM audio (16 kHz mono 16-bit unless configured otherwise).
	Audio []byte
}

// Output plays synthesized audio back to a device.
type Output interface {
	// Play delivers response audio for a session. It returns when playback
	// has been handed off to the device.
	Play(ctx context.Context, sessionID string, audio []byte) error

	// StopPlayback aborts any in-progress playback for a session.
	StopPlayback(ctx context.Context, sessionID string) error
}

// SpeechDetector is the voice-activity signal consumed by the loop.
// *audio.EnergyVAD implements it.
type SpeechDetector interface {
	Analyze(ctx context.Context, audio []byte) (float64, error)
	State() audio.VADState
}

// Orchestrator wires the session runtime's components into conversation
// loops. It is shared by all sessions; per-session state lives in the loop.
type Orchestrator struct {
	cfg     *config.Config
	sched   *scheduler.Scheduler
	scorer  engine.CompletionScorer
	handler engine.Handler
	manager *session.Manager
	output  Output
	bus     *events.Bus

	// newDetector builds the speech detector for a session loop,
	// replaceable in tests.
	newDetector func() (SpeechDetector, error)
}

// New creates an Orchestrator. bus may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, scorer engine.CompletionScorer, handler engine.Handler, manager *session.Manager, output Output, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		sched:   sched,
		scorer:  scorer,
		handler: handler,
		manager: manager,
		output:  output,
		bus:     bus,
		newDetector: func() (SpeechDetector, error) {
			return audio.NewEnergyVAD(audio.DefaultVADParams())
		},
	}
}

// turnStage identifies which background stage of a turn has finished.
type turnStage int

const (
	// stageHandled: business logic produced (or failed to produce) a response.
	stageHandled turnStage = iota
	// stageSynthesized: the synthesis task resolved.
	stageSynthesized
	// stagePlayed: playback returned.
	stagePlayed
)

// turnResult is the message a background stage sends back to the loop
// goroutine. Stages run strictly one at a time, so a buffer of one
// guarantees the send never blocks even if the loop has exited.
type turnResult struct {
	stage turnStage

	turnIndex     int
	started       time.Time
	transcript    string
	lowConfidence bool

	resp     engine.Response
	effects  []engine.SideEffect
	rendered []byte
	err      error
}

// loop is the per-session conversation state. All fields are owned by the
// loop goroutine; background stages communicate only through results.
type loop struct {
	o     *Orchestrator
	sess  *session.Session
	vad   SpeechDetector
	turns *turn.Detector
	barge *bargein.Coordinator

	results chan turnResult

	buf         []byte
	lastPartial engine.Transcript
	lastEval    time.Time
	turnStart   time.Time
}

// RunSession drives one session until its frame stream closes, the session
// ends, or ctx is done. A send on wakes while the loop is idle re-opens
// listening for a new exchange; wakes may be nil. It blocks; run it in its
// own goroutine.
func (o *Orchestrator) RunSession(ctx context.Context, sess *session.Session, frames <-chan Frame, wakes <-chan struct{}) error {
	vad, err := o.newDetector()
	if err != nil {
		return err
	}

	l := &loop{
		o:       o,
		sess:    sess,
		vad:     vad,
		turns:   turn.NewDetector(o.cfg.Turn, o.scorer),
		barge:   bargein.NewCoordinator(o.cfg.BargeIn, o.sched, o.handler, o.bus),
		results: make(chan turnResult, 1),
	}

	ctx = logger.SessionContext(ctx, sess.ID, sess.DeviceID, sess.SpeakerID)
	l.startListening()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if ended, _ := sess.Ended(); ended {
				return nil
			}
			if err := l.onFrame(ctx, frame); err != nil {
				return err
			}
		case res := <-l.results:
			l.onTurnResult(ctx, res)
		case <-wakes:
			l.onWake(ctx)
		}
	}
}

// startListening opens a fresh listening window for the next turn.
func (l *loop) startListening() {
	l.buf = l.buf[:0]
	l.lastPartial = engine.Transcript{}
	l.lastEval = time.Time{}
	l.turnStart = time.Now()
	l.turns.StartListening()
	l.sess.SetState(session.StateListening)
}

// onWake takes the idle-to-listening edge when a wake trigger wins
// arbitration for a device whose loop is already running. Wakes during an
// active exchange are ignored: the session is already engaged.
func (l *loop) onWake(ctx context.Context) {
	if l.turns.Phase() != turn.PhaseIdle {
		return
	}
	l.o.manager.Touch(l.sess.ID)
	l.startListening()
	logger.DebugContext(ctx, "wake re-opened idle session")
}

// onFrame advances the loop by one capture frame.
func (l *loop) onFrame(ctx context.Context, frame Frame) error {
	if _, err := l.vad.Analyze(ctx, frame.Audio); err != nil {
		return err
	}
	vadState := l.vad.State()
	speaking := vadState == audio.VADStateSpeaking || vadState == audio.VADStateStarting

	switch l.turns.Phase() {
	case turn.PhaseListening:
		return l.onListeningFrame(ctx, frame, speaking)
	case turn.PhaseSpeaking:
		l.onSpeakingFrame(ctx, speaking)
	case turn.PhaseProcessing, turn.PhaseIdle:
		// Frames during processing and idle are dropped; the next
		// listening window starts clean.
	}
	return nil
}

// onListeningFrame accumulates audio and runs end-of-turn detection.
func (l *loop) onListeningFrame(ctx context.Context, frame Frame, speaking bool) error {
	l.buf = append(l.buf, frame.Audio...)
	if speaking {
		l.turns.ObserveSpeech()
		l.o.manager.Touch(l.sess.ID)
	}

	if decision, fired := l.turns.CheckListenTimeout(); fired {
		logger.DebugContext(ctx, "listen timeout reached", "silence_ms", decision.Silence.Milliseconds())
		l.finalizeTurn(ctx, decision)
		return nil
	}

	// Partial evaluation is pointless mid-word and expensive every frame.
	if speaking || time.Since(l.lastEval) < partialEvalInterval {
		return nil
	}
	l.lastEval = time.Now()

	transcript, err := l.o.sched.SubmitRecognize(ctx, l.sess.ID, l.recognizePriority(), l.buf, engine.DefaultRecognitionConfig())
	if err != nil {
		if errors.Is(err, scheduler.ErrUnavailable) {
			logger.WarnContext(ctx, "recognition rejected, accelerator unavailable")
			return nil
		}
		if errors.Is(err, scheduler.ErrCancelled) || errors.Is(err, context.Canceled) {
			return nil
		}
		logger.ErrorContext(ctx, "partial recognition failed", "error", err)
		return nil
	}
	l.lastPartial = transcript

	decision, err := l.turns.EvaluatePartial(ctx, transcript.Text)
	if err != nil {
		if !errors.Is(err, turn.ErrNotListening) {
			logger.WarnContext(ctx, "end-of-turn evaluation failed", "error", err)
		}
		return nil
	}
	if decision.Complete {
		l.finalizeTurn(ctx, decision)
	}
	return nil
}

// onSpeakingFrame watches for barge-in while the assistant is talking.
func (l *loop) onSpeakingFrame(ctx context.Context, speaking bool) {
	trigger, fired := l.barge.Observe(ctx, speaking)
	if !fired {
		return
	}

	if err := l.o.output.StopPlayback(ctx, l.sess.ID); err != nil {
		logger.WarnContext(ctx, "stop playback failed", "error", err)
	}
	if err := l.turns.BargeIn(); err == nil {
		l.startListening()
	}
	logger.InfoContext(ctx, "barge-in interrupted playback",
		"speech_ms", trigger.SpeechDuration.Milliseconds())
}

// finalizeTurn hands the finished utterance to business logic. Only the
// handler call leaves the loop goroutine; its outcome comes back through
// results so the frame loop keeps consuming (and can catch a barge-in
// during synthesis) without racing on loop state.
func (l *loop) finalizeTurn(ctx context.Context, decision turn.Decision) {
	l.sess.SetState(session.StateProcessing)

	transcript := l.lastPartial
	turnIndex := l.sess.NextTurnIndex()
	started := l.turnStart
	duration := time.Since(started)

	eventType := events.EventTurnCompleted
	if decision.LowConfidence {
		eventType = events.EventTurnTimeout
	}
	if l.o.bus != nil {
		l.o.bus.Emit(eventType, &events.TurnData{
			SessionID:     l.sess.ID,
			TurnIndex:     turnIndex,
			SilenceMs:     decision.Silence.Milliseconds(),
			LowConfidence: decision.LowConfidence,
			Duration:      duration,
		})
	}

	go func() {
		resp, err := l.o.handler.HandleTurn(ctx, engine.TurnRequest{
			SessionID:     l.sess.ID,
			SpeakerID:     l.sess.SpeakerID,
			Transcript:    transcript.Text,
			LowConfidence: decision.LowConfidence,
		})
		l.results <- turnResult{
			stage:         stageHandled,
			turnIndex:     turnIndex,
			started:       started,
			transcript:    transcript.Text,
			lowConfidence: decision.LowConfidence,
			resp:          resp,
			err:           err,
		}
	}()
}

// onTurnResult advances the turn cycle by one completed background stage.
func (l *loop) onTurnResult(ctx context.Context, res turnResult) {
	switch res.stage {
	case stageHandled:
		l.onTurnHandled(ctx, res)
	case stageSynthesized:
		l.onSynthesized(ctx, res)
	case stagePlayed:
		l.onPlayed(ctx, res)
	}
}

// onTurnHandled records the turn and submits synthesis. Speaking begins at
// synthesis: a barge-in from here on cancels the task itself.
func (l *loop) onTurnHandled(ctx context.Context, res turnResult) {
	if res.err != nil {
		logger.ErrorContext(ctx, "turn handler failed", "error", res.err, "turn_index", res.turnIndex)
		l.afterSpeaking(ctx)
		return
	}

	l.sess.AppendTurn(session.Turn{
		Index:         res.turnIndex,
		Transcript:    res.transcript,
		Response:      res.resp.Text,
		LowConfidence: res.lowConfidence,
		StartedAt:     res.started,
		CompletedAt:   time.Now(),
	})
	l.o.manager.SaveSnapshot(l.sess.ID)

	if res.resp.Text == "" {
		l.afterSpeaking(ctx)
		return
	}

	handle, err := l.o.sched.SubmitSynthesize(l.sess.ID, l.synthesizePriority(), res.resp.Text, engine.DefaultSynthesisConfig())
	if err != nil {
		logger.ErrorContext(ctx, "synthesis rejected", "error", err)
		l.afterSpeaking(ctx)
		return
	}

	if err := l.turns.StartSpeaking(); err != nil {
		l.o.sched.Cancel(handle.TaskID)
		l.afterSpeaking(ctx)
		return
	}
	l.sess.SetState(session.StateSpeaking)
	l.barge.Arm(l.sess.ID, handle.TaskID, res.resp.SideEffects)

	turnIndex := res.turnIndex
	effects := res.resp.SideEffects
	go func() {
		value, err := handle.Await(ctx)
		rendered, _ := value.([]byte)
		l.results <- turnResult{
			stage:     stageSynthesized,
			turnIndex: turnIndex,
			effects:   effects,
			rendered:  rendered,
			err:       err,
		}
	}()
}

// onSynthesized starts playback of the rendered response.
func (l *loop) onSynthesized(ctx context.Context, res turnResult) {
	if res.err != nil {
		if errors.Is(res.err, scheduler.ErrCancelled) {
			// Barge-in took the Speaking → Listening edge in the frame
			// loop; nothing to play.
			return
		}
		logger.ErrorContext(ctx, "synthesis failed", "error", res.err, "turn_index", res.turnIndex)
		l.barge.Disarm()
		l.afterSpeaking(ctx)
		return
	}
	if !l.barge.Armed() {
		// Interrupted after the task resolved but before this message;
		// the frame loop has already restarted listening.
		return
	}

	// Playback is now the only thing to cancel.
	l.barge.Arm(l.sess.ID, "", res.effects)
	rendered := res.rendered
	go func() {
		err := l.o.output.Play(ctx, l.sess.ID, rendered)
		l.results <- turnResult{stage: stagePlayed, err: err}
	}()
}

// onPlayed closes out the speaking phase after playback returns.
func (l *loop) onPlayed(ctx context.Context, res turnResult) {
	if res.err != nil {
		logger.WarnContext(ctx, "playback failed", "error", res.err)
	}
	if !l.barge.Armed() {
		// Interrupted during playback; listening has already restarted.
		return
	}
	l.barge.Disarm()
	l.afterSpeaking(ctx)
}

// afterSpeaking takes the mode-dependent return edge and re-opens the
// loop's listening state when the session continues.
func (l *loop) afterSpeaking(ctx context.Context) {
	phase, err := l.turns.FinishSpeaking(l.sess.Mode)
	if err != nil {
		// Not in Speaking: the handler or synthesis failed before the
		// edge. Recover by mode.
		if l.sess.Mode == session.ModeConversation {
			l.startListening()
		} else {
			l.turns.Reset()
			l.sess.SetState(session.StateIdle)
		}
		return
	}

	if phase == turn.PhaseListening {
		l.startListening()
	} else {
		l.sess.SetState(session.StateIdle)
	}
	logger.DebugContext(ctx, "turn cycle complete", "next_phase", phase.String())
}

// recognizePriority maps session mode to a task priority: short command
// exchanges preempt long-form conversation.
func (l *loop) recognizePriority() scheduler.Priority {
	if l.sess.Mode == session.ModeCommand {
		return scheduler.PriorityHigh
	}
	return scheduler.PriorityNormal
}

func (l *loop) synthesizePriority() scheduler.Priority {
	if l.sess.Mode == session.ModeCommand {
		return scheduler.PriorityHigh
	}
	return scheduler.PriorityNormal
}
