package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/voicekit/audio"
	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/engine"
	"github.com/AuralisLabs/voicekit/scheduler"
	"github.com/AuralisLabs/voicekit/session"
)

type fakeVAD struct {
	state atomic.Int32
}

func (f *fakeVAD) Analyze(ctx context.Context, audio []byte) (float64, error) { return 0.5, nil }
func (f *fakeVAD) State() audio.VADState                                      { return audio.VADState(f.state.Load()) }
func (f *fakeVAD) setSpeaking(speaking bool) {
	if speaking {
		f.state.Store(int32(audio.VADStateSpeaking))
	} else {
		f.state.Store(int32(audio.VADStateQuiet))
	}
}

type fakeRecognizer struct {
	text       string
	confidence float64
}

func (f *fakeRecognizer) Name() string { return "fake-asr" }
func (f *fakeRecognizer) Recognize(ctx context.Context, audio []byte, cfg engine.RecognitionConfig) (engine.Transcript, error) {
	return engine.Transcript{Text: f.text, Confidence: f.confidence}, nil
}

type fakeSynthesizer struct {
	delay time.Duration
}

func (f *fakeSynthesizer) Name() string { return "fake-tts" }
func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string, cfg engine.SynthesisConfig) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return []byte("audio:" + text), nil
}

type fakeScorer struct {
	score float64
}

func (f *fakeScorer) Score(ctx context.Context, partial string) (float64, error) {
	return f.score, nil
}

type fakeTurnHandler struct {
	mu       sync.Mutex
	requests []engine.TurnRequest
	notices  int
	response engine.Response
}

func (f *fakeTurnHandler) HandleTurn(ctx context.Context, req engine.TurnRequest) (engine.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.response, nil
}

func (f *fakeTurnHandler) CancelNotice(ctx context.Context, sessionID string, effects []engine.SideEffect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices++
}

func (f *fakeTurnHandler) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeOutput struct {
	mu      sync.Mutex
	played  [][]byte
	stopped int
	block   chan struct{} // when non-nil, Play blocks until closed
}

func (f *fakeOutput) Play(ctx context.Context, sessionID string, audio []byte) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.played = append(f.played, audio)
	f.mu.Unlock()
	return nil
}

func (f *fakeOutput) StopPlayback(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	if f.block != nil {
		close(f.block)
		f.block = nil
	}
	return nil
}

func (f *fakeOutput) playCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

type harness struct {
	o           *Orchestrator
	vad         *fakeVAD
	handler     *fakeTurnHandler
	output      *fakeOutput
	manager     *session.Manager
	frames      chan Frame
	wakes       chan struct{}
	done        chan error
	closeFrames func()
}

func newHarness(t *testing.T, cfg *config.Config, rec *fakeRecognizer, syn *fakeSynthesizer, scorer *fakeScorer, mode session.Mode) *harness {
	t.Helper()

	sched := scheduler.New(cfg.Accelerator, rec, syn, nil)
	schedCtx, cancelSched := context.WithCancel(context.Background())
	go sched.Run(schedCtx)
	t.Cleanup(cancelSched)

	manager := session.NewManager(cfg.Session, nil, nil)
	handler := &fakeTurnHandler{response: engine.Response{Text: "done"}}
	output := &fakeOutput{}
	vad := &fakeVAD{}

	o := New(cfg, sched, scorer, handler, manager, output, nil)
	o.newDetector = func() (SpeechDetector, error) { return vad, nil }

	sess, _ := manager.CreateOrGet("dev-1", "alice", mode)
	frames := make(chan Frame)
	wakes := make(chan struct{}, 1)
	done := make(chan error, 1)
	var closeOnce sync.Once
	closeFrames := func() { closeOnce.Do(func() { close(frames) }) }
	go func() {
		done <- o.RunSession(context.Background(), sess, frames, wakes)
		close(done)
	}()
	t.Cleanup(func() {
		closeFrames()
		<-done
	})

	return &harness{o: o, vad: vad, handler: handler, output: output, manager: manager, frames: frames, wakes: wakes, done: done, closeFrames: closeFrames}
}

func testOrchestratorConfig() *config.Config {
	cfg := config.Default()
	cfg.Turn.ListenTimeout = 2 * time.Second
	cfg.BargeIn.MinSpeechDuration = 50 * time.Millisecond
	return cfg
}

func (h *harness) sendFrame() {
	h.frames <- Frame{Audio: make([]byte, 320)}
}

// pumpFrames streams capture frames at a steady cadence, the way a live
// device does, until the test finishes.
func (h *harness) pumpFrames(t *testing.T, every time.Duration) {
	t.Helper()
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case h.frames <- Frame{Audio: make([]byte, 320)}:
				case <-stop:
					return
				}
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-finished
	})
}

func TestFullTurnCycleCommandMode(t *testing.T) {
	cfg := testOrchestratorConfig()
	h := newHarness(t, cfg,
		&fakeRecognizer{text: "turn on the lights", confidence: 0.9},
		&fakeSynthesizer{},
		&fakeScorer{score: 0.95},
		session.ModeCommand,
	)

	// First frame evaluates immediately with no accumulated silence.
	h.sendFrame()
	// Let the pause cross the minimum silence bound, then evaluate again.
	time.Sleep(400 * time.Millisecond)
	h.sendFrame()

	require.Eventually(t, func() bool { return h.output.playCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.handler.turnCount())
	assert.Equal(t, "turn on the lights", h.handler.requests[0].Transcript)
	assert.False(t, h.handler.requests[0].LowConfidence)
	assert.Equal(t, [][]byte{[]byte("audio:done")}, h.output.played)

	// Command mode parks the session in Idle after the response.
	sess, ok := h.manager.GetByDevice("dev-1")
	require.True(t, ok)
	assert.Eventually(t, func() bool { return sess.State() == session.StateIdle }, time.Second, 10*time.Millisecond)

	sctx := sess.Context()
	require.Len(t, sctx.Turns, 1)
	assert.Equal(t, "done", sctx.Turns[0].Response)
}

func TestConversationModeReturnsToListening(t *testing.T) {
	cfg := testOrchestratorConfig()
	h := newHarness(t, cfg,
		&fakeRecognizer{text: "what's the weather", confidence: 0.9},
		&fakeSynthesizer{},
		&fakeScorer{score: 0.95},
		session.ModeConversation,
	)

	h.sendFrame()
	time.Sleep(400 * time.Millisecond)
	h.sendFrame()

	require.Eventually(t, func() bool { return h.output.playCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	sess, _ := h.manager.GetByDevice("dev-1")
	assert.Eventually(t, func() bool { return sess.State() == session.StateListening }, time.Second, 10*time.Millisecond)
}

func TestSequentialTurnsWithContinuousFrames(t *testing.T) {
	cfg := testOrchestratorConfig()
	h := newHarness(t, cfg,
		&fakeRecognizer{text: "set a timer", confidence: 0.9},
		&fakeSynthesizer{},
		&fakeScorer{score: 0.95},
		session.ModeConversation,
	)

	// Frames keep arriving through processing and playback; the loop must
	// keep turns strictly one after another under that pressure.
	h.pumpFrames(t, 20*time.Millisecond)

	require.Eventually(t, func() bool { return h.output.playCount() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, h.handler.turnCount(), 2)

	sess, ok := h.manager.GetByDevice("dev-1")
	require.True(t, ok)
	sctx := sess.Context()
	require.GreaterOrEqual(t, len(sctx.Turns), 2)
	for i, tr := range sctx.Turns {
		assert.Equal(t, i, tr.Index)
		assert.Equal(t, "done", tr.Response)
	}
}

func TestWakeReopensIdleCommandSession(t *testing.T) {
	cfg := testOrchestratorConfig()
	h := newHarness(t, cfg,
		&fakeRecognizer{text: "lights off", confidence: 0.9},
		&fakeSynthesizer{},
		&fakeScorer{score: 0.95},
		session.ModeCommand,
	)

	h.sendFrame()
	time.Sleep(400 * time.Millisecond)
	h.sendFrame()

	sess, ok := h.manager.GetByDevice("dev-1")
	require.True(t, ok)
	require.Eventually(t, func() bool { return sess.State() == session.StateIdle }, 2*time.Second, 10*time.Millisecond)

	// A later wake win on the same device re-opens listening on the
	// running loop instead of stranding the session in idle.
	h.wakes <- struct{}{}
	require.Eventually(t, func() bool { return sess.State() == session.StateListening }, time.Second, 10*time.Millisecond)

	h.sendFrame()
	time.Sleep(400 * time.Millisecond)
	h.sendFrame()

	require.Eventually(t, func() bool { return h.output.playCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.handler.turnCount())

	sctx := sess.Context()
	require.Len(t, sctx.Turns, 2)
	assert.Equal(t, 1, sctx.Turns[1].Index)
}

func TestListenTimeoutForcesLowConfidenceTurn(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Turn.ListenTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg,
		&fakeRecognizer{text: "mumbled something", confidence: 0.3},
		&fakeSynthesizer{},
		// Never semantically complete: only the timeout can close the turn.
		&fakeScorer{score: 0.0},
		session.ModeCommand,
	)

	h.sendFrame()
	time.Sleep(250 * time.Millisecond)
	h.sendFrame()

	require.Eventually(t, func() bool { return h.handler.turnCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.handler.requests[0].LowConfidence)
}

func TestBargeInDuringPlayback(t *testing.T) {
	cfg := testOrchestratorConfig()
	h := newHarness(t, cfg,
		&fakeRecognizer{text: "tell me a story", confidence: 0.9},
		&fakeSynthesizer{},
		&fakeScorer{score: 0.95},
		session.ModeConversation,
	)
	h.output.mu.Lock()
	h.output.block = make(chan struct{})
	h.output.mu.Unlock()

	h.sendFrame()
	time.Sleep(400 * time.Millisecond)
	h.sendFrame()

	sess, _ := h.manager.GetByDevice("dev-1")
	require.Eventually(t, func() bool { return sess.State() == session.StateSpeaking }, 2*time.Second, 10*time.Millisecond)

	// Sustained speech while the assistant is talking.
	h.vad.setSpeaking(true)
	h.sendFrame()
	time.Sleep(80 * time.Millisecond)
	h.sendFrame()

	require.Eventually(t, func() bool { return sess.State() == session.StateListening }, 2*time.Second, 10*time.Millisecond)
	h.output.mu.Lock()
	stopped := h.output.stopped
	h.output.mu.Unlock()
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 1, h.handler.notices)
}

func TestClosedFrameStreamEndsLoop(t *testing.T) {
	cfg := testOrchestratorConfig()
	h := newHarness(t, cfg,
		&fakeRecognizer{text: "hi", confidence: 0.9},
		&fakeSynthesizer{},
		&fakeScorer{score: 0.0},
		session.ModeConversation,
	)

	h.closeFrames()
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not exit on closed frame stream")
	}
}
