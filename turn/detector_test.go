package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/session"
)

// stubScorer returns a fixed semantic completion score.
type stubScorer struct {
	score  float64
	err    error
	called bool
}

func (s *stubScorer) Score(ctx context.Context, partial string) (float64, error) {
	s.called = true
	return s.score, s.err
}

// fakeClock drives a detector deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(scorer *stubScorer) (*Detector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDetector(config.TurnConfig{ListenTimeout: 4 * time.Second}, scorer)
	d.now = clock.now
	return d, clock
}

func TestThresholdRelaxesWithSilence(t *testing.T) {
	assert.InDelta(t, 0.9, Threshold(300*time.Millisecond), 1e-9)
	assert.InDelta(t, 0.65, Threshold(900*time.Millisecond), 1e-9)
	assert.InDelta(t, 0.4, Threshold(1500*time.Millisecond), 1e-9)
}

func TestCompletePolicy(t *testing.T) {
	// Long silence completes regardless of the score.
	assert.True(t, Complete(1501*time.Millisecond, 0.0))
	// Short silence never completes.
	assert.False(t, Complete(299*time.Millisecond, 1.0))
	// In between, the score decides against the relaxed threshold.
	assert.True(t, Complete(900*time.Millisecond, 0.7))
	assert.False(t, Complete(900*time.Millisecond, 0.6))
}

func TestEvaluatePartialLongSilenceSkipsScorer(t *testing.T) {
	scorer := &stubScorer{err: errors.New("scorer must not be consulted")}
	d, clock := newTestDetector(scorer)

	d.StartListening()
	clock.advance(2 * time.Second)

	decision, err := d.EvaluatePartial(context.Background(), "turn the lights")
	require.NoError(t, err)
	assert.True(t, decision.Complete)
	assert.False(t, scorer.called)
	assert.Equal(t, PhaseProcessing, d.Phase())
}

func TestEvaluatePartialShortSilenceIncomplete(t *testing.T) {
	scorer := &stubScorer{score: 1.0}
	d, clock := newTestDetector(scorer)

	d.StartListening()
	clock.advance(100 * time.Millisecond)

	decision, err := d.EvaluatePartial(context.Background(), "turn the")
	require.NoError(t, err)
	assert.False(t, decision.Complete)
	assert.False(t, scorer.called)
	assert.Equal(t, PhaseListening, d.Phase())
}

func TestEvaluatePartialScoreAgainstThreshold(t *testing.T) {
	scorer := &stubScorer{score: 0.7}
	d, clock := newTestDetector(scorer)

	d.StartListening()
	clock.advance(900 * time.Millisecond)

	decision, err := d.EvaluatePartial(context.Background(), "turn the lights off")
	require.NoError(t, err)
	assert.True(t, scorer.called)
	assert.True(t, decision.Complete)
	assert.InDelta(t, 0.65, decision.Threshold, 1e-9)
	assert.Equal(t, PhaseProcessing, d.Phase())
}

func TestEvaluatePartialScoreBelowThreshold(t *testing.T) {
	scorer := &stubScorer{score: 0.5}
	d, clock := newTestDetector(scorer)

	d.StartListening()
	clock.advance(900 * time.Millisecond)

	decision, err := d.EvaluatePartial(context.Background(), "turn the")
	require.NoError(t, err)
	assert.False(t, decision.Complete)
	assert.Equal(t, PhaseListening, d.Phase())
}

func TestEvaluatePartialScorerError(t *testing.T) {
	wantErr := errors.New("scorer down")
	scorer := &stubScorer{err: wantErr}
	d, clock := newTestDetector(scorer)

	d.StartListening()
	clock.advance(900 * time.Millisecond)

	_, err := d.EvaluatePartial(context.Background(), "partial")
	assert.ErrorIs(t, err, wantErr)
	// An inconclusive evaluation leaves the window open.
	assert.Equal(t, PhaseListening, d.Phase())
}

func TestEvaluatePartialOutsideListening(t *testing.T) {
	d, _ := newTestDetector(&stubScorer{})
	_, err := d.EvaluatePartial(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestObserveSpeechResetsSilence(t *testing.T) {
	scorer := &stubScorer{score: 0.0}
	d, clock := newTestDetector(scorer)

	d.StartListening()
	clock.advance(2 * time.Second)
	d.ObserveSpeech()
	clock.advance(100 * time.Millisecond)

	decision, err := d.EvaluatePartial(context.Background(), "and also")
	require.NoError(t, err)
	assert.False(t, decision.Complete)
	assert.Equal(t, 100*time.Millisecond, decision.Silence)
}

func TestListenTimeoutForcesLowConfidence(t *testing.T) {
	d, clock := newTestDetector(&stubScorer{})

	d.StartListening()

	_, fired := d.CheckListenTimeout()
	assert.False(t, fired)

	clock.advance(4 * time.Second)
	decision, fired := d.CheckListenTimeout()
	require.True(t, fired)
	assert.True(t, decision.Complete)
	assert.True(t, decision.LowConfidence)
	assert.Equal(t, PhaseProcessing, d.Phase())

	// Already forced out; a second check is inert.
	_, fired = d.CheckListenTimeout()
	assert.False(t, fired)
}

func TestModeDependentReturnEdge(t *testing.T) {
	t.Run("conversation reopens listening", func(t *testing.T) {
		d, clock := newTestDetector(&stubScorer{})
		d.StartListening()
		clock.advance(2 * time.Second)
		_, err := d.EvaluatePartial(context.Background(), "done")
		require.NoError(t, err)
		require.NoError(t, d.StartSpeaking())

		phase, err := d.FinishSpeaking(session.ModeConversation)
		require.NoError(t, err)
		assert.Equal(t, PhaseListening, phase)
	})

	t.Run("command returns to idle", func(t *testing.T) {
		d, clock := newTestDetector(&stubScorer{})
		d.StartListening()
		clock.advance(2 * time.Second)
		_, err := d.EvaluatePartial(context.Background(), "done")
		require.NoError(t, err)
		require.NoError(t, d.StartSpeaking())

		phase, err := d.FinishSpeaking(session.ModeCommand)
		require.NoError(t, err)
		assert.Equal(t, PhaseIdle, phase)
	})
}

func TestBargeInEdge(t *testing.T) {
	d, clock := newTestDetector(&stubScorer{})

	// Not speaking yet: no edge to take.
	assert.ErrorIs(t, d.BargeIn(), ErrNotSpeaking)

	d.StartListening()
	clock.advance(2 * time.Second)
	_, err := d.EvaluatePartial(context.Background(), "play music")
	require.NoError(t, err)
	require.NoError(t, d.StartSpeaking())

	require.NoError(t, d.BargeIn())
	assert.Equal(t, PhaseListening, d.Phase())
}

func TestProcessingElapsed(t *testing.T) {
	d, clock := newTestDetector(&stubScorer{})

	assert.Zero(t, d.ProcessingElapsed())

	d.StartListening()
	clock.advance(2 * time.Second)
	_, err := d.EvaluatePartial(context.Background(), "done")
	require.NoError(t, err)

	clock.advance(700 * time.Millisecond)
	assert.Equal(t, 700*time.Millisecond, d.ProcessingElapsed())
}
