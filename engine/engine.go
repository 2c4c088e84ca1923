// Package engine defines the boundary to the external acoustic engines and
// business logic.
//
// Recognition and synthesis run on the shared accelerator and are invoked
// only through the scheduler; the interfaces here abstract the concrete
// model runtimes so the session runtime can use any provider
// interchangeably. The completion scorer and the intent handler are
// CPU-side collaborators.
package engine

import (
	"context"
)

const (
	// Default audio settings.
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultBitDepth   = 16

	// Common audio formats.
	FormatPCM = "pcm"
	FormatWAV = "wav"
)

// Transcript is the output of a recognition pass.
type Transcript struct {
	// Text is the recognized text so far.
	Text string

	// Final reports whether the engine considers this transcript complete.
	Final bool

	// Confidence is the engine's confidence in the transcript (0.0-1.0).
	Confidence float64
}

// RecognitionConfig configures speech-to-text recognition.
type RecognitionConfig struct {
	// Format is the audio format ("pcm", "wav").
	// Default: "pcm"
	Format string

	// SampleRate is the audio sample rate in Hz.
	// Default: 16000
	SampleRate int

	// Channels is the number of audio channels (1=mono, 2=stereo).
	// Default: 1
	Channels int

	// BitDepth is the bits per sample for PCM audio.
	// Default: 16
	BitDepth int

	// Language is a hint for the recognition language (e.g., "en", "es").
	// Optional - improves accuracy if provided.
	Language string
}

// DefaultRecognitionConfig returns sensible defaults for recognition.
func DefaultRecognitionConfig() RecognitionConfig {
	return RecognitionConfig{
		Format:     FormatPCM,
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		BitDepth:   DefaultBitDepth,
		Language:   "en",
	}
}

// Recognizer transcribes audio to text on the accelerator.
// Implementations must honor ctx cancellation with best-effort abort.
type Recognizer interface {
	// Name returns the provider identifier (for logging/debugging).
	Name() string

	// Recognize converts audio to a partial or final transcript.
	Recognize(ctx context.Context, audio []byte, cfg RecognitionConfig) (Transcript, error)
}

// SynthesisConfig configures text-to-speech synthesis.
type SynthesisConfig struct {
	// Voice is the provider-specific voice identifier.
	Voice string

	// Format is the output audio format. Default: "pcm"
	Format string

	// SampleRate is the output sample rate in Hz. Default: 16000
	SampleRate int
}

// DefaultSynthesisConfig returns sensible defaults for synthesis.
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		Format:     FormatPCM,
		SampleRate: DefaultSampleRate,
	}
}

// Synthesizer converts text to audio on the accelerator.
// Implementations must honor ctx cancellation with best-effort abort.
type Synthesizer interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio in the configured format.
	Synthesize(ctx context.Context, text string, cfg SynthesisConfig) ([]byte, error)
}

// CompletionScorer estimates whether a partial transcript reads as a
// finished utterance. Scores are in [0,1]; higher means more complete.
type CompletionScorer interface {
	Score(ctx context.Context, partialTranscript string) (float64, error)
}

// SideEffect describes an action business logic started while handling a
// turn. Effects begun speculatively before a barge-in are reported back so
// the handler can compensate; the runtime only flags them, it never rolls
// them back itself.
type SideEffect struct {
	// Name identifies the effect (e.g. "timer.set", "light.on").
	Name string

	// Committed reports whether the effect has already taken place.
	Committed bool

	// RollbackSafe reports whether compensating this effect is safe.
	RollbackSafe bool
}

// Response is the business-logic outcome for one finalized turn.
type Response struct {
	// Text is the reply to synthesize and speak.
	Text string

	// SideEffects lists actions started while handling the turn.
	SideEffects []SideEffect
}

// TurnRequest carries a finalized turn to business logic.
type TurnRequest struct {
	SessionID string
	SpeakerID string

	// Transcript is the finalized utterance text.
	Transcript string

	// LowConfidence marks transcripts forced out by the listening timeout.
	LowConfidence bool
}

// Handler is the business-logic / intent pipeline boundary.
type Handler interface {
	// HandleTurn receives a finalized transcript and produces the response.
	HandleTurn(ctx context.Context, req TurnRequest) (Response, error)

	// CancelNotice informs the handler that playback of a response was
	// cancelled by a barge-in, with the side effects that may need
	// compensation.
	CancelNotice(ctx context.Context, sessionID string, effects []SideEffect)
}
