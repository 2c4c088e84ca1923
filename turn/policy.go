package turn

import "time"

// Policy constants for end-of-turn detection. Between the two silence
// bounds the semantic threshold relaxes linearly: the longer the pause,
// the less complete the utterance has to read.
const (
	// minSilence is the pause below which a turn is never considered done.
	minSilence = 300 * time.Millisecond

	// maxSilence is the pause beyond which a turn is done regardless of
	// what the transcript reads like.
	maxSilence = 1500 * time.Millisecond

	// baseThreshold is the semantic completion score required at minSilence.
	baseThreshold = 0.9

	// thresholdSlopeMs divides the silence excess to relax the threshold.
	// At maxSilence the required score has dropped to 0.4.
	thresholdSlopeMs = 2400.0
)

// Threshold returns the semantic completion score required to end a turn
// after the given pause. Results outside [minSilence, maxSilence) are not
// meaningful; Complete short-circuits those ranges.
func Threshold(silence time.Duration) float64 {
	excessMs := float64(silence-minSilence) / float64(time.Millisecond)
	return baseThreshold - excessMs/thresholdSlopeMs
}

// Complete decides end-of-turn from the observed pause and the semantic
// completion score of the partial transcript.
func Complete(silence time.Duration, score float64) bool {
	if silence > maxSilence {
		return true
	}
	if silence < minSilence {
		return false
	}
	return score > Threshold(silence)
}
