// Package audio provides voice activity detection over raw PCM frames.
//
// The runtime consumes two signals from this package: the VAD state machine
// (quiet/starting/speaking/stopping), which drives turn boundaries and
// barge-in confirmation, and the instantaneous speech energy, which feeds
// wake arbitration tie-breaking. Detection is RMS-based and requires no
// external model; the VADAnalyzer interface leaves room for model-backed
// implementations.
package audio
