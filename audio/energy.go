package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

const (
	// stateChangeBufferSize is the buffer size for the state change channel.
	stateChangeBufferSize = 16
	// defaultSmoothingAlpha is the exponential smoothing factor (0.0-1.0).
	defaultSmoothingAlpha = 0.3
	// pcmBytesPerSample is the number of bytes per 16-bit PCM sample.
	pcmBytesPerSample = 2
	// pcmMaxAmplitude is the maximum amplitude for 16-bit signed audio.
	pcmMaxAmplitude = 32768.0
	// maxExpectedRMS is the expected maximum RMS for voice audio.
	maxExpectedRMS = 0.5
)

// EnergyVAD is a voice activity detector using RMS (Root Mean Square) analysis
// of 16-bit PCM frames. It is lightweight enough to run per-frame on every
// device stream without touching the accelerator.
type EnergyVAD struct {
	params VADParams

	mu          sync.RWMutex
	state       VADState
	stateChange chan VADEvent
	stateStart  time.Time

	// Exponential smoothing state
	smoothedRMS float64
	alpha       float64
}

// NewEnergyVAD creates an EnergyVAD analyzer with the given parameters.
func NewEnergyVAD(params VADParams) (*EnergyVAD, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return &EnergyVAD{
		params:      params,
		state:       VADStateQuiet,
		stateChange: make(chan VADEvent, stateChangeBufferSize),
		stateStart:  time.Now(),
		alpha:       defaultSmoothingAlpha,
	}, nil
}

// Name returns the analyzer identifier.
func (v *EnergyVAD) Name() string {
	return "energy-rms"
}

// Analyze processes audio and returns speech energy based on smoothed RMS.
func (v *EnergyVAD) Analyze(ctx context.Context, audio []byte) (float64, error) {
	if len(audio) == 0 {
		return 0, nil
	}

	rms := calculateRMS(audio)

	v.mu.Lock()
	v.smoothedRMS = v.alpha*rms + (1-v.alpha)*v.smoothedRMS
	smoothed := v.smoothedRMS
	v.mu.Unlock()

	energy := v.rmsToEnergy(smoothed)
	v.updateState(energy)

	return energy, nil
}

// calculateRMS computes the Root Mean Square of 16-bit little-endian PCM samples.
func calculateRMS(audio []byte) float64 {
	numSamples := len(audio) / pcmBytesPerSample
	if numSamples == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i < numSamples; i++ {
		// #nosec G115 -- overflow is intentional for signed PCM conversion
		sample := int16(binary.LittleEndian.Uint16(audio[i*pcmBytesPerSample:]))
		normalized := float64(sample) / pcmMaxAmplitude
		sumSquares += normalized * normalized
	}

	return math.Sqrt(sumSquares / float64(numSamples))
}

// rmsToEnergy scales smoothed RMS into a 0-1 speech energy value.
func (v *EnergyVAD) rmsToEnergy(rms float64) float64 {
	if rms <= v.params.MinVolume {
		return 0
	}

	// Typical voice RMS is 0.05-0.3 for normalized audio
	energy := (rms - v.params.MinVolume) / (maxExpectedRMS - v.params.MinVolume)

	return math.Min(math.Max(energy, 0), 1)
}

// computeNextState determines the next state from the current state, energy,
// and how long the current state has held.
func (v *EnergyVAD) computeNextState(current VADState, energy, stateDurationSecs float64) VADState {
	aboveThreshold := energy >= v.params.Confidence

	switch current {
	case VADStateQuiet:
		if aboveThreshold {
			return VADStateStarting
		}
	case VADStateStarting:
		if !aboveThreshold {
			return VADStateQuiet
		}
		if stateDurationSecs >= v.params.StartSecs {
			return VADStateSpeaking
		}
	case VADStateSpeaking:
		if !aboveThreshold {
			return VADStateStopping
		}
	case VADStateStopping:
		if aboveThreshold {
			return VADStateSpeaking
		}
		if stateDurationSecs >= v.params.StopSecs {
			return VADStateQuiet
		}
	}
	return current
}

// updateState advances the VAD state machine and emits transition events.
func (v *EnergyVAD) updateState(energy float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()
	stateDuration := now.Sub(v.stateStart)

	newState := v.computeNextState(v.state, energy, stateDuration.Seconds())
	if newState == v.state {
		return
	}

	event := VADEvent{
		State:     newState,
		PrevState: v.state,
		Timestamp: now,
		Duration:  stateDuration,
		Energy:    energy,
	}

	v.state = newState
	v.stateStart = now

	select {
	case v.stateChange <- event:
	default:
		// Channel full, drop event
	}
}

// State returns the current VAD state.
func (v *EnergyVAD) State() VADState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// LastEnergy returns the most recent smoothed energy reading.
func (v *EnergyVAD) LastEnergy() float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rmsToEnergy(v.smoothedRMS)
}

// OnStateChange returns a channel that receives state transitions.
func (v *EnergyVAD) OnStateChange() <-chan VADEvent {
	return v.stateChange
}

// Reset clears accumulated state for a new conversation.
func (v *EnergyVAD) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = VADStateQuiet
	v.stateStart = time.Now()
	v.smoothedRMS = 0

	for len(v.stateChange) > 0 {
		<-v.stateChange
	}
}
