package audio

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

// pcmFrame builds a 16-bit PCM frame of n samples at constant amplitude.
func pcmFrame(n int, amplitude int16) []byte {
	frame := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(amplitude))
	}
	return frame
}

func TestNewEnergyVAD_ValidatesParams(t *testing.T) {
	params := DefaultVADParams()
	params.Confidence = 1.5

	if _, err := NewEnergyVAD(params); err == nil {
		t.Fatal("expected validation error for Confidence > 1")
	}
}

func TestEnergyVAD_SilenceYieldsZeroEnergy(t *testing.T) {
	v, err := NewEnergyVAD(DefaultVADParams())
	if err != nil {
		t.Fatalf("NewEnergyVAD() error = %v", err)
	}

	energy, err := v.Analyze(context.Background(), pcmFrame(320, 0))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if energy != 0 {
		t.Errorf("energy = %v, want 0 for silence", energy)
	}
	if v.State() != VADStateQuiet {
		t.Errorf("state = %v, want quiet", v.State())
	}
}

func TestEnergyVAD_LoudAudioStartsSpeech(t *testing.T) {
	params := DefaultVADParams()
	params.StartSecs = 0 // transition immediately for the test
	v, err := NewEnergyVAD(params)
	if err != nil {
		t.Fatalf("NewEnergyVAD() error = %v", err)
	}

	// Several loud frames to overcome smoothing
	var energy float64
	for i := 0; i < 10; i++ {
		energy, err = v.Analyze(context.Background(), pcmFrame(320, 16000))
		if err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
	}

	if energy <= DefaultVADConfidence {
		t.Errorf("energy = %v, want above confidence threshold", energy)
	}
	if got := v.State(); got != VADStateSpeaking {
		t.Errorf("state = %v, want speaking", got)
	}
	if v.LastEnergy() <= 0 {
		t.Errorf("LastEnergy() = %v, want positive", v.LastEnergy())
	}
}

func TestEnergyVAD_SpeechThenSilenceReturnsToQuiet(t *testing.T) {
	params := DefaultVADParams()
	params.StartSecs = 0
	params.StopSecs = 0.02
	v, _ := NewEnergyVAD(params)

	for i := 0; i < 10; i++ {
		v.Analyze(context.Background(), pcmFrame(320, 16000))
	}
	if v.State() != VADStateSpeaking {
		t.Fatalf("state = %v, want speaking before silence", v.State())
	}

	// Silence: first frame moves to stopping, then quiet after StopSecs
	v.Analyze(context.Background(), pcmFrame(320, 0))
	if v.State() != VADStateStopping {
		t.Fatalf("state = %v, want stopping", v.State())
	}

	time.Sleep(30 * time.Millisecond)
	for i := 0; i < 10; i++ {
		v.Analyze(context.Background(), pcmFrame(320, 0))
	}
	if v.State() != VADStateQuiet {
		t.Errorf("state = %v, want quiet after stop threshold", v.State())
	}
}

func TestEnergyVAD_EmitsStateChangeEvents(t *testing.T) {
	params := DefaultVADParams()
	params.StartSecs = 0
	v, _ := NewEnergyVAD(params)

	for i := 0; i < 10; i++ {
		v.Analyze(context.Background(), pcmFrame(320, 16000))
	}

	select {
	case event := <-v.OnStateChange():
		if event.State != VADStateStarting && event.State != VADStateSpeaking {
			t.Errorf("unexpected first transition: %v", event.State)
		}
		if event.PrevState != VADStateQuiet {
			t.Errorf("PrevState = %v, want quiet", event.PrevState)
		}
	default:
		t.Error("expected a state change event")
	}
}

func TestEnergyVAD_Reset(t *testing.T) {
	params := DefaultVADParams()
	params.StartSecs = 0
	v, _ := NewEnergyVAD(params)

	for i := 0; i < 10; i++ {
		v.Analyze(context.Background(), pcmFrame(320, 16000))
	}
	v.Reset()

	if v.State() != VADStateQuiet {
		t.Errorf("state after Reset = %v, want quiet", v.State())
	}
	if v.LastEnergy() != 0 {
		t.Errorf("LastEnergy after Reset = %v, want 0", v.LastEnergy())
	}
	select {
	case event := <-v.OnStateChange():
		t.Errorf("event channel should be drained, got %v", event)
	default:
	}
}

func TestVADStateString(t *testing.T) {
	tests := []struct {
		state VADState
		want  string
	}{
		{VADStateQuiet, "quiet"},
		{VADStateStarting, "starting"},
		{VADStateSpeaking, "speaking"},
		{VADStateStopping, "stopping"},
		{VADState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VADState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
