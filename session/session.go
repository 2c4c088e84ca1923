// Package session owns the lifecycle of conversational sessions.
//
// The Manager is the single owner of all session state: capacity limits,
// LRU eviction, inactivity sweeping, and the per-device uniqueness
// invariant. Other components reference sessions by ID or hold the
// *Session handle and go through its methods; nothing else keeps a copy
// of mutable fields.
package session

import (
	"sync"
	"time"

	"github.com/AuralisLabs/voicekit/statestore"
)

// Mode selects how a session behaves after the assistant finishes speaking.
type Mode int

const (
	// ModeCommand ends the exchange after one response.
	ModeCommand Mode = iota
	// ModeConversation returns to listening for a follow-up.
	ModeConversation
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeCommand:
		return "command"
	case ModeConversation:
		return "conversation"
	default:
		return "unknown"
	}
}

// State is the conversational state of a session.
type State int

const (
	// StateIdle means no active exchange.
	StateIdle State = iota
	// StateListening means user audio is being consumed.
	StateListening
	// StateProcessing means a finalized turn is with business logic.
	StateProcessing
	// StateSpeaking means response audio is being played.
	StateSpeaking
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// End reasons.
const (
	ReasonExplicit = "explicit"
	ReasonTimeout  = "timeout"
	ReasonEvicted  = "evicted_for_new_session"
)

// Turn is one completed user exchange.
type Turn struct {
	Index         int
	Transcript    string
	Response      string
	LowConfidence bool
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Context is the isolation boundary for per-session processing: everything
// business logic may see about a session. It is assembled exclusively from
// the session's own state and resolved speaker identity.
type Context struct {
	SessionID string
	DeviceID  string
	SpeakerID string
	Mode      Mode
	Turns     []Turn
}

// Session is one active conversational context bound to one device.
// Identity fields are immutable after creation; mutable fields are
// guarded by the session's own mutex.
type Session struct {
	ID        string
	DeviceID  string
	SpeakerID string
	Mode      Mode
	CreatedAt time.Time

	historyLimit int

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	turns        []Turn
	turnCounter  int
	ended        bool
	endReason    string
}

// State returns the session's current conversational state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState transitions the session's conversational state and refreshes
// the activity timestamp.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastActivity = time.Now()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// touch refreshes the activity timestamp.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// NextTurnIndex increments and returns the monotonic turn counter.
func (s *Session) NextTurnIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnCounter++
	return s.turnCounter
}

// AppendTurn records a completed turn in the bounded history ring.
func (s *Session) AppendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, turn)
	if len(s.turns) > s.historyLimit {
		s.turns = s.turns[len(s.turns)-s.historyLimit:]
	}
	s.lastActivity = time.Now()
}

// Context assembles the isolation-safe processing context for this session.
// The returned turn slice is a copy.
func (s *Session) Context() Context {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)

	return Context{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		SpeakerID: s.SpeakerID,
		Mode:      s.Mode,
		Turns:     turns,
	}
}

// Ended reports whether the session has been ended, and the reason.
func (s *Session) Ended() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended, s.endReason
}

// markEnded flags the session as ended exactly once.
// Returns false if it was already ended.
func (s *Session) markEnded(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.endReason = reason
	s.state = StateIdle
	return true
}

// Snapshot builds the externally visible snapshot of this session.
func (s *Session) Snapshot() *statestore.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]statestore.TurnRecord, 0, len(s.turns))
	for _, t := range s.turns {
		turns = append(turns, statestore.TurnRecord{
			Index:         t.Index,
			Transcript:    t.Transcript,
			Response:      t.Response,
			LowConfidence: t.LowConfidence,
			CompletedAt:   t.CompletedAt,
		})
	}

	return &statestore.SessionSnapshot{
		ID:             s.ID,
		DeviceID:       s.DeviceID,
		SpeakerID:      s.SpeakerID,
		Mode:           s.Mode.String(),
		State:          s.state.String(),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
		TurnCount:      s.turnCounter,
		Turns:          turns,
		EndedReason:    s.endReason,
	}
}
