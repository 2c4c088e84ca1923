package session

import (
	"context"
	"errors"
	"time"

	"sync"

	"github.com/google/uuid"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/events"
	"github.com/AuralisLabs/voicekit/logger"
	"github.com/AuralisLabs/voicekit/statestore"
)

// ErrEvicted marks an outcome where a session was removed to make room
// for a new one. It surfaces to business logic as degraded-but-handled,
// not as a crash.
var ErrEvicted = errors.New("session evicted for new session")

// Manager owns all active sessions.
type Manager struct {
	cfg   config.SessionConfig
	bus   *events.Bus
	store statestore.Store

	mu       sync.Mutex
	byID     map[string]*Session
	byDevice map[string]*Session
}

// NewManager creates a session Manager.
// bus and store may be nil to disable event publication and snapshot
// mirroring respectively.
func NewManager(cfg config.SessionConfig, bus *events.Bus, store statestore.Store) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		store:    store,
		byID:     make(map[string]*Session),
		byDevice: make(map[string]*Session),
	}
}

// CreateOrGet returns the device's active session, creating one if needed.
// When the active-session count is at the configured maximum, the globally
// least-recently-active session is evicted first. The second return value
// reports whether a new session was created.
func (m *Manager) CreateOrGet(deviceID, speakerID string, mode Mode) (*Session, bool) {
	m.mu.Lock()

	if existing, ok := m.byDevice[deviceID]; ok {
		existing.touch()
		m.mu.Unlock()
		return existing, false
	}

	var evicted *Session
	if len(m.byID) >= m.cfg.MaxConcurrentSessions {
		evicted = m.lruLocked()
		if evicted != nil {
			m.removeLocked(evicted)
		}
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		SpeakerID:    speakerID,
		Mode:         mode,
		CreatedAt:    now,
		historyLimit: m.cfg.TurnHistoryLimit,
		state:        StateIdle,
		lastActivity: now,
	}
	m.byID[sess.ID] = sess
	m.byDevice[deviceID] = sess
	active := len(m.byID)
	m.mu.Unlock()

	if evicted != nil {
		m.finishEnd(evicted, ReasonEvicted, active)
	}

	logger.SessionEvent("created", sess.ID, deviceID, "mode", mode.String(), "active", active)
	if m.bus != nil {
		m.bus.Emit(events.EventSessionCreated, &events.SessionData{
			SessionID: sess.ID,
			DeviceID:  deviceID,
			Active:    active,
		})
	}
	m.saveSnapshot(sess)

	return sess, true
}

// Get returns the session with the given ID, if it is still active.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[id]
	return sess, ok
}

// GetByDevice returns the active session for a device, if any.
func (m *Manager) GetByDevice(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byDevice[deviceID]
	return sess, ok
}

// Touch updates a session's last-activity time.
// It is a no-op if the session no longer exists.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	sess, ok := m.byID[id]
	m.mu.Unlock()
	if ok {
		sess.touch()
	}
}

// End terminates a session with the given reason.
// Ending an already-ended or unknown session is a no-op.
func (m *Manager) End(id, reason string) {
	m.mu.Lock()
	sess, ok := m.byID[id]
	if ok {
		m.removeLocked(sess)
	}
	active := len(m.byID)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.finishEnd(sess, reason, active)
}

// Sweep removes sessions whose inactivity exceeds the timeout, ending them
// with reason "timeout". Returns the number of sessions removed.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.cfg.Timeout)

	m.mu.Lock()
	var expired []*Session
	for _, sess := range m.byID {
		if sess.LastActivity().Before(cutoff) {
			expired = append(expired, sess)
		}
	}
	for _, sess := range expired {
		m.removeLocked(sess)
	}
	active := len(m.byID)
	m.mu.Unlock()

	for _, sess := range expired {
		m.finishEnd(sess, ReasonTimeout, active)
	}
	return len(expired)
}

// Run sweeps on the configured interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// lruLocked returns the least-recently-active session.
// Must be called with the manager mutex held.
func (m *Manager) lruLocked() *Session {
	var lru *Session
	var lruTime time.Time
	for _, sess := range m.byID {
		t := sess.LastActivity()
		if lru == nil || t.Before(lruTime) {
			lru = sess
			lruTime = t
		}
	}
	return lru
}

// removeLocked drops a session from both indexes.
// Must be called with the manager mutex held.
func (m *Manager) removeLocked(sess *Session) {
	delete(m.byID, sess.ID)
	delete(m.byDevice, sess.DeviceID)
}

// finishEnd performs end-of-life side effects exactly once per session.
func (m *Manager) finishEnd(sess *Session, reason string, active int) {
	if !sess.markEnded(reason) {
		return
	}

	logger.SessionEvent("ended", sess.ID, sess.DeviceID, "reason", reason, "active", active)

	if m.bus != nil {
		eventType := events.EventSessionEnded
		if reason == ReasonEvicted {
			eventType = events.EventSessionEvicted
		}
		m.bus.Emit(eventType, &events.SessionData{
			SessionID: sess.ID,
			DeviceID:  sess.DeviceID,
			Reason:    reason,
			Active:    active,
		})
	}
	m.saveSnapshot(sess)
}

// saveSnapshot mirrors the session's visible state to the snapshot store.
func (m *Manager) saveSnapshot(sess *Session) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, sess.Snapshot()); err != nil {
		logger.Warn("session snapshot save failed", "session_id", sess.ID, "error", err)
	}
}

// SaveSnapshot mirrors a session's current state to the snapshot store.
// Callers use this after recording turns or state transitions.
func (m *Manager) SaveSnapshot(id string) {
	m.mu.Lock()
	sess, ok := m.byID[id]
	m.mu.Unlock()
	if ok {
		m.saveSnapshot(sess)
	}
}
