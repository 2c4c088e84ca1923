package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/statestore"
)

func testManagerConfig() config.SessionConfig {
	return config.SessionConfig{
		MaxConcurrentSessions: 3,
		Timeout:               300 * time.Second,
		SweepInterval:         time.Second,
		TurnHistoryLimit:      4,
	}
}

func TestCreateOrGetReusesActiveSession(t *testing.T) {
	m := NewManager(testManagerConfig(), nil, nil)

	first, created := m.CreateOrGet("dev-1", "alice", ModeConversation)
	require.True(t, created)

	second, created := m.CreateOrGet("dev-1", "alice", ModeConversation)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, m.Count())
}

func TestOnePerDeviceManyDevices(t *testing.T) {
	m := NewManager(testManagerConfig(), nil, nil)

	m.CreateOrGet("dev-1", "", ModeCommand)
	m.CreateOrGet("dev-2", "", ModeCommand)
	m.CreateOrGet("dev-1", "", ModeCommand)

	assert.Equal(t, 2, m.Count())
}

func TestEvictionAtCapacity(t *testing.T) {
	m := NewManager(testManagerConfig(), nil, nil)

	oldest, _ := m.CreateOrGet("dev-1", "", ModeConversation)
	time.Sleep(5 * time.Millisecond)
	m.CreateOrGet("dev-2", "", ModeConversation)
	time.Sleep(5 * time.Millisecond)
	m.CreateOrGet("dev-3", "", ModeConversation)
	time.Sleep(5 * time.Millisecond)

	// Keep dev-1 fresh so dev-2 becomes the LRU.
	m.Touch(oldest.ID)
	lru, _ := m.GetByDevice("dev-2")

	_, created := m.CreateOrGet("dev-4", "", ModeConversation)
	require.True(t, created)

	assert.Equal(t, 3, m.Count())
	_, exists := m.Get(lru.ID)
	assert.False(t, exists)

	ended, reason := lru.Ended()
	assert.True(t, ended)
	assert.Equal(t, ReasonEvicted, reason)

	// The session kept fresh survived.
	_, exists = m.Get(oldest.ID)
	assert.True(t, exists)
}

func TestEndIsIdempotent(t *testing.T) {
	m := NewManager(testManagerConfig(), nil, nil)
	sess, _ := m.CreateOrGet("dev-1", "", ModeCommand)

	m.End(sess.ID, ReasonExplicit)
	ended, reason := sess.Ended()
	require.True(t, ended)
	assert.Equal(t, ReasonExplicit, reason)

	// Second end: no panic, reason unchanged.
	m.End(sess.ID, ReasonTimeout)
	_, reason = sess.Ended()
	assert.Equal(t, ReasonExplicit, reason)
}

func TestTouchMissingSessionIsNoOp(t *testing.T) {
	m := NewManager(testManagerConfig(), nil, nil)
	assert.NotPanics(t, func() { m.Touch("no-such-session") })
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	cfg := testManagerConfig()
	cfg.Timeout = 20 * time.Millisecond
	m := NewManager(cfg, nil, nil)

	stale, _ := m.CreateOrGet("dev-1", "", ModeConversation)
	time.Sleep(40 * time.Millisecond)
	fresh, _ := m.CreateOrGet("dev-2", "", ModeConversation)

	removed := m.Sweep()
	assert.Equal(t, 1, removed)

	_, exists := m.Get(stale.ID)
	assert.False(t, exists)
	_, exists = m.Get(fresh.ID)
	assert.True(t, exists)

	ended, reason := stale.Ended()
	require.True(t, ended)
	assert.Equal(t, ReasonTimeout, reason)
}

func TestTurnHistoryBounded(t *testing.T) {
	m := NewManager(testManagerConfig(), nil, nil)
	sess, _ := m.CreateOrGet("dev-1", "alice", ModeConversation)

	for i := 0; i < 6; i++ {
		idx := sess.NextTurnIndex()
		sess.AppendTurn(Turn{Index: idx, Transcript: "turn"})
	}

	sctx := sess.Context()
	assert.Len(t, sctx.Turns, 4)
	// Oldest turns dropped; counter stays monotonic.
	assert.Equal(t, 3, sctx.Turns[0].Index)
	assert.Equal(t, 6, sctx.Turns[3].Index)
}

func TestContextIsolation(t *testing.T) {
	m := NewManager(testManagerConfig(), nil, nil)

	a, _ := m.CreateOrGet("dev-a", "alice", ModeConversation)
	b, _ := m.CreateOrGet("dev-b", "bob", ModeConversation)

	a.AppendTurn(Turn{Index: a.NextTurnIndex(), Transcript: "alice secret"})
	b.AppendTurn(Turn{Index: b.NextTurnIndex(), Transcript: "bob secret"})

	actx := a.Context()
	assert.Equal(t, "alice", actx.SpeakerID)
	require.Len(t, actx.Turns, 1)
	assert.Equal(t, "alice secret", actx.Turns[0].Transcript)

	// Mutating the returned copy never leaks back.
	actx.Turns[0].Transcript = "mutated"
	assert.Equal(t, "alice secret", a.Context().Turns[0].Transcript)
}

func TestSnapshotMirroredToStore(t *testing.T) {
	store := statestore.NewMemoryStore()
	m := NewManager(testManagerConfig(), nil, store)

	sess, _ := m.CreateOrGet("dev-1", "alice", ModeConversation)
	sess.AppendTurn(Turn{Index: sess.NextTurnIndex(), Transcript: "hello"})
	m.SaveSnapshot(sess.ID)

	snap, err := store.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", snap.DeviceID)
	assert.Equal(t, 1, snap.TurnCount)

	m.End(sess.ID, ReasonExplicit)
	snap, err = store.Load(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonExplicit, snap.EndedReason)
}
