package statestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore provides an in-memory implementation of the Store interface.
// It is thread-safe and suitable for development, testing, and single-instance
// deployments. For distributed deployments, use RedisStore.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*SessionSnapshot
	ttl   time.Duration

	// expiry tracks when each snapshot was last saved, for TTL sweeping.
	savedAt map[string]time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL sets the time-to-live for snapshots.
// Expired snapshots are dropped lazily on Load and List.
// Zero disables expiration.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.ttl = ttl
	}
}

// NewMemoryStore creates a new in-memory snapshot store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		snaps:   make(map[string]*SessionSnapshot),
		savedAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists a snapshot, overwriting any previous version.
func (s *MemoryStore) Save(ctx context.Context, snap *SessionSnapshot) error {
	if snap == nil {
		return ErrInvalidSnapshot
	}
	if snap.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snaps[snap.ID] = deepCopy(snap)
	s.savedAt[snap.ID] = time.Now()
	return nil
}

// Load retrieves a snapshot by session ID.
// Returns a deep copy to prevent external mutation.
func (s *MemoryStore) Load(ctx context.Context, id string) (*SessionSnapshot, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked(id) {
		delete(s.snaps, id)
		delete(s.savedAt, id)
		return nil, ErrNotFound
	}

	snap, exists := s.snaps[id]
	if !exists {
		return nil, ErrNotFound
	}
	return deepCopy(snap), nil
}

// Delete removes a snapshot by session ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.snaps[id]; !exists {
		return ErrNotFound
	}
	delete(s.snaps, id)
	delete(s.savedAt, id)
	return nil
}

// List returns all non-expired session IDs.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.snaps))
	for id := range s.snaps {
		if s.expiredLocked(id) {
			delete(s.snaps, id)
			delete(s.savedAt, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// expiredLocked reports whether a snapshot has outlived the TTL.
// Must be called with the mutex held.
func (s *MemoryStore) expiredLocked(id string) bool {
	if s.ttl <= 0 {
		return false
	}
	saved, ok := s.savedAt[id]
	if !ok {
		return false
	}
	return time.Since(saved) > s.ttl
}

// deepCopy duplicates a snapshot via JSON round-trip.
func deepCopy(snap *SessionSnapshot) *SessionSnapshot {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	var out SessionSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}
