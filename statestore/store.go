// Package statestore persists point-in-time session snapshots.
//
// The runtime mirrors each session's externally visible state here so the
// Session API and dashboards can read it without touching the Session
// Manager's owned state. Long-term conversation memory is out of scope;
// snapshots expire with a TTL.
package statestore

import (
	"context"
	"errors"
	"time"
)

// Common store errors.
var (
	// ErrNotFound is returned when a snapshot doesn't exist.
	ErrNotFound = errors.New("session snapshot not found")

	// ErrInvalidID is returned when an empty snapshot ID is provided.
	ErrInvalidID = errors.New("invalid snapshot ID")

	// ErrInvalidSnapshot is returned when a nil snapshot is provided.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// TurnRecord is one completed turn inside a snapshot.
type TurnRecord struct {
	Index         int       `json:"index"`
	Transcript    string    `json:"transcript"`
	Response      string    `json:"response,omitempty"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// SessionSnapshot is the externally visible state of one session.
type SessionSnapshot struct {
	ID             string       `json:"id"`
	DeviceID       string       `json:"device_id"`
	SpeakerID      string       `json:"speaker_id,omitempty"`
	Mode           string       `json:"mode"`
	State          string       `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	TurnCount      int          `json:"turn_count"`
	Turns          []TurnRecord `json:"turns,omitempty"`
	EndedReason    string       `json:"ended_reason,omitempty"`
}

// Store persists session snapshots.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists a snapshot, overwriting any previous version.
	Save(ctx context.Context, snap *SessionSnapshot) error

	// Load retrieves a snapshot by session ID.
	// Returns ErrNotFound if no snapshot exists.
	Load(ctx context.Context, id string) (*SessionSnapshot, error)

	// Delete removes a snapshot by session ID.
	// Returns ErrNotFound if no snapshot exists.
	Delete(ctx context.Context, id string) error

	// List returns all stored session IDs.
	List(ctx context.Context) ([]string, error)
}
