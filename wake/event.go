// Package wake resolves near-simultaneous wake-phrase detections from
// multiple devices into a single responding device.
//
// Devices in the same room race inside a sliding arbitration window; every
// submitted event receives a result so losing devices know to suppress their
// response. Untagged devices each form their own space and never compete
// with one another.
package wake

import "time"

// Event is an ephemeral wake-detection candidate reported by a device.
// Events are consumed within one arbitration window and never persisted.
type Event struct {
	// ID uniquely identifies this detection.
	ID string

	// DeviceID is the reporting device.
	DeviceID string

	// Timestamp is when the device detected the wake phrase.
	Timestamp time.Time

	// Confidence is the detector's confidence score (0.0-1.0).
	Confidence float64

	// Energy is the speech energy at detection, used for tie-breaking.
	Energy float64

	// Room tags the physical space. Events from different rooms never
	// compete; an empty room places the device in its own space.
	Room string
}

// Arbitration result reasons.
const (
	ReasonWon         = "won_arbitration"
	ReasonLost        = "lost_arbitration"
	ReasonBelowFloor  = "below_confidence_floor"
	ReasonRateLimited = "rate_limited"
)

// Result tells a device whether to respond to its wake detection.
type Result struct {
	EventID       string
	DeviceID      string
	ShouldRespond bool
	Reason        string
}

// space returns the arbitration key for the event. Untagged devices get a
// private space so they never compete with each other.
func (e Event) space() string {
	if e.Room != "" {
		return "room:" + e.Room
	}
	return "device:" + e.DeviceID
}
