package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/AuralisLabs/voicekit/logger"
	"github.com/AuralisLabs/voicekit/orchestrator"
	"github.com/AuralisLabs/voicekit/session"
	"github.com/AuralisLabs/voicekit/wake"
)

// Device stream protocol: binary messages carry capture audio frames;
// text messages are JSON controls.

// clientMessage is a control message from the device.
type clientMessage struct {
	Type string `json:"type"` // wake, start_session, end_session

	// Wake fields.
	EventID     string  `json:"event_id,omitempty"`
	Room        string  `json:"room,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Energy      float64 `json:"energy,omitempty"`
	TimestampMs int64   `json:"timestamp_ms,omitempty"`

	// Session fields.
	SpeakerID string `json:"speaker_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// serverMessage is a control message to the device.
type serverMessage struct {
	Type string `json:"type"` // wake_result, session, stop_playback, error

	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`

	EventID       string `json:"event_id,omitempty"`
	ShouldRespond *bool  `json:"should_respond,omitempty"`
	Reason        string `json:"reason,omitempty"`

	Error string `json:"error,omitempty"`
}

// deviceConn is one device's open stream.
type deviceConn struct {
	deviceID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	frames    chan orchestrator.Frame
	wakes     chan struct{}
	sessionID string
	dropped   int
	closed    bool
}

func (dc *deviceConn) writeBinary(payload []byte) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	return dc.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (dc *deviceConn) writeControl(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	return dc.conn.WriteMessage(websocket.TextMessage, data)
}

// pushFrame forwards a capture frame to the active session loop, dropping
// when the loop is behind. Capture audio is perishable: stale frames are
// worse than missing ones.
func (dc *deviceConn) pushFrame(frame orchestrator.Frame) {
	dc.mu.Lock()
	frames := dc.frames
	if frames == nil {
		dc.mu.Unlock()
		return
	}
	select {
	case frames <- frame:
		dc.mu.Unlock()
	default:
		dc.dropped++
		dropped := dc.dropped
		dc.mu.Unlock()
		if dropped%100 == 1 {
			logger.Warn("capture frames dropped", "device_id", dc.deviceID, "dropped", dropped)
		}
	}
}

// notifyWake signals the active session loop that this device won another
// wake, so an idle loop re-opens listening. The channel holds one pending
// signal; extra wakes while one is queued are redundant.
func (dc *deviceConn) notifyWake() {
	dc.mu.Lock()
	wakes := dc.wakes
	dc.mu.Unlock()
	if wakes == nil {
		return
	}
	select {
	case wakes <- struct{}{}:
	default:
	}
}

// detachLoop closes the active session loop's frame channel, if any.
func (dc *deviceConn) detachLoop() {
	dc.mu.Lock()
	frames := dc.frames
	dc.frames = nil
	dc.wakes = nil
	dc.sessionID = ""
	dc.mu.Unlock()
	if frames != nil {
		close(frames)
	}
}

func (dc *deviceConn) close() {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return
	}
	dc.closed = true
	dc.mu.Unlock()
	dc.detachLoop()
	_ = dc.conn.Close()
}

// handleStream upgrades a device connection and runs its read loop.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	if deviceID == "" {
		http.Error(w, "device is required", http.StatusBadRequest)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	dc := &deviceConn{deviceID: deviceID, conn: conn}
	g.register(dc)
	defer g.unregister(dc)

	ctx := logger.WithDeviceID(context.Background(), deviceID)
	logger.InfoContext(ctx, "device stream opened")

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			logger.DebugContext(ctx, "device stream closed", "error", err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			dc.pushFrame(orchestrator.Frame{Audio: payload})
		case websocket.TextMessage:
			g.handleControl(ctx, dc, payload)
		}
	}
}

// register installs the connection, replacing any stale stream for the
// same device.
func (g *Gateway) register(dc *deviceConn) {
	g.mu.Lock()
	old := g.devices[dc.deviceID]
	g.devices[dc.deviceID] = dc
	g.mu.Unlock()
	if old != nil {
		old.close()
	}
}

func (g *Gateway) unregister(dc *deviceConn) {
	g.mu.Lock()
	if g.devices[dc.deviceID] == dc {
		delete(g.devices, dc.deviceID)
	}
	g.mu.Unlock()
	dc.close()
}

// handleControl dispatches one JSON control message from the device.
func (g *Gateway) handleControl(ctx context.Context, dc *deviceConn, payload []byte) {
	var msg clientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		_ = dc.writeControl(serverMessage{Type: "error", Error: "invalid control message"})
		return
	}

	switch msg.Type {
	case "wake":
		g.handleWakeControl(ctx, dc, msg)
	case "start_session":
		g.startSessionLoop(ctx, dc, msg.SpeakerID, msg.Mode)
	case "end_session":
		dc.mu.Lock()
		sessionID := dc.sessionID
		dc.mu.Unlock()
		if sessionID != "" {
			g.manager.End(sessionID, session.ReasonExplicit)
		}
		dc.detachLoop()
	default:
		_ = dc.writeControl(serverMessage{Type: "error", Error: "unknown control type " + msg.Type})
	}
}

// handleWakeControl arbitrates a wake detection from the stream. A win
// starts a session loop on this device immediately.
func (g *Gateway) handleWakeControl(ctx context.Context, dc *deviceConn, msg clientMessage) {
	ev := wakeEventFromRequest(wakeRequest{
		EventID:     msg.EventID,
		DeviceID:    dc.deviceID,
		Room:        msg.Room,
		Confidence:  msg.Confidence,
		Energy:      msg.Energy,
		TimestampMs: msg.TimestampMs,
	})

	// Submit blocks for up to the arbitration window; keep the read loop
	// free to stream audio in the meantime.
	go func() {
		result, err := g.arbitrator.Submit(ctx, ev)
		if err != nil && !errors.Is(err, wake.ErrAmbiguous) {
			_ = dc.writeControl(serverMessage{Type: "error", Error: err.Error()})
			return
		}

		resp := serverMessage{
			Type:          "wake_result",
			EventID:       result.EventID,
			ShouldRespond: &result.ShouldRespond,
			Reason:        result.Reason,
		}
		if result.ShouldRespond {
			if sessionID, ok := g.startSessionLoop(ctx, dc, msg.SpeakerID, msg.Mode); ok {
				resp.SessionID = sessionID
			}
		}
		_ = dc.writeControl(resp)
	}()
}

// startSessionLoop creates (or reuses) this device's session and runs its
// conversation loop against the stream's frames.
func (g *Gateway) startSessionLoop(ctx context.Context, dc *deviceConn, speakerID, modeStr string) (string, bool) {
	if g.orch == nil {
		_ = dc.writeControl(serverMessage{Type: "error", Error: "runtime not ready"})
		return "", false
	}
	mode, err := parseMode(modeStr)
	if err != nil {
		_ = dc.writeControl(serverMessage{Type: "error", Error: err.Error()})
		return "", false
	}

	sess, _ := g.manager.CreateOrGet(dc.deviceID, speakerID, mode)

	dc.mu.Lock()
	running := dc.frames != nil && dc.sessionID == sess.ID
	dc.mu.Unlock()
	if running {
		// The loop is already consuming this stream. If the session went
		// idle after a command exchange, this wake re-opens listening.
		dc.notifyWake()
	} else {
		dc.detachLoop()
		frames := make(chan orchestrator.Frame, frameBuffer)
		wakes := make(chan struct{}, 1)
		dc.mu.Lock()
		dc.frames = frames
		dc.wakes = wakes
		dc.sessionID = sess.ID
		dc.mu.Unlock()

		go func() {
			if err := g.orch.RunSession(ctx, sess, frames, wakes); err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(ctx, "session loop failed", "session_id", sess.ID, "error", err)
			}
		}()
	}

	_ = dc.writeControl(serverMessage{
		Type:      "session",
		SessionID: sess.ID,
		State:     sess.State().String(),
	})
	return sess.ID, true
}

var _ orchestrator.Output = (*Gateway)(nil)
