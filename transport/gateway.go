// Package transport exposes the runtime to devices: a websocket stream
// carrying capture audio, wake detections and playback per device, and a
// small HTTP API for session control and wake ingestion from detectors
// that do not hold a stream open.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/logger"
	"github.com/AuralisLabs/voicekit/orchestrator"
	"github.com/AuralisLabs/voicekit/session"
	"github.com/AuralisLabs/voicekit/statestore"
	"github.com/AuralisLabs/voicekit/wake"
)

const (
	// readHeaderTimeout bounds header reads on the gateway listener.
	readHeaderTimeout = 10 * time.Second

	// frameBuffer is the per-device capacity for queued capture frames.
	// Frames past it are dropped rather than backpressuring the socket.
	frameBuffer = 64
)

// Gateway serves the device websocket stream and the session HTTP API.
// It also implements orchestrator.Output, routing playback to the device
// socket that owns the session.
type Gateway struct {
	cfg        config.TransportConfig
	manager    *session.Manager
	arbitrator *wake.Arbitrator
	store      statestore.Store

	orch     *orchestrator.Orchestrator
	upgrader websocket.Upgrader

	server  *http.Server
	mu      sync.Mutex
	devices map[string]*deviceConn
	started bool
}

// NewGateway creates a Gateway. Call Bind before Start so session loops
// can run; store may be nil to disable ended-session lookups.
func NewGateway(cfg config.TransportConfig, manager *session.Manager, arbitrator *wake.Arbitrator, store statestore.Store) *Gateway {
	return &Gateway{
		cfg:        cfg,
		manager:    manager,
		arbitrator: arbitrator,
		store:      store,
		devices:    make(map[string]*deviceConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Bind attaches the orchestrator that drives session loops. The gateway
// and orchestrator reference each other, so binding happens after both
// are constructed.
func (g *Gateway) Bind(orch *orchestrator.Orchestrator) {
	g.orch = orch
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/devices/{device}/stream", g.handleStream)
	mux.HandleFunc("POST /v1/sessions", g.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/touch", g.handleTouchSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", g.handleEndSession)
	mux.HandleFunc("GET /v1/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("POST /v1/wake", g.handleWake)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start begins serving at the configured gateway address. It blocks until
// the server stops; returns http.ErrServerClosed on graceful shutdown.
func (g *Gateway) Start() error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.server = &http.Server{
		Addr:              g.cfg.GatewayAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	g.started = true
	g.mu.Unlock()

	return g.server.ListenAndServe()
}

// Shutdown gracefully stops the gateway, closing device streams.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	for _, dc := range g.devices {
		dc.close()
	}
	g.devices = make(map[string]*deviceConn)
	server := g.server
	started := g.started
	g.started = false
	g.mu.Unlock()

	if server != nil && started {
		return server.Shutdown(ctx)
	}
	return nil
}

// Session API request/response shapes.

type createSessionRequest struct {
	DeviceID  string `json:"device_id"`
	SpeakerID string `json:"speaker_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	DeviceID    string `json:"device_id"`
	SpeakerID   string `json:"speaker_id,omitempty"`
	Mode        string `json:"mode"`
	State       string `json:"state"`
	Created     bool   `json:"created,omitempty"`
	TurnCount   int    `json:"turn_count"`
	EndedReason string `json:"ended_reason,omitempty"`
}

type wakeRequest struct {
	EventID     string  `json:"event_id,omitempty"`
	DeviceID    string  `json:"device_id"`
	Room        string  `json:"room,omitempty"`
	Confidence  float64 `json:"confidence"`
	Energy      float64 `json:"energy"`
	TimestampMs int64   `json:"timestamp_ms,omitempty"`
}

type wakeResponse struct {
	EventID       string `json:"event_id"`
	ShouldRespond bool   `json:"should_respond"`
	Reason        string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "device_id is required"})
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	sess, created := g.manager.CreateOrGet(req.DeviceID, req.SpeakerID, mode)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sessionToResponse(sess, created))
}

func (g *Gateway) handleTouchSession(w http.ResponseWriter, r *http.Request) {
	// Touch on a missing session is a no-op, matching manager semantics.
	g.manager.Touch(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleEndSession(w http.ResponseWriter, r *http.Request) {
	// End is idempotent; a repeat delete is not an error.
	g.manager.End(r.PathValue("id"), session.ReasonExplicit)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if sess, ok := g.manager.Get(id); ok {
		writeJSON(w, http.StatusOK, sessionToResponse(sess, false))
		return
	}

	// Ended sessions survive in the snapshot store until their TTL.
	if g.store != nil {
		snap, err := g.store.Load(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, sessionResponse{
				SessionID:   snap.ID,
				DeviceID:    snap.DeviceID,
				SpeakerID:   snap.SpeakerID,
				Mode:        snap.Mode,
				State:       snap.State,
				TurnCount:   snap.TurnCount,
				EndedReason: snap.EndedReason,
			})
			return
		}
		if !errors.Is(err, statestore.ErrNotFound) {
			logger.WarnContext(r.Context(), "snapshot lookup failed", "session_id", id, "error", err)
		}
	}

	writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
}

func (g *Gateway) handleWake(w http.ResponseWriter, r *http.Request) {
	var req wakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "device_id is required"})
		return
	}

	result, err := g.arbitrator.Submit(r.Context(), wakeEventFromRequest(req))
	switch {
	case errors.Is(err, wake.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "arbitrator closed"})
		return
	case err != nil && !errors.Is(err, wake.ErrAmbiguous):
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	status := http.StatusOK
	if result.Reason == wake.ReasonRateLimited {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, wakeResponse{
		EventID:       result.EventID,
		ShouldRespond: result.ShouldRespond,
		Reason:        result.Reason,
	})
}

// Play implements orchestrator.Output by sending rendered audio to the
// device socket that owns the session.
func (g *Gateway) Play(ctx context.Context, sessionID string, audio []byte) error {
	dc, err := g.connForSession(sessionID)
	if err != nil {
		return err
	}
	return dc.writeBinary(audio)
}

// StopPlayback implements orchestrator.Output with a control message; the
// device discards any buffered response audio on receipt.
func (g *Gateway) StopPlayback(ctx context.Context, sessionID string) error {
	dc, err := g.connForSession(sessionID)
	if err != nil {
		return err
	}
	return dc.writeControl(serverMessage{Type: "stop_playback", SessionID: sessionID})
}

// ErrDeviceNotConnected is returned when playback targets a session whose
// device has no open stream.
var ErrDeviceNotConnected = errors.New("device not connected")

func (g *Gateway) connForSession(sessionID string) (*deviceConn, error) {
	sess, ok := g.manager.Get(sessionID)
	if !ok {
		return nil, ErrDeviceNotConnected
	}
	g.mu.Lock()
	dc, ok := g.devices[sess.DeviceID]
	g.mu.Unlock()
	if !ok {
		return nil, ErrDeviceNotConnected
	}
	return dc, nil
}

func sessionToResponse(sess *session.Session, created bool) sessionResponse {
	sctx := sess.Context()
	resp := sessionResponse{
		SessionID: sess.ID,
		DeviceID:  sess.DeviceID,
		SpeakerID: sess.SpeakerID,
		Mode:      sess.Mode.String(),
		State:     sess.State().String(),
		Created:   created,
		TurnCount: len(sctx.Turns),
	}
	if ended, reason := sess.Ended(); ended {
		resp.EndedReason = reason
	}
	return resp
}

func wakeEventFromRequest(req wakeRequest) wake.Event {
	ts := time.Now()
	if req.TimestampMs > 0 {
		ts = time.UnixMilli(req.TimestampMs)
	}
	id := req.EventID
	if id == "" {
		id = uuid.NewString()
	}
	return wake.Event{
		ID:         id,
		DeviceID:   req.DeviceID,
		Timestamp:  ts,
		Confidence: req.Confidence,
		Energy:     req.Energy,
		Room:       req.Room,
	}
}

func parseMode(s string) (session.Mode, error) {
	switch s {
	case "", "command":
		return session.ModeCommand, nil
	case "conversation":
		return session.ModeConversation, nil
	default:
		return 0, errors.New("mode must be \"command\" or \"conversation\"")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
