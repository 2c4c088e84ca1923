package worker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/engine"
	"github.com/AuralisLabs/voicekit/logger"
)

const (
	scorePath      = "/v1/score"
	turnPath       = "/v1/turns"
	turnCancelPath = "/v1/turns/cancel"
)

// IntentClient talks to the business-logic service: completion scoring of
// partial transcripts and turn handling. Both run CPU-side, off the
// accelerator. It implements engine.CompletionScorer and engine.Handler.
type IntentClient struct {
	baseURL string
	client  *http.Client
}

// NewIntentClient creates an intent service client.
func NewIntentClient(cfg config.IntentConfig) *IntentClient {
	return &IntentClient{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

type scoreRequest struct {
	Partial string `json:"partial"`
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

// Score rates how complete a partial transcript reads, in [0,1].
func (c *IntentClient) Score(ctx context.Context, partialTranscript string) (float64, error) {
	var resp scoreResponse
	if err := postJSON(ctx, c.client, c.baseURL+scorePath, scoreRequest{Partial: partialTranscript}, &resp); err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	return resp.Score, nil
}

type sideEffectPayload struct {
	Name         string `json:"name"`
	Committed    bool   `json:"committed"`
	RollbackSafe bool   `json:"rollback_safe"`
}

type turnRequestPayload struct {
	SessionID     string `json:"session_id"`
	SpeakerID     string `json:"speaker_id,omitempty"`
	Transcript    string `json:"transcript"`
	LowConfidence bool   `json:"low_confidence,omitempty"`
}

type turnResponsePayload struct {
	Text        string              `json:"text"`
	SideEffects []sideEffectPayload `json:"side_effects,omitempty"`
}

type turnCancelPayload struct {
	SessionID string              `json:"session_id"`
	Effects   []sideEffectPayload `json:"effects,omitempty"`
}

// HandleTurn forwards a finalized transcript to the intent service.
func (c *IntentClient) HandleTurn(ctx context.Context, req engine.TurnRequest) (engine.Response, error) {
	payload := turnRequestPayload{
		SessionID:     req.SessionID,
		SpeakerID:     req.SpeakerID,
		Transcript:    req.Transcript,
		LowConfidence: req.LowConfidence,
	}
	var resp turnResponsePayload
	if err := postJSON(ctx, c.client, c.baseURL+turnPath, payload, &resp); err != nil {
		return engine.Response{}, fmt.Errorf("handle turn: %w", err)
	}

	out := engine.Response{Text: resp.Text}
	for _, e := range resp.SideEffects {
		out.SideEffects = append(out.SideEffects, engine.SideEffect{
			Name:         e.Name,
			Committed:    e.Committed,
			RollbackSafe: e.RollbackSafe,
		})
	}
	return out, nil
}

// CancelNotice reports an interrupted response so the intent service can
// compensate speculative side effects. Delivery is best effort: the
// compensation contract is at-least-one-notice, not guaranteed rollback.
func (c *IntentClient) CancelNotice(ctx context.Context, sessionID string, effects []engine.SideEffect) {
	payload := turnCancelPayload{SessionID: sessionID}
	for _, e := range effects {
		payload.Effects = append(payload.Effects, sideEffectPayload{
			Name:         e.Name,
			Committed:    e.Committed,
			RollbackSafe: e.RollbackSafe,
		})
	}
	if err := postJSON(ctx, c.client, c.baseURL+turnCancelPath, payload, nil); err != nil {
		logger.WarnContext(ctx, "cancel notice delivery failed", "session_id", sessionID, "error", err)
	}
}

var (
	_ engine.CompletionScorer = (*IntentClient)(nil)
	_ engine.Handler          = (*IntentClient)(nil)
)
