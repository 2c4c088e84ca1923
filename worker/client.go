// Package worker provides HTTP clients for the runtime's out-of-process
// collaborators: the accelerator worker sidecar that hosts the recognition
// and synthesis models, and the intent service that owns business logic.
//
// The accelerator worker exposes a small JSON API. One worker process owns
// the accelerator; the runtime never touches the device directly, so a
// wedged model run is recoverable by restarting the worker alone.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AuralisLabs/voicekit/config"
	"github.com/AuralisLabs/voicekit/engine"
	"github.com/AuralisLabs/voicekit/health"
)

const (
	recognizePath  = "/v1/recognize"
	synthesizePath = "/v1/synthesize"
	healthPath     = "/v1/health"
	recoverPath    = "/v1/recover"
	restartPath    = "/v1/restart"

	contentTypeHeader = "Content-Type"
	applicationJSON   = "application/json"
)

// restartTimeout bounds the restart call separately from normal requests;
// a worker restart involves reloading models and is much slower than an
// inference pass.
const restartTimeout = 120 * time.Second

// Client talks to the accelerator worker sidecar. It implements
// engine.Recognizer, engine.Synthesizer, health.Probe and
// health.WorkerController.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a worker client from transport configuration.
func NewClient(cfg config.WorkerConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Name identifies the provider in task logs.
func (c *Client) Name() string {
	return "accelerator-worker"
}

type recognizeRequest struct {
	Audio      []byte `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	Language   string `json:"language,omitempty"`
}

type recognizeResponse struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
}

// Recognize transcribes audio on the worker.
func (c *Client) Recognize(ctx context.Context, audio []byte, cfg engine.RecognitionConfig) (engine.Transcript, error) {
	req := recognizeRequest{
		Audio:      audio,
		Format:     cfg.Format,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		BitDepth:   cfg.BitDepth,
		Language:   cfg.Language,
	}
	var resp recognizeResponse
	if err := postJSON(ctx, c.client, c.baseURL+recognizePath, req, &resp); err != nil {
		return engine.Transcript{}, fmt.Errorf("recognize: %w", err)
	}
	return engine.Transcript{
		Text:       resp.Text,
		Final:      resp.Final,
		Confidence: resp.Confidence,
	}, nil
}

type synthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type synthesizeResponse struct {
	Audio []byte `json:"audio"`
}

// Synthesize renders text to audio on the worker.
func (c *Client) Synthesize(ctx context.Context, text string, cfg engine.SynthesisConfig) ([]byte, error) {
	req := synthesizeRequest{
		Text:       text,
		Voice:      cfg.Voice,
		Format:     cfg.Format,
		SampleRate: cfg.SampleRate,
	}
	var resp synthesizeResponse
	if err := postJSON(ctx, c.client, c.baseURL+synthesizePath, req, &resp); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	return resp.Audio, nil
}

type healthResponse struct {
	MemoryPct      float64 `json:"memory_pct"`
	TemperatureC   float64 `json:"temperature_c"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// Probe reads the worker's accelerator health counters.
func (c *Client) Probe(ctx context.Context) (health.Snapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return health.Snapshot{}, fmt.Errorf("probe: %w", err)
	}
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return health.Snapshot{}, fmt.Errorf("probe: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		return health.Snapshot{}, fmt.Errorf("probe: worker returned %s", httpResp.Status)
	}
	var resp healthResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return health.Snapshot{}, fmt.Errorf("probe: decode response: %w", err)
	}
	return health.Snapshot{
		Timestamp:      time.Now(),
		MemoryPct:      resp.MemoryPct,
		TemperatureC:   resp.TemperatureC,
		UtilizationPct: resp.UtilizationPct,
	}, nil
}

// SoftRecover asks the worker to release caches and reset model state
// without dropping the process.
func (c *Client) SoftRecover(ctx context.Context) error {
	if err := postJSON(ctx, c.client, c.baseURL+recoverPath, struct{}{}, nil); err != nil {
		return fmt.Errorf("soft recover: %w", err)
	}
	return nil
}

// Restart asks the worker supervisor to restart the worker process and
// blocks until the new process reports ready or the restart window lapses.
func (c *Client) Restart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()
	if err := postJSON(ctx, c.client, c.baseURL+restartPath, struct{}{}, nil); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// postJSON sends a JSON body and decodes a JSON response into out when out
// is non-nil. Non-2xx statuses are surfaced as errors with the service's
// message when one is present.
func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set(contentTypeHeader, applicationJSON)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return statusError(httpResp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		return fmt.Errorf("unexpected status %s: %s", resp.Status, eb.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

var (
	_ engine.Recognizer       = (*Client)(nil)
	_ engine.Synthesizer      = (*Client)(nil)
	_ health.Probe            = (*Client)(nil)
	_ health.WorkerController = (*Client)(nil)
)
