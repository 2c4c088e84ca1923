// Package config defines the structured runtime configuration for voicekit.
//
// All tunables recognized by the runtime are enumerated here with defaults
// and validation; components receive their slice of the configuration at
// construction time rather than ad-hoc per-call options.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for runtime configuration.
const (
	DefaultMaxConcurrentSessions    = 32
	DefaultSessionTimeout           = 300 * time.Second
	DefaultSweepInterval            = 30 * time.Second
	DefaultTurnHistoryLimit         = 16
	DefaultArbitrationWindow        = 300 * time.Millisecond
	DefaultWakeConfidenceFloor      = 0.4
	DefaultWakeEventsPerSecond      = 10.0
	DefaultWakeBurst                = 5
	DefaultAcceleratorMaxConcurrent = 2
	DefaultAcceleratorTaskTimeout   = 10 * time.Second
	DefaultBargeInMinSpeech         = 150 * time.Millisecond
	DefaultHealthPollInterval       = 5 * time.Second
	DefaultSoftRecoveryCooldown     = 15 * time.Second
	DefaultHardRecoveryCooldown     = 60 * time.Second
	DefaultListenTimeout            = 4 * time.Second
	DefaultMetricsAddr              = ":9090"
	DefaultGatewayAddr              = ":8080"
)

// Config is the top-level runtime configuration.
type Config struct {
	Session     SessionConfig     `yaml:"session"`
	Wake        WakeConfig        `yaml:"wake"`
	Accelerator AcceleratorConfig `yaml:"accelerator"`
	Turn        TurnConfig        `yaml:"turn"`
	BargeIn     BargeInConfig     `yaml:"barge_in"`
	Transport   TransportConfig   `yaml:"transport"`
	StateStore  StateStoreConfig  `yaml:"state_store"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Worker      WorkerConfig      `yaml:"worker"`
	Intent      IntentConfig      `yaml:"intent"`
}

// SessionConfig bounds session capacity and lifetime.
type SessionConfig struct {
	// MaxConcurrentSessions is the global cap on active sessions.
	// When exceeded, the least-recently-active session is evicted.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// Timeout is the inactivity duration after which a session is swept.
	Timeout time.Duration `yaml:"timeout"`

	// SweepInterval is how often the manager scans for expired sessions.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// TurnHistoryLimit bounds the per-session turn history ring.
	TurnHistoryLimit int `yaml:"turn_history_limit"`
}

// WakeConfig tunes wake-event arbitration.
type WakeConfig struct {
	// ArbitrationWindow is the sliding window within which wake events
	// from the same room compete.
	ArbitrationWindow time.Duration `yaml:"arbitration_window"`

	// ConfidenceFloor drops events below this confidence before arbitration.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// EventsPerSecond rate-limits wake ingestion per device.
	EventsPerSecond float64 `yaml:"events_per_second"`

	// Burst is the per-device rate limiter burst size.
	Burst int `yaml:"burst"`
}

// AcceleratorConfig bounds the shared accelerator.
type AcceleratorConfig struct {
	// MaxConcurrent is the number of tasks executing simultaneously,
	// matched to the accelerator's safe concurrency.
	MaxConcurrent int `yaml:"max_concurrent"`

	// TaskTimeout bounds a single task execution.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// HealthPollInterval is the watchdog polling period.
	HealthPollInterval time.Duration `yaml:"health_poll_interval"`

	// MemoryThresholdPct triggers recovery when exceeded on consecutive polls.
	MemoryThresholdPct float64 `yaml:"memory_threshold_pct"`

	// SoftRecoveryCooldown is the minimum time between soft recoveries.
	SoftRecoveryCooldown time.Duration `yaml:"soft_recovery_cooldown"`

	// HardRecoveryCooldown is the minimum time between worker restarts.
	HardRecoveryCooldown time.Duration `yaml:"hard_recovery_cooldown"`
}

// TurnConfig tunes end-of-turn detection.
type TurnConfig struct {
	// ListenTimeout forces low-confidence finalization after this much
	// continuous listening without a completion decision.
	ListenTimeout time.Duration `yaml:"listen_timeout"`
}

// BargeInConfig tunes interruption detection during playback.
type BargeInConfig struct {
	// MinSpeechDuration is the continuous speech required to confirm a
	// barge-in, rejecting short noise bursts and residual echo.
	MinSpeechDuration time.Duration `yaml:"min_speech_duration"`
}

// TransportConfig configures the device gateway and metrics endpoints.
type TransportConfig struct {
	// GatewayAddr is the websocket/HTTP device gateway listen address.
	GatewayAddr string `yaml:"gateway_addr"`

	// MetricsAddr is the Prometheus exporter listen address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// StateStoreConfig selects the session snapshot store backend.
type StateStoreConfig struct {
	// RedisAddr enables the Redis-backed snapshot store when non-empty;
	// otherwise the in-memory store is used.
	RedisAddr string `yaml:"redis_addr"`

	// KeyPrefix namespaces Redis keys. Default "voicekit".
	KeyPrefix string `yaml:"key_prefix"`

	// TTL expires snapshots of ended sessions.
	TTL time.Duration `yaml:"ttl"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	// OTLPEndpoint enables span export when non-empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// ServiceName labels exported spans. Default "voicekit".
	ServiceName string `yaml:"service_name"`
}

// WorkerConfig points the runtime at the accelerator worker sidecar.
type WorkerConfig struct {
	// BaseURL is the worker's HTTP API address.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds a single worker request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// IntentConfig points the runtime at the business-logic service.
type IntentConfig struct {
	// BaseURL is the intent service's HTTP API address.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds a single intent request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			MaxConcurrentSessions: DefaultMaxConcurrentSessions,
			Timeout:               DefaultSessionTimeout,
			SweepInterval:         DefaultSweepInterval,
			TurnHistoryLimit:      DefaultTurnHistoryLimit,
		},
		Wake: WakeConfig{
			ArbitrationWindow: DefaultArbitrationWindow,
			ConfidenceFloor:   DefaultWakeConfidenceFloor,
			EventsPerSecond:   DefaultWakeEventsPerSecond,
			Burst:             DefaultWakeBurst,
		},
		Accelerator: AcceleratorConfig{
			MaxConcurrent:        DefaultAcceleratorMaxConcurrent,
			TaskTimeout:          DefaultAcceleratorTaskTimeout,
			HealthPollInterval:   DefaultHealthPollInterval,
			MemoryThresholdPct:   95,
			SoftRecoveryCooldown: DefaultSoftRecoveryCooldown,
			HardRecoveryCooldown: DefaultHardRecoveryCooldown,
		},
		Turn: TurnConfig{
			ListenTimeout: DefaultListenTimeout,
		},
		BargeIn: BargeInConfig{
			MinSpeechDuration: DefaultBargeInMinSpeech,
		},
		Transport: TransportConfig{
			GatewayAddr: DefaultGatewayAddr,
			MetricsAddr: DefaultMetricsAddr,
		},
		StateStore: StateStoreConfig{
			KeyPrefix: "voicekit",
			TTL:       24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "voicekit",
		},
		Worker: WorkerConfig{
			BaseURL:        "http://127.0.0.1:9190",
			RequestTimeout: 30 * time.Second,
		},
		Intent: IntentConfig{
			BaseURL:        "http://127.0.0.1:9191",
			RequestTimeout: 10 * time.Second,
		},
	}
}

// Load reads a YAML configuration file and merges it over defaults, then
// applies environment overrides. A missing path returns defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides addresses and endpoints from the environment, which
// take precedence over the file. Deployment glue sets these; everything
// else is file-only.
func (c *Config) applyEnv() {
	if v := os.Getenv("VOICEKIT_GATEWAY_ADDR"); v != "" {
		c.Transport.GatewayAddr = v
	}
	if v := os.Getenv("VOICEKIT_METRICS_ADDR"); v != "" {
		c.Transport.MetricsAddr = v
	}
	if v := os.Getenv("VOICEKIT_REDIS_ADDR"); v != "" {
		c.StateStore.RedisAddr = v
	}
	if v := os.Getenv("VOICEKIT_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("VOICEKIT_WORKER_URL"); v != "" {
		c.Worker.BaseURL = v
	}
	if v := os.Getenv("VOICEKIT_INTENT_URL"); v != "" {
		c.Intent.BaseURL = v
	}
}

// ValidationError reports a configuration field outside its accepted range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Session.MaxConcurrentSessions <= 0 {
		return &ValidationError{Field: "session.max_concurrent_sessions", Message: "must be positive"}
	}
	if c.Session.Timeout <= 0 {
		return &ValidationError{Field: "session.timeout", Message: "must be positive"}
	}
	if c.Session.TurnHistoryLimit <= 0 {
		return &ValidationError{Field: "session.turn_history_limit", Message: "must be positive"}
	}
	if c.Wake.ArbitrationWindow <= 0 {
		return &ValidationError{Field: "wake.arbitration_window", Message: "must be positive"}
	}
	if c.Wake.ConfidenceFloor < 0 || c.Wake.ConfidenceFloor > 1 {
		return &ValidationError{Field: "wake.confidence_floor", Message: "must be between 0.0 and 1.0"}
	}
	if c.Accelerator.MaxConcurrent <= 0 {
		return &ValidationError{Field: "accelerator.max_concurrent", Message: "must be positive"}
	}
	if c.Accelerator.TaskTimeout <= 0 {
		return &ValidationError{Field: "accelerator.task_timeout", Message: "must be positive"}
	}
	if c.Accelerator.MemoryThresholdPct <= 0 || c.Accelerator.MemoryThresholdPct > 100 {
		return &ValidationError{Field: "accelerator.memory_threshold_pct", Message: "must be between 0 and 100"}
	}
	if c.Turn.ListenTimeout <= 0 {
		return &ValidationError{Field: "turn.listen_timeout", Message: "must be positive"}
	}
	if c.BargeIn.MinSpeechDuration <= 0 {
		return &ValidationError{Field: "barge_in.min_speech_duration", Message: "must be positive"}
	}
	if c.Worker.BaseURL == "" {
		return &ValidationError{Field: "worker.base_url", Message: "must not be empty"}
	}
	if c.Worker.RequestTimeout <= 0 {
		return &ValidationError{Field: "worker.request_timeout", Message: "must be positive"}
	}
	if c.Intent.BaseURL == "" {
		return &ValidationError{Field: "intent.base_url", Message: "must not be empty"}
	}
	if c.Intent.RequestTimeout <= 0 {
		return &ValidationError{Field: "intent.request_timeout", Message: "must be positive"}
	}
	return nil
}
