// Package config holds the holdcue configuration schema, its YAML loader and
// the provider factory registry.
package config

import (
	"fmt"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root of a holdcue configuration file. Load it with [Load]
// or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Pack       PackConfig       `yaml:"pack"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Voice      VoiceConfig      `yaml:"voice"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Device     DeviceConfig     `yaml:"device"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control API and device link.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set. Browsers only grant microphone access to
	// secure origins, so a device served from another host needs it.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds PEM certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TelemetryConfig names the service in exported metrics and traces.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}

// PackConfig locates the trigger pack document.
type PackConfig struct {
	Path string `yaml:"path"`

	// Watch reloads the pack when the file changes. A reloaded pack takes
	// effect at the next hold.
	Watch        bool          `yaml:"watch"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PipelineConfig tunes transcription and the session lifecycle.
type PipelineConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	Window         time.Duration `yaml:"window"`
	MinWindowBytes int           `yaml:"min_window_bytes"`

	// SilenceRMS skips windows whose RMS level (in sample units) is below
	// it. Zero disables the check.
	SilenceRMS float64 `yaml:"silence_rms"`

	// Language is passed to the STT provider. Empty leaves the provider
	// default.
	Language string `yaml:"language"`

	AutoRestart  bool          `yaml:"auto_restart"`
	RestartDelay time.Duration `yaml:"restart_delay"`

	// NearMisses logs trigger phrases that sound like, but do not match,
	// the live transcript.
	NearMisses bool `yaml:"near_misses"`
}

// ProvidersConfig lists STT and TTS backends in preference order. More than
// one entry of a kind forms a fallback group.
type ProvidersConfig struct {
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`
}

// ProviderEntry configures one backend. Name selects the factory in the
// [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// Option returns the string form of a provider-specific option, or "" when
// it is unset.
func (e ProviderEntry) Option(key string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// VoiceConfig selects the whisper voice.
type VoiceConfig struct {
	ID string `yaml:"id"`

	// SpeedFactor is in [0.5, 2.0]; zero means the provider default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ResilienceConfig tunes the per-provider circuit breakers.
type ResilienceConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max"`
}

// DeviceConfig tunes the device link. Zero durations use the link defaults.
type DeviceConfig struct {
	PlaybackAckTimeout time.Duration `yaml:"playback_ack_timeout"`
	PermissionTimeout  time.Duration `yaml:"permission_timeout"`

	// AllowedOrigins are host patterns of browser pages allowed to attach.
	AllowedOrigins []string `yaml:"allowed_origins"`
}
