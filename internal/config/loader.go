package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults filled in by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultServiceName      = "holdcue"
	DefaultPollInterval     = 2 * time.Second
	DefaultTickInterval     = 450 * time.Millisecond
	DefaultWindow           = 2400 * time.Millisecond
	DefaultMinWindowBytes   = 1500
	DefaultRestartDelay     = 120 * time.Millisecond
	DefaultFailureThreshold = 3
	DefaultResetTimeout     = 30 * time.Second
	DefaultHalfOpenMax      = 1
)

// ValidProviderNames lists the built-in provider names per kind. Unknown
// names only produce a warning so third-party factories can be registered.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "openai", "deepgram", "mock"},
	"tts": {"coqui", "elevenlabs", "openai", "mock"},
}

// Load reads, validates and completes the YAML configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setDefault(&cfg.Pack.PollInterval, DefaultPollInterval)
	setDefault(&cfg.Pipeline.TickInterval, DefaultTickInterval)
	setDefault(&cfg.Pipeline.Window, DefaultWindow)
	setDefault(&cfg.Pipeline.MinWindowBytes, DefaultMinWindowBytes)
	setDefault(&cfg.Pipeline.RestartDelay, DefaultRestartDelay)
	setDefault(&cfg.Resilience.FailureThreshold, DefaultFailureThreshold)
	setDefault(&cfg.Resilience.ResetTimeout, DefaultResetTimeout)
	setDefault(&cfg.Resilience.HalfOpenMax, DefaultHalfOpenMax)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// Validate checks cfg for contradictions and returns every problem found,
// joined. Zero values are treated as unset.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		add("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		add("server.tls needs both cert_file and key_file")
	}

	if cfg.Pack.Path == "" {
		add("pack.path is required")
	}
	if cfg.Pack.PollInterval < 0 {
		add("pack.poll_interval must not be negative")
	}

	p := cfg.Pipeline
	for name, d := range map[string]time.Duration{
		"pipeline.tick_interval": p.TickInterval,
		"pipeline.window":        p.Window,
		"pipeline.restart_delay": p.RestartDelay,
	} {
		if d < 0 {
			add("%s must not be negative", name)
		}
	}
	if p.Window > 0 && p.TickInterval > 0 && p.Window < p.TickInterval {
		add("pipeline.window %s is shorter than pipeline.tick_interval %s", p.Window, p.TickInterval)
	}
	if p.MinWindowBytes < 0 {
		add("pipeline.min_window_bytes must not be negative")
	}
	if p.SilenceRMS < 0 {
		add("pipeline.silence_rms must not be negative")
	}

	errs = append(errs, validateEntries("stt", cfg.Providers.STT)...)
	errs = append(errs, validateEntries("tts", cfg.Providers.TTS)...)

	if s := cfg.Voice.SpeedFactor; s != 0 && (s < 0.5 || s > 2.0) {
		add("voice.speed_factor %.2f is out of range [0.5, 2.0]", s)
	}

	r := cfg.Resilience
	if r.FailureThreshold < 0 || r.HalfOpenMax < 0 || r.ResetTimeout < 0 {
		add("resilience values must not be negative")
	}
	if cfg.Device.PlaybackAckTimeout < 0 || cfg.Device.PermissionTimeout < 0 {
		add("device timeouts must not be negative")
	}

	return errors.Join(errs...)
}

func validateEntries(kind string, entries []ProviderEntry) []error {
	if len(entries) == 0 {
		return []error{fmt.Errorf("providers.%s needs at least one entry", kind)}
	}
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", kind, i))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("providers.%s[%d].name %q is a duplicate of providers.%s[%d]", kind, i, e.Name, kind, prev))
			continue
		}
		seen[e.Name] = i
		if known := ValidProviderNames[kind]; !slices.Contains(known, e.Name) {
			slog.Warn("unknown provider name; it must be registered by the binary",
				"kind", kind,
				"name", e.Name,
				"known", known,
			)
		}
	}
	return errs
}
