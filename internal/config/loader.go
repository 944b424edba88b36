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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"classifier": {"energy", "remote"},
	"audio":      {"wav", "pcm"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults. Unknown keys are errors.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Server.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("server.timezone %q: %w", cfg.Server.Timezone, err))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Detector
	d := cfg.Detector
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("detector.confidence_threshold %.2f is out of range [0, 1]", d.ConfidenceThreshold))
	}
	if d.MaxGap < 0 {
		errs = append(errs, fmt.Errorf("detector.max_gap %v must not be negative", d.MaxGap))
	}
	if d.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("detector.min_duration %v must not be negative", d.MinDuration))
	}
	if d.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("detector.queue_size %d must not be negative", d.QueueSize))
	}
	if d.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("detector.buffer_size %d must not be negative", d.BufferSize))
	}
	if d.MicrophoneAccess != "" && !d.MicrophoneAccess.IsValid() {
		errs = append(errs, fmt.Errorf("detector.microphone_access %q is invalid; valid values: granted, denied", d.MicrophoneAccess))
	}

	// Providers
	validateProviderName("classifier", cfg.Providers.Classifier.Name)
	validateProviderName("classifier", cfg.Providers.FallbackClassifier.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	if cfg.Providers.Classifier.Name == "remote" && cfg.Providers.Classifier.BaseURL == "" {
		errs = append(errs, errors.New("providers.classifier.base_url is required for the remote classifier"))
	}
	if fb := cfg.Providers.FallbackClassifier; fb.Name != "" && fb.Name == cfg.Providers.Classifier.Name && fb.BaseURL == cfg.Providers.Classifier.BaseURL {
		slog.Warn("providers.fallback_classifier is identical to providers.classifier; failover will not help",
			"name", fb.Name)
	}
	if cfg.Providers.Audio.Name == "" {
		slog.Warn("providers.audio is not configured; sessions cannot be started")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
