// Package config provides the configuration schema, loader, watcher and
// provider registry for the CryWatch server.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/episode"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

// LogLevel controls log verbosity for the CryWatch server.
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

// MicrophoneAccess is the configured answer to the microphone permission
// request.
type MicrophoneAccess string

const (
	AccessGranted MicrophoneAccess = "granted"
	AccessDenied  MicrophoneAccess = "denied"
)

// IsValid reports whether a is a recognised access value.
func (a MicrophoneAccess) IsValid() bool {
	return a == AccessGranted || a == AccessDenied
}

// Config is the root configuration structure for CryWatch.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Detector  DetectorConfig  `yaml:"detector"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Timezone is the IANA zone used to render episode times (e.g.,
	// "Europe/Berlin"). Empty means the process's local zone.
	Timezone string `yaml:"timezone"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DetectorConfig holds the episode detection settings. Zero values are
// replaced by [ApplyDefaults].
type DetectorConfig struct {
	// Label is the sound class tracked. Default: "crying_baby".
	Label string `yaml:"label"`

	// ConfidenceThreshold is the minimum confidence that counts as a
	// detection. Range: (0, 1]. Default: 0.5.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// MaxGap is the longest silence tolerated inside one episode.
	// Default: 20s.
	MaxGap time.Duration `yaml:"max_gap"`

	// MinDuration is the shortest run of detections that becomes an
	// episode. Default: 2s.
	MinDuration time.Duration `yaml:"min_duration"`

	// QueueSize is the number of audio buffers that may wait for analysis.
	// Default: 64.
	QueueSize int `yaml:"queue_size"`

	// BufferSize is the tap buffer size in sample frames. Default: 15600.
	BufferSize int `yaml:"buffer_size"`

	// MicrophoneAccess answers the permission check at session start.
	// Default: granted.
	MicrophoneAccess MicrophoneAccess `yaml:"microphone_access"`
}

// Episode returns the aggregator thresholds.
func (d DetectorConfig) Episode() episode.Config {
	return episode.Config{
		ConfidenceThreshold: d.ConfidenceThreshold,
		MaxGap:              d.MaxGap,
		MinDuration:         d.MinDuration,
	}
}

// ProvidersConfig selects the implementation behind each pluggable part. Each
// entry names a provider registered in the [Registry].
type ProvidersConfig struct {
	// Classifier is the primary classifier engine.
	Classifier ProviderEntry `yaml:"classifier"`

	// FallbackClassifier, when named, takes over after the primary fails
	// repeatedly.
	FallbackClassifier ProviderEntry `yaml:"fallback_classifier"`

	// Audio is the audio source.
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "energy", "wav").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL is the endpoint of a remote provider.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// OptString returns option key as a string, or def when unset.
func (e ProviderEntry) OptString(key, def string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

// OptInt returns option key as an int, or def when unset or not a number.
func (e ProviderEntry) OptInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// OptFloat returns option key as a float64, or def when unset or not a number.
func (e ProviderEntry) OptFloat(key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// OptBool returns option key as a bool, or def when unset or not a boolean.
func (e ProviderEntry) OptBool(key string, def bool) bool {
	switch v := e.Options[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// OptDuration returns option key as a duration, or def when unset or
// unparsable. Strings use [time.ParseDuration]; numbers are seconds.
func (e ProviderEntry) OptDuration(key string, def time.Duration) time.Duration {
	switch v := e.Options[key].(type) {
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// ApplyDefaults fills unset fields with the built-in defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	d := &cfg.Detector
	def := episode.DefaultConfig()
	if d.Label == "" {
		d.Label = classifier.DefaultLabel
	}
	if d.ConfidenceThreshold == 0 {
		d.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if d.MaxGap == 0 {
		d.MaxGap = def.MaxGap
	}
	if d.MinDuration == 0 {
		d.MinDuration = def.MinDuration
	}
	if d.QueueSize == 0 {
		d.QueueSize = 64
	}
	if d.BufferSize == 0 {
		d.BufferSize = audio.DefaultBufferSize
	}
	if d.MicrophoneAccess == "" {
		d.MicrophoneAccess = AccessGranted
	}

	if cfg.Providers.Classifier.Name == "" {
		cfg.Providers.Classifier.Name = "energy"
	}
}
