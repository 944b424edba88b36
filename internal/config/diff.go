package config

import "fmt"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied at once.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DetectorChanged is applied at the next session start; a running session
	// keeps its thresholds.
	DetectorChanged bool
	NewDetector     DetectorConfig

	// RestartRequired lists changed settings that only take effect after a
	// process restart (listen address, TLS, providers).
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DetectorChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Detector != new.Detector {
		d.DetectorChanged = true
		d.NewDetector = new.Detector
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.Timezone != new.Server.Timezone {
		d.RestartRequired = append(d.RestartRequired, "server.timezone")
	}
	if !equalTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if !equalEntry(old.Providers.Classifier, new.Providers.Classifier) {
		d.RestartRequired = append(d.RestartRequired, "providers.classifier")
	}
	if !equalEntry(old.Providers.FallbackClassifier, new.Providers.FallbackClassifier) {
		d.RestartRequired = append(d.RestartRequired, "providers.fallback_classifier")
	}
	if !equalEntry(old.Providers.Audio, new.Providers.Audio) {
		d.RestartRequired = append(d.RestartRequired, "providers.audio")
	}

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !equalOption(av, bv) {
			return false
		}
	}
	return true
}

// equalOption compares decoded YAML scalars; nested values compare by their
// printed form.
func equalOption(a, b any) bool {
	switch a.(type) {
	case map[string]any, []any:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}
