package classifier

// DefaultLabel is the sound class the detector watches for.
const DefaultLabel = "crying_baby"

// Classification is one label scored by the model for an analysed buffer.
type Classification struct {
	// Label is the sound class identifier (e.g., "crying_baby").
	Label string

	// Confidence is the model's score for Label. Range: [0.0, 1.0].
	Confidence float64
}

// Config holds the parameters for a classifier session.
type Config struct {
	// SampleRate is the sample rate in Hz of the PCM the caller will submit.
	// Engines that need a different rate report it via SessionHandle.Format and
	// the caller converts before submitting. Zero selects the engine default.
	SampleRate int

	// Channels is the channel count of the submitted PCM. Zero selects the
	// engine default.
	Channels int

	// Labels lists the classes the caller is interested in. Engines that know
	// their label set must fail NewSession with ErrLabelMismatch when a
	// requested label is unknown. Empty means all labels.
	Labels []string
}
