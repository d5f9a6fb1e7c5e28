package live

import "fmt"

// DefaultVoiceThreshold is the default normalized mean amplitude above which
// a chunk counts as voice.
const DefaultVoiceThreshold = 0.01

// VoiceDetector classifies chunks as voice or silence by mean absolute
// amplitude. It is stateless and safe for concurrent use.
type VoiceDetector struct {
	threshold float64
}

// NewVoiceDetector returns a detector for threshold in [0, 1).
func NewVoiceDetector(threshold float64) (VoiceDetector, error) {
	if threshold < 0 || threshold >= 1 {
		return VoiceDetector{}, fmt.Errorf("live: voice threshold %v out of range [0, 1)", threshold)
	}
	return VoiceDetector{threshold: threshold}, nil
}

// Threshold returns the configured threshold.
func (d VoiceDetector) Threshold() float64 {
	return d.threshold
}

// IsVoice reports whether chunk's energy exceeds the threshold. A chunk
// with no complete sample returns ErrEmptyChunk.
func (d VoiceDetector) IsVoice(chunk []byte) (bool, error) {
	energy, err := MeanAbsAmplitude(chunk)
	if err != nil {
		return false, err
	}
	return energy > d.threshold, nil
}
