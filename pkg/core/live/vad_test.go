package live

import (
	"errors"
	"testing"
)

func TestVoiceDetector_SilenceIsNotVoice(t *testing.T) {
	d, err := NewVoiceDetector(DefaultVoiceThreshold)
	if err != nil {
		t.Fatalf("NewVoiceDetector: %v", err)
	}
	for _, n := range []int{1, 2, 160, 4096} {
		voice, err := d.IsVoice(make([]byte, n*2))
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if voice {
			t.Fatalf("n=%d: silence classified as voice", n)
		}
	}
}

func TestVoiceDetector_MaxAmplitudeIsVoiceForAnyThresholdBelowOne(t *testing.T) {
	for _, full := range []int16{-32768, 32767} {
		samples := make([]int16, 320)
		for i := range samples {
			samples[i] = full
		}
		pcm := pcmFromSamples(samples)

		for _, th := range []float64{0, 0.01, 0.5, 0.9, 0.99999, 0.999999} {
			d, err := NewVoiceDetector(th)
			if err != nil {
				t.Fatalf("sample=%d threshold=%v: %v", full, th, err)
			}
			voice, err := d.IsVoice(pcm)
			if err != nil {
				t.Fatalf("sample=%d threshold=%v: %v", full, th, err)
			}
			if !voice {
				t.Fatalf("sample=%d threshold=%v: max amplitude not classified as voice", full, th)
			}
		}
	}
}

func TestVoiceDetector_Threshold(t *testing.T) {
	d, _ := NewVoiceDetector(0.1)
	quiet := pcmFromSamples([]int16{1000, -1000, 1000, -1000}) // ~0.03
	loud := pcmFromSamples([]int16{8000, -8000, 8000, -8000})  // ~0.24

	if v, _ := d.IsVoice(quiet); v {
		t.Fatal("quiet chunk classified as voice")
	}
	if v, _ := d.IsVoice(loud); !v {
		t.Fatal("loud chunk classified as silence")
	}
}

func TestVoiceDetector_EmptyChunkIsError(t *testing.T) {
	d, _ := NewVoiceDetector(DefaultVoiceThreshold)
	if _, err := d.IsVoice(nil); !errors.Is(err, ErrEmptyChunk) {
		t.Fatalf("err=%v, want ErrEmptyChunk", err)
	}
}

func TestNewVoiceDetector_RejectsOutOfRange(t *testing.T) {
	for _, th := range []float64{-0.1, 1, 2} {
		if _, err := NewVoiceDetector(th); err == nil {
			t.Fatalf("threshold=%v accepted", th)
		}
	}
}
