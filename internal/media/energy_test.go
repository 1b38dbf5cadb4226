package media

import (
	"math"
	"testing"

	"github.com/zaf/g711"
)

func TestSilenceDetection(t *testing.T) {
	silent := make([]byte, FrameBytes)
	for i := range silent {
		silent[i] = 0xFF // mu-law zero
	}
	if !IsSilence(silent, DefaultSilenceRMS) {
		t.Fatalf("expected mu-law zero frame to be silence, rms=%f", RMS(silent))
	}

	pcm := make([]byte, FrameBytes*2)
	for i := 0; i < FrameBytes; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/8000))
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
	tone := g711.EncodeUlaw(pcm)
	if IsSilence(tone, DefaultSilenceRMS) {
		t.Fatalf("expected tone to be voiced, rms=%f", RMS(tone))
	}
}

func TestRMSEmpty(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatalf("expected 0 for empty payload")
	}
}
