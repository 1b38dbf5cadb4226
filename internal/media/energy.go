package media

import (
	"math"

	"github.com/zaf/g711"
)

// DefaultSilenceRMS is the RMS level (16-bit PCM scale) below which a frame counts as silence.
const DefaultSilenceRMS = 200

// RMS decodes a mu-law payload and returns its root-mean-square amplitude.
func RMS(ulaw []byte) float64 {
	if len(ulaw) == 0 {
		return 0
	}
	pcm := g711.DecodeUlaw(ulaw)
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func IsSilence(ulaw []byte, threshold float64) bool {
	return RMS(ulaw) < threshold
}
