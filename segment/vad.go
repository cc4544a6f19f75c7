package segment

import (
	"math"
	"time"
)

// VAD detects speech in captured audio. It is used to tag clips that
// actually contain speech so silent clips are not persisted as voice
// samples.
type VAD struct {
	threshold    float32       // RMS threshold for speech detection
	minSpeechDur time.Duration // Minimum speech duration before a clip counts as speech

	inSpeech    bool
	speechStart time.Time
	sawSpeech   bool // Speech of at least minSpeechDur since last Reset
}

// NewVAD creates a voice activity detector with the given thresholds.
func NewVAD(threshold float32, minSpeech time.Duration) *VAD {
	return &VAD{
		threshold:    threshold,
		minSpeechDur: minSpeech,
	}
}

// Process observes one batch of samples and updates the speech state.
// It returns true when the batch itself is above the speech threshold.
func (v *VAD) Process(samples []float32) bool {
	now := time.Now()
	isSpeech := calculateRMS(samples) > v.threshold

	if isSpeech {
		if !v.inSpeech {
			v.inSpeech = true
			v.speechStart = now
		}
		if now.Sub(v.speechStart) >= v.minSpeechDur {
			v.sawSpeech = true
		}
	} else {
		v.inSpeech = false
	}
	return isSpeech
}

// SawSpeech reports whether speech of at least the minimum duration was
// observed since the last Reset.
func (v *VAD) SawSpeech() bool {
	return v.sawSpeech
}

// InSpeech returns true while the most recent samples were speech.
func (v *VAD) InSpeech() bool {
	return v.inSpeech
}

// Reset clears the per-clip state. Called at each clip boundary.
func (v *VAD) Reset() {
	v.inSpeech = false
	v.speechStart = time.Time{}
	v.sawSpeech = false
}

// calculateRMS calculates the root mean square of audio samples.
func calculateRMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}
