package segment

// ClipBuffer accumulates raw audio between final transcript boundaries.
// Extraction is atomic: samples appended after an Extract belong to the
// next clip, so capture never has a gap across the hand-off.
type ClipBuffer struct {
	samples    []float32
	sampleRate int
}

// NewClipBuffer creates a buffer sized for about 30 seconds of audio.
func NewClipBuffer(sampleRate int) *ClipBuffer {
	return &ClipBuffer{
		samples:    make([]float32, 0, sampleRate*30),
		sampleRate: sampleRate,
	}
}

// Append adds captured samples to the current clip.
func (b *ClipBuffer) Append(samples []float32) {
	b.samples = append(b.samples, samples...)
}

// Extract returns a copy of the accumulated clip and resets the buffer
// so the next Append starts a fresh clip. Returns nil when empty.
func (b *ClipBuffer) Extract() []float32 {
	if len(b.samples) == 0 {
		return nil
	}
	clip := make([]float32, len(b.samples))
	copy(clip, b.samples)
	b.samples = b.samples[:0]
	return clip
}

// Clear empties the buffer completely.
func (b *ClipBuffer) Clear() {
	b.samples = b.samples[:0]
}

// Len returns the number of samples currently buffered.
func (b *ClipBuffer) Len() int {
	return len(b.samples)
}

// DurationMs returns the duration of buffered audio in milliseconds.
func (b *ClipBuffer) DurationMs() int64 {
	if len(b.samples) == 0 || b.sampleRate == 0 {
		return 0
	}
	return int64(float64(len(b.samples)) / float64(b.sampleRate) * 1000)
}
