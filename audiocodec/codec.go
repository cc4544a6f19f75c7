// Package audiocodec converts between transportable audio payloads and
// playable float32 samples. Payloads are either raw little-endian PCM16
// or a sequence of length-prefixed opus packets.
package audiocodec

import (
	"encoding/binary"
	"fmt"

	opuscodec "github.com/jj11hh/opus"
)

// Opus framing: each packet is prefixed with a big-endian uint16 length.
const (
	opusSampleRate = 48000
	opusChannels   = 1
	opusFrameMs    = 20
	frameSamples   = opusSampleRate * opusFrameMs / 1000
	maxPacketSize  = 1275
)

// DecodePCM16 converts little-endian 16-bit PCM into float32 samples.
func DecodePCM16(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return samples, nil
}

// EncodePCM16 converts float32 samples to little-endian 16-bit PCM.
// Samples outside [-1, 1] are clipped.
func EncodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(int16(s*32767)))
	}
	return data
}

// OpusEncoder packs float32 samples into length-prefixed opus packets.
type OpusEncoder struct {
	enc     *opuscodec.Encoder
	pending []float32
	buf     []byte
}

// NewOpusEncoder creates a mono 48 kHz voice encoder.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opuscodec.NewEncoder(opusSampleRate, opusChannels, opuscodec.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc: enc,
		buf: make([]byte, maxPacketSize),
	}, nil
}

// Encode appends samples and returns the payload for all complete
// frames. A trailing partial frame is buffered for the next call.
func (e *OpusEncoder) Encode(samples []float32) ([]byte, error) {
	e.pending = append(e.pending, samples...)

	var out []byte
	for len(e.pending) >= frameSamples {
		frame := e.pending[:frameSamples]
		e.pending = e.pending[frameSamples:]

		n, err := e.enc.EncodeFloat32(frame, e.buf)
		if err != nil {
			return nil, fmt.Errorf("opus encode: %w", err)
		}
		var hdr [2]byte
		binary.BigEndian.PutUint16(hdr[:], uint16(n))
		out = append(out, hdr[:]...)
		out = append(out, e.buf[:n]...)
	}
	return out, nil
}

// Flush encodes any buffered partial frame padded with silence.
func (e *OpusEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	pad := make([]float32, frameSamples-len(e.pending))
	return e.Encode(pad)
}

// Resample converts samples between rates by linear interpolation.
// Good enough for voice-sample archival; not for playback paths.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 {
		return samples
	}
	n := int(float64(len(samples)) * float64(to) / float64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}

// OpusSampleRate is the fixed rate of the opus voice payloads.
const OpusSampleRate = opusSampleRate

// DecodeOpus unpacks length-prefixed opus packets into float32 samples
// at 48 kHz mono.
func DecodeOpus(payload []byte) ([]float32, error) {
	dec, err := opuscodec.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	var samples []float32
	pcm := make([]float32, frameSamples)
	for len(payload) > 0 {
		if len(payload) < 2 {
			return nil, fmt.Errorf("truncated opus frame header")
		}
		n := int(binary.BigEndian.Uint16(payload))
		payload = payload[2:]
		if n == 0 || n > len(payload) {
			return nil, fmt.Errorf("invalid opus frame length %d", n)
		}
		written, err := dec.DecodeFloat32(payload[:n], pcm)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		samples = append(samples, pcm[:written]...)
		payload = payload[n:]
	}
	return samples, nil
}
