// Package voice orchestrates spoken turns over a websocket: PCM audio in,
// VAD endpointing, then transcribe -> generate -> synthesize back out.
// Audio buffers live in memory for the duration of a turn.
package voice

import (
	"encoding/binary"
	"time"
)

// PCM format of the fast path: 16 kHz, 16-bit, mono, little-endian.
const (
	SampleRate     = 16000
	bytesPerSample = 2

	defaultSilenceWindow = 700 * time.Millisecond

	// defaultTolerance treats near-zero samples as silence; real captures
	// rarely flatline at exactly zero.
	defaultTolerance = 2
)

// Detector decides when the speaker has stopped: the buffer ends in a full
// window of silence after at least one voiced sample.
type Detector struct {
	window    time.Duration
	tolerance int32
}

// NewDetector builds a detector. Non-positive arguments select the defaults
// (700 ms window, amplitude tolerance 2).
func NewDetector(window time.Duration, tolerance int) *Detector {
	if window <= 0 {
		window = defaultSilenceWindow
	}
	if tolerance < 0 {
		tolerance = defaultTolerance
	}
	return &Detector{window: window, tolerance: int32(tolerance)}
}

// SetWindow adjusts the trailing-silence window.
func (d *Detector) SetWindow(window time.Duration) {
	if window > 0 {
		d.window = window
	}
}

// windowBytes is the byte length of the silence window.
func (d *Detector) windowBytes() int {
	samples := int(float64(SampleRate) * d.window.Seconds())
	return samples * bytesPerSample
}

// EndOfSpeech reports whether buf ends with a full silence window preceded
// by voiced audio. A buffer of pure silence never endpoints: there is
// nothing to transcribe.
func (d *Detector) EndOfSpeech(buf []byte) bool {
	wb := d.windowBytes()
	if len(buf) < wb {
		return false
	}
	if !d.allSilent(buf[len(buf)-wb:]) {
		return false
	}
	return d.hasVoice(buf[:len(buf)-wb])
}

// HasVoice reports whether the buffer holds anything above the silence
// tolerance.
func (d *Detector) HasVoice(buf []byte) bool {
	return d.hasVoice(buf)
}

func (d *Detector) allSilent(buf []byte) bool {
	for i := 0; i+bytesPerSample <= len(buf); i += bytesPerSample {
		if abs16(buf[i:]) > d.tolerance {
			return false
		}
	}
	return true
}

func (d *Detector) hasVoice(buf []byte) bool {
	for i := 0; i+bytesPerSample <= len(buf); i += bytesPerSample {
		if abs16(buf[i:]) > d.tolerance {
			return true
		}
	}
	return false
}

// abs16 decodes one little-endian sample and returns its magnitude. Widened
// to int32 so -32768 does not overflow.
func abs16(b []byte) int32 {
	v := int32(int16(binary.LittleEndian.Uint16(b)))
	if v < 0 {
		v = -v
	}
	return v
}
