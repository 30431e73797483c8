// Package audio synthesizes DTMF tones as 8 kHz mono G.711 µ-law and chunks
// audio into fixed-size frames for real-time streaming.
package audio

import (
	"math"
	"strings"
	"time"

	"github.com/zaf/g711"
)

const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// FrameBytes is the size of one stream frame: 160 bytes of µ-law
	// at 8 kHz is 20 ms of audio.
	FrameBytes = 160

	// UlawSilence is the µ-law encoding of a zero sample.
	UlawSilence = 0xFF

	// DefaultToneDuration is the length of each DTMF tone.
	DefaultToneDuration = 100 * time.Millisecond

	// DefaultGapDuration is the silence between consecutive tones.
	DefaultGapDuration = 80 * time.Millisecond

	// pauseDuration is the silence inserted for a 'w' pause character.
	pauseDuration = 500 * time.Millisecond

	// toneAmplitude is the peak amplitude of each sinusoid. Two summed
	// components stay below the 16-bit clip point (2 * 0.65 * 2^14 < 32767).
	toneAmplitude = 0.65 * (1 << 14)
)

// dtmfFreqs maps each DTMF character to its ITU-T Q.23 row/column
// frequency pair in Hz.
var dtmfFreqs = map[rune][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// GenerateDTMF synthesizes the given digit string as µ-law audio using the
// default tone and gap durations. See GenerateDTMFTiming.
func GenerateDTMF(digits string) []byte {
	return GenerateDTMFTiming(digits, DefaultToneDuration, DefaultGapDuration)
}

// GenerateDTMFTiming synthesizes a DTMF digit string as 8 kHz mono µ-law
// audio. Accepted characters are 0-9, *, #, and A-D (case-insensitive) as
// tones, and 'w' as a 500 ms pause. Any other character is skipped. Tones
// are separated by gap-length silence; there is no trailing gap after the
// last tone.
func GenerateDTMFTiming(digits string, tone, gap time.Duration) []byte {
	toneSamples := int(tone.Seconds() * SampleRate)
	gapSamples := int(gap.Seconds() * SampleRate)
	pauseSamples := int(pauseDuration.Seconds() * SampleRate)

	var out []byte
	pendingGap := 0

	for _, ch := range strings.ToUpper(digits) {
		if ch == 'W' {
			out = appendSilence(out, pendingGap+pauseSamples)
			pendingGap = 0
			continue
		}
		freqs, ok := dtmfFreqs[ch]
		if !ok {
			continue
		}
		out = appendSilence(out, pendingGap)
		out = appendTone(out, freqs[0], freqs[1], toneSamples)
		pendingGap = gapSamples
	}
	return out
}

// appendTone synthesizes n samples of a dual-frequency tone, compressing
// each 16-bit linear sample to µ-law.
func appendTone(dst []byte, f1, f2 float64, n int) []byte {
	for i := 0; i < n; i++ {
		t := float64(i) / SampleRate
		sample := toneAmplitude * (math.Sin(2*math.Pi*f1*t) + math.Sin(2*math.Pi*f2*t))
		dst = append(dst, g711.EncodeUlawFrame(int16(sample)))
	}
	return dst
}

func appendSilence(dst []byte, n int) []byte {
	for i := 0; i < n; i++ {
		dst = append(dst, UlawSilence)
	}
	return dst
}

// ChunkForStream splits µ-law audio into FrameBytes-sized frames for
// real-time injection into a media stream. The final frame is padded
// with µ-law silence.
func ChunkForStream(audio []byte) [][]byte {
	if len(audio) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(audio)+FrameBytes-1)/FrameBytes)
	for off := 0; off < len(audio); off += FrameBytes {
		frame := make([]byte, FrameBytes)
		n := copy(frame, audio[off:])
		for i := n; i < FrameBytes; i++ {
			frame[i] = UlawSilence
		}
		frames = append(frames, frame)
	}
	return frames
}
