package audio

import (
	"bytes"
	"testing"
	"time"

	"github.com/zaf/g711"
)

func samplesFor(d time.Duration) int {
	return int(d.Seconds() * SampleRate)
}

func TestGenerateDTMF_SingleDigit(t *testing.T) {
	out := GenerateDTMF("5")
	want := samplesFor(DefaultToneDuration)
	if len(out) != want {
		t.Errorf("len = %d, want %d (no trailing gap after last tone)", len(out), want)
	}
}

func TestGenerateDTMF_GapBetweenTones(t *testing.T) {
	out := GenerateDTMF("12")
	want := 2*samplesFor(DefaultToneDuration) + samplesFor(DefaultGapDuration)
	if len(out) != want {
		t.Errorf("len = %d, want %d", len(out), want)
	}

	// The gap between the tones must be µ-law silence.
	gapStart := samplesFor(DefaultToneDuration)
	gapEnd := gapStart + samplesFor(DefaultGapDuration)
	for i := gapStart; i < gapEnd; i++ {
		if out[i] != UlawSilence {
			t.Fatalf("byte %d in gap = %#x, want %#x", i, out[i], UlawSilence)
		}
	}
}

func TestGenerateDTMF_PauseCharacter(t *testing.T) {
	out := GenerateDTMF("w")
	want := samplesFor(500 * time.Millisecond)
	if len(out) != want {
		t.Errorf("len = %d, want %d", len(out), want)
	}
	for i, b := range out {
		if b != UlawSilence {
			t.Fatalf("byte %d = %#x, want silence", i, b)
		}
	}
}

func TestGenerateDTMF_SkipsInvalidCharacters(t *testing.T) {
	if got, want := GenerateDTMF("x!z"), []byte(nil); !bytes.Equal(got, want) {
		t.Errorf("invalid-only input produced %d bytes, want 0", len(got))
	}

	// Invalid characters inside a sequence do not add tones or gaps.
	if got, want := len(GenerateDTMF("1x2")), len(GenerateDTMF("12")); got != want {
		t.Errorf("len with invalid char = %d, want %d", got, want)
	}
}

func TestGenerateDTMF_CaseInsensitive(t *testing.T) {
	if !bytes.Equal(GenerateDTMF("a"), GenerateDTMF("A")) {
		t.Error("lowercase and uppercase tone letters should produce identical audio")
	}
	if !bytes.Equal(GenerateDTMF("W"), GenerateDTMF("w")) {
		t.Error("W and w should both produce a pause")
	}
}

func TestGenerateDTMF_ToneNotSaturated(t *testing.T) {
	out := GenerateDTMF("1")
	for i, b := range out {
		lin := g711.DecodeUlawFrame(b)
		if lin > 32000 || lin < -32000 {
			t.Fatalf("sample %d decodes to %d, tone should not approach clipping", i, lin)
		}
	}
}

func TestGenerateDTMF_ToneHasEnergy(t *testing.T) {
	out := GenerateDTMF("8")
	var sum int64
	for _, b := range out {
		lin := int64(g711.DecodeUlawFrame(b))
		if lin < 0 {
			lin = -lin
		}
		sum += lin
	}
	mean := sum / int64(len(out))
	if mean < 1000 {
		t.Errorf("mean magnitude = %d, tone appears silent", mean)
	}
}

func TestChunkForStream_PadsTail(t *testing.T) {
	audio := make([]byte, FrameBytes+10)
	for i := range audio {
		audio[i] = 0x42
	}

	frames := ChunkForStream(audio)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != FrameBytes {
			t.Errorf("frame %d len = %d, want %d", i, len(f), FrameBytes)
		}
	}
	for i := 10; i < FrameBytes; i++ {
		if frames[1][i] != UlawSilence {
			t.Fatalf("tail frame byte %d = %#x, want silence padding", i, frames[1][i])
		}
	}
}

func TestChunkForStream_Empty(t *testing.T) {
	if frames := ChunkForStream(nil); frames != nil {
		t.Errorf("ChunkForStream(nil) = %d frames, want nil", len(frames))
	}
}

func TestChunkForStream_RoundTrip(t *testing.T) {
	// Concatenating the chunked frames must reproduce the original audio
	// padded with silence to a multiple of the frame size.
	audio := GenerateDTMF("1w2#")

	var joined []byte
	for _, f := range ChunkForStream(audio) {
		joined = append(joined, f...)
	}

	if len(joined)%FrameBytes != 0 {
		t.Errorf("joined length %d is not a multiple of %d", len(joined), FrameBytes)
	}
	if !bytes.Equal(joined[:len(audio)], audio) {
		t.Error("chunked frames do not reproduce the original audio")
	}
	for i := len(audio); i < len(joined); i++ {
		if joined[i] != UlawSilence {
			t.Fatalf("padding byte %d = %#x, want silence", i, joined[i])
		}
	}
}
