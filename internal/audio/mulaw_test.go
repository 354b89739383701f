package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func tone(freq float64, amplitude float64, samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v)))
	}
	return pcm
}

func TestRoundTrip_ToneWithinQuantizationBound(t *testing.T) {
	pcm := tone(440, 12000, SampleRate/10)
	ulaw := MulawEncode(pcm)
	if len(ulaw) != len(pcm)/2 {
		t.Fatalf("encoded length %d, want %d", len(ulaw), len(pcm)/2)
	}
	back := MulawDecode(ulaw)
	for i := 0; i < len(ulaw); i++ {
		orig := int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		got := int(int16(binary.LittleEndian.Uint16(back[2*i:])))
		if diff := abs(orig - got); diff > QuantizationBound(ulaw[i]) {
			t.Fatalf("sample %d: orig=%d got=%d diff=%d bound=%d", i, orig, got, diff, QuantizationBound(ulaw[i]))
		}
	}
}

func TestRoundTrip_AllSamplesInRange(t *testing.T) {
	for s := -clip; s <= clip; s++ {
		u := EncodeSample(int16(s))
		got := int(DecodeSample(u))
		if diff := abs(s - got); diff > QuantizationBound(u) {
			t.Fatalf("sample %d: decoded %d, diff %d > bound %d", s, got, diff, QuantizationBound(u))
		}
	}
}

func TestEncodeSample_KnownValues(t *testing.T) {
	cases := []struct {
		in   int16
		want byte
	}{
		{0, 0xFF},
		{-1, 0x7F},
		{32767, 0x80},
		{-32768, 0x00},
	}
	for _, tc := range cases {
		if got := EncodeSample(tc.in); got != tc.want {
			t.Errorf("EncodeSample(%d) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
}

func TestDecode_SilenceIsZero(t *testing.T) {
	if DecodeSample(0xFF) != 0 || DecodeSample(0x7F) != 0 {
		t.Fatalf("μ-law silence bytes should decode to 0")
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatalf("empty buffer should have zero energy")
	}
	quiet := MulawDecode(bytes.Repeat([]byte{0xFF}, FrameBytes))
	loud := tone(300, 8000, FrameBytes)
	if RMS(loud) <= RMS(quiet) {
		t.Fatalf("tone should be louder than near-silence")
	}
	if r := RMS(loud); r < 5000 || r > 6000 {
		t.Fatalf("RMS of 8000-amplitude sine = %.0f, want ~5657", r)
	}
}

func TestFrames(t *testing.T) {
	data := make([]byte, 2*FrameBytes+10)
	frames := Frames(data, FrameBytes)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if len(frames[2]) != 10 {
		t.Fatalf("tail frame len %d, want 10", len(frames[2]))
	}
	if Frames(nil, FrameBytes) != nil || Frames(data, 0) != nil {
		t.Fatalf("degenerate inputs should yield nil")
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
