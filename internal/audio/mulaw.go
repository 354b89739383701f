// Package audio converts between telephony G.711 μ-law and 16-bit linear PCM.
package audio

import (
	"encoding/binary"
	"math"
	"math/bits"
)

const (
	// Encoding is the media-stream name of the only accepted telephony format.
	Encoding = "audio/x-mulaw"
	// SampleRate of telephony audio in Hz.
	SampleRate = 8000
	// Channels of telephony audio.
	Channels = 1
	// FrameBytes is one 20 ms μ-law frame at 8 kHz.
	FrameBytes = 160
	// FrameDurationMs is the playback length of one frame.
	FrameDurationMs = 20

	bias = 0x84
	clip = 32635
)

var decodeTable [256]int16

func init() {
	for i := range decodeTable {
		decodeTable[i] = decode(byte(i))
	}
}

func decode(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0F)
	sample := ((mantissa << 3) + bias) << exponent
	sample -= bias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeSample converts one linear sample to μ-law.
func EncodeSample(pcm int16) byte {
	s := int(pcm)
	var sign int
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias
	exponent := bits.Len(uint(s>>7)) - 1
	if exponent < 0 {
		exponent = 0
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeSample converts one μ-law byte to a linear sample.
func DecodeSample(u byte) int16 { return decodeTable[u] }

// QuantizationBound is the largest decode error for a sample that encodes to u:
// half a step of its segment.
func QuantizationBound(u byte) int {
	exponent := int((^u >> 4) & 0x07)
	return 4 << exponent
}

// MulawDecode expands μ-law bytes to PCM16 little-endian.
func MulawDecode(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(decodeTable[u]))
	}
	return out
}

// MulawEncode compresses PCM16 little-endian to μ-law. A trailing odd byte is ignored.
func MulawEncode(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = EncodeSample(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}

// RMS is the root-mean-square energy of a PCM16LE buffer, 0..32767.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares / float64(n))
}

// Frames splits audio into chunks of size bytes. The last chunk may be shorter.
func Frames(data []byte, size int) [][]byte {
	if size <= 0 || len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := size
		if len(data) < n {
			n = len(data)
		}
		frame := make([]byte, n)
		copy(frame, data[:n])
		frames = append(frames, frame)
		data = data[n:]
	}
	return frames
}
