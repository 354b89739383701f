// Package tts turns reply text into 8 kHz μ-law frames ready for the phone line.
package tts

import (
	"bytes"
	"context"

	"github.com/chadiek/companion-gateway/internal/audio"
)

// Stream is an open synthesis session. Text sent in order is spoken in order.
type Stream interface {
	// Send queues text for synthesis.
	Send(text string) error
	// Finish marks the end of input; Events closes after the last frame.
	Finish()
	// Events yields audio.FrameBytes-sized μ-law frames.
	Events() <-chan []byte
	Cancel()
	Close() error
	Err() error
}

// Synthesizer opens synthesis sessions.
type Synthesizer interface {
	Open(ctx context.Context) (Stream, error)
}

// silence is the μ-law code for a zero sample.
const silence = 0xFF

// framer regroups arbitrary audio chunks into fixed telephony frames.
type framer struct {
	buf []byte
}

func (f *framer) push(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)
	var out [][]byte
	for len(f.buf) >= audio.FrameBytes {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, f.buf[:audio.FrameBytes])
		out = append(out, frame)
		f.buf = f.buf[audio.FrameBytes:]
	}
	f.buf = append([]byte(nil), f.buf...)
	return out
}

// flush pads the remainder with silence; nil when nothing is buffered.
func (f *framer) flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := bytes.Repeat([]byte{silence}, audio.FrameBytes)
	copy(frame, f.buf)
	f.buf = nil
	return frame
}
