// Package barge detects the caller talking over the agent from inbound audio
// energy, ahead of any transcript.
package barge

import "time"

// Config holds the thresholds for local barge-in detection.
type Config struct {
	SampleRate   int     // 8000 for telephony
	FrameMs      int     // analysis window, 20 ms matches media-stream chunks
	RMSThreshold float64 // 0..32767; ~500 separates speech from line noise
	MinFrames    int     // consecutive loud frames required, 3 => 60 ms
}

// Events lets the host react to a detected barge-in.
type Events struct {
	// OnTrigger fires once per speaking period. rms is the energy of the frame
	// that crossed the threshold count.
	OnTrigger func(ts time.Time, rms float64)
}

// DefaultTelephony returns the thresholds used on 8 kHz phone lines.
func DefaultTelephony() Config {
	return Config{
		SampleRate:   8000,
		FrameMs:      20,
		RMSThreshold: 500,
		MinFrames:    3,
	}
}
