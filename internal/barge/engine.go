package barge

import (
	"sync"
	"time"

	"github.com/chadiek/companion-gateway/internal/audio"
)

// Detector counts consecutive loud frames while the agent is speaking.
// Detection is armed by SetSpeaking(true) and disarms itself after firing, so
// one agent turn produces at most one trigger.
type Detector struct {
	cfg    Config
	events Events

	mu          sync.Mutex
	speaking    bool
	consecutive int
	pending     []byte
}

// NewDetector constructs a Detector. Zero fields in cfg fall back to DefaultTelephony.
func NewDetector(cfg Config, events Events) *Detector {
	def := DefaultTelephony()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = def.FrameMs
	}
	if cfg.RMSThreshold <= 0 {
		cfg.RMSThreshold = def.RMSThreshold
	}
	if cfg.MinFrames <= 0 {
		cfg.MinFrames = def.MinFrames
	}
	return &Detector{cfg: cfg, events: events}
}

func (d *Detector) frameBytes() int { return d.cfg.SampleRate * d.cfg.FrameMs / 1000 * 2 }

// SetSpeaking toggles detection; turning it off also clears the frame count.
func (d *Detector) SetSpeaking(on bool) {
	d.mu.Lock()
	d.speaking = on
	d.consecutive = 0
	d.pending = d.pending[:0]
	d.mu.Unlock()
}

// Speaking reports whether detection is armed.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Feed analyses PCM16LE at the configured sample rate and reports whether a
// barge-in fired during this call.
func (d *Detector) Feed(pcm []byte) bool {
	d.mu.Lock()
	if !d.speaking {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, pcm...)
	size := d.frameBytes()
	var fired bool
	var rms float64
	for len(d.pending) >= size {
		frame := d.pending[:size]
		e := audio.RMS(frame)
		d.pending = d.pending[size:]
		if e >= d.cfg.RMSThreshold {
			d.consecutive++
		} else {
			d.consecutive = 0
		}
		if d.consecutive >= d.cfg.MinFrames {
			fired, rms = true, e
			d.speaking = false
			d.consecutive = 0
			d.pending = d.pending[:0]
			break
		}
	}
	// keep the tail in its own array so pending does not pin old buffers
	d.pending = append([]byte(nil), d.pending...)
	d.mu.Unlock()

	if fired && d.events.OnTrigger != nil {
		d.events.OnTrigger(time.Now(), rms)
	}
	return fired
}

// Reset clears the frame count without changing the speaking flag.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.consecutive = 0
	d.pending = d.pending[:0]
	d.mu.Unlock()
}
