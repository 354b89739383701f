package barge

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func pcmSine(sr int, hz float64, amp float64, durMs int) []byte {
	n := sr * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amp * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func TestDetector_TriggersOnSpeechDuringSpeaking(t *testing.T) {
	triggered := 0
	d := NewDetector(DefaultTelephony(), Events{
		OnTrigger: func(ts time.Time, rms float64) { triggered++ },
	})
	d.SetSpeaking(true)
	speech := pcmSine(8000, 220, 8000, 100)
	if !d.Feed(speech) {
		t.Fatalf("expected trigger")
	}
	if triggered != 1 {
		t.Fatalf("OnTrigger ran %d times, want 1", triggered)
	}
	if d.Speaking() {
		t.Fatalf("detector should disarm after firing")
	}
	if d.Feed(speech) {
		t.Fatalf("disarmed detector must not fire again")
	}
}

func TestDetector_IgnoresWhenNotSpeaking(t *testing.T) {
	d := NewDetector(DefaultTelephony(), Events{})
	if d.Feed(pcmSine(8000, 220, 8000, 200)) {
		t.Fatalf("no trigger expected while agent is silent")
	}
}

func TestDetector_QuietLineNeverFires(t *testing.T) {
	d := NewDetector(DefaultTelephony(), Events{})
	d.SetSpeaking(true)
	if d.Feed(pcmSine(8000, 220, 200, 500)) {
		t.Fatalf("line noise should not trigger")
	}
}

func TestDetector_NeedsConsecutiveFrames(t *testing.T) {
	d := NewDetector(DefaultTelephony(), Events{})
	d.SetSpeaking(true)
	loud := pcmSine(8000, 220, 8000, 20)
	quiet := make([]byte, len(loud))
	for i := 0; i < 5; i++ {
		if d.Feed(loud) || d.Feed(loud) {
			t.Fatalf("two loud frames must not trigger")
		}
		d.Feed(quiet)
	}
	// frames arriving in pieces still add up
	three := pcmSine(8000, 220, 8000, 60)
	d.Feed(three[:100])
	if !d.Feed(three[100:]) {
		t.Fatalf("three consecutive loud frames should trigger")
	}
}
