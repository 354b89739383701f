// Package agent runs one phone call: it feeds caller audio to the recognizer,
// drives the turn-taking machine and queues the agent's synthesized speech
// for the telephony bridge.
package agent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chadiek/companion-gateway/internal/barge"
	"github.com/chadiek/companion-gateway/internal/llm"
	"github.com/chadiek/companion-gateway/internal/metrics"
	"github.com/chadiek/companion-gateway/internal/postcall"
	"github.com/chadiek/companion-gateway/internal/store"
	"github.com/chadiek/companion-gateway/internal/transcript"
	"github.com/chadiek/companion-gateway/internal/tts"
	"github.com/chadiek/companion-gateway/internal/turn"
)

// Submitter accepts finished calls for analysis; *postcall.Processor satisfies it.
type Submitter interface {
	Submit(job postcall.Job) error
}

// Hanger terminates a call at the telephony provider.
type Hanger interface {
	Hangup(ctx context.Context, callSID string) error
}

// Announcer is implemented by a Hanger that can have the provider speak a
// last message before hanging up; *usecase.CallControl does.
type Announcer interface {
	SayAndHangup(ctx context.Context, callSID, text string) error
}

// Deps are the collaborators shared by all sessions of a process.
type Deps struct {
	Transcriber transcript.Opener
	Replier     llm.Replier
	Synthesizer tts.Synthesizer

	// Optional.
	Store    store.Store
	PostCall Submitter
	Hangup   Hanger
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	Turn  turn.Config
	Barge barge.Config

	// QueueFrames bounds the outbound audio queue (20 ms per frame).
	QueueFrames      int
	// StallWait is how long a reply waits for queue space before old frames are dropped.
	StallWait        time.Duration
	// ReconnectRetries is how many times a lost recognizer is reopened after the first attempt.
	ReconnectRetries int
	// NewBackOff paces reconnect attempts, the first one included.
	NewBackOff       func() backoff.BackOff
	// PlaybackGrace is how long the closing message may take to be acknowledged
	// by the provider beyond its own length.
	PlaybackGrace    time.Duration
	// HangupGrace is how long after a hangup request the session waits for the
	// provider to end the media stream before ending itself.
	HangupGrace      time.Duration

	Now  func() time.Time
	Pick func(n int) int
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Turn.UtteranceEnd == 0 {
		d.Turn = turn.DefaultConfig()
	}
	if d.QueueFrames <= 0 {
		d.QueueFrames = 250
	}
	if d.StallWait <= 0 {
		d.StallWait = 200 * time.Millisecond
	}
	if d.PlaybackGrace <= 0 {
		d.PlaybackGrace = 2 * time.Second
	}
	if d.HangupGrace <= 0 {
		d.HangupGrace = 5 * time.Second
	}
	if d.ReconnectRetries < 0 {
		d.ReconnectRetries = 0
	}
	if d.NewBackOff == nil {
		d.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Pick == nil {
		d.Pick = rand.IntN
	}
}

// Params describe the call a session serves.
type Params struct {
	CallSID   string
	From      string
	To        string
	Person    *store.Person // nil for an unknown caller
	StartedAt time.Time
}

// Role is the speaker of a DialogueTurn.
type Role int

const (
	RoleCaller Role = iota + 1
	RoleAgent
)

// Label is the speaker prefix used in stored transcripts.
func (r Role) Label() string {
	if r == RoleAgent {
		return "Begleiter"
	}
	return "Anrufer"
}

// DialogueTurn is one recorded exchange unit. Offsets are relative to the call start.
type DialogueTurn struct {
	Role          Role
	Text          string
	StartOffset   time.Duration
	EndOffset     time.Duration
	AudioDuration time.Duration
	Interrupted   bool
}
