// Package turn decides who may speak on a call. Step is a pure function of the
// current Machine and one Event; it returns the next Machine and the effects the
// call session has to carry out. Nothing in this package performs I/O.
package turn

import (
	"strings"
	"time"
)

// State of the conversation.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	case Thinking:
		return "THINKING"
	case Speaking:
		return "SPEAKING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Kind identifies an Event.
type Kind int

const (
	// Ready: upstream connections are open and the greeting can be queued.
	Ready Kind = iota + 1
	// Transcript: a recognition result.
	Transcript
	// UtteranceTimeout: the forced-completion timer armed by ArmTimer fired.
	UtteranceTimeout
	// ReplyStarted: the agent's reply produced its first content for Epoch.
	ReplyStarted
	// ReplyDone: everything for Epoch was synthesized and handed to the bridge.
	ReplyDone
	// ReplyFailed: the conversation or synthesis client failed during Epoch.
	ReplyFailed
	// VoiceActivity: local energy detection heard the caller.
	VoiceActivity
	// TranscriptionLost: the recognizer connection dropped.
	TranscriptionLost
	// TranscriptionRestored: a reconnect succeeded.
	TranscriptionRestored
	// TranscriptionFailed: the reconnect failed.
	TranscriptionFailed
	// Stop: the telephony stream ended.
	Stop
	// SpeechStarted: the recognizer detected the start of caller speech.
	SpeechStarted
)

// Event is one input to Step. Only the fields relevant to Kind are read.
type Event struct {
	Kind Kind

	// Transcript fields.
	Text         string
	Final        bool
	SpeechFinal  bool
	UtteranceEnd bool
	Confidence   float64
	Seq          uint64

	// Epoch tags reply events; stale epochs are ignored.
	Epoch uint64
	// TimerGen tags UtteranceTimeout; stale generations are ignored.
	TimerGen uint64
}

// Machine is the turn-taking state. Copy it freely; Step never mutates its input.
type Machine struct {
	cfg Config

	State State
	// Epoch identifies the agent turn whose audio may currently be played.
	Epoch uint64
	// Utterance is the caller text buffered for the open turn.
	Utterance string

	// canned is the kind of canned speech the current epoch plays, if any.
	canned         SpeechKind
	lastSeq        uint64
	timerGen       uint64
	timerArmed     bool
	reconnectTried bool
}

// New returns a machine in Idle.
func New(cfg Config) Machine {
	return Machine{cfg: cfg, State: Idle}
}

// Config returns the heuristics the machine was built with.
func (m Machine) Config() Config { return m.cfg }

// TimerArmed reports whether a forced-completion timer is pending.
func (m Machine) TimerArmed() bool { return m.timerArmed }

// Step applies ev to m.
func Step(m Machine, ev Event) (Machine, []Effect) {
	if m.State == Terminated {
		return m, nil
	}

	switch ev.Kind {
	case Stop:
		var effs []Effect
		if m.State == Thinking || m.State == Speaking {
			effs = append(effs, CancelReply{})
		}
		if m.timerArmed {
			effs = append(effs, DisarmTimer{})
			m.timerArmed = false
		}
		m.State = Terminated
		return m, effs

	case TranscriptionLost:
		if !m.reconnectTried {
			m.reconnectTried = true
			return m, []Effect{ReconnectTranscription{}}
		}
		return closeCall(m)

	case TranscriptionRestored:
		m.reconnectTried = false
		return m, nil

	case TranscriptionFailed:
		return closeCall(m)
	}

	switch m.State {
	case Idle:
		return stepIdle(m, ev)
	case Listening:
		return stepListening(m, ev)
	case Thinking:
		return stepThinking(m, ev)
	case Speaking:
		return stepSpeaking(m, ev)
	}
	return m, nil
}

func stepIdle(m Machine, ev Event) (Machine, []Effect) {
	if ev.Kind != Ready {
		return m, nil
	}
	m.Epoch++
	m.State = Speaking
	m.canned = Greeting
	return m, []Effect{NewEpoch{Epoch: m.Epoch}, Speak{Kind: Greeting, Epoch: m.Epoch}}
}

func stepListening(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case Transcript:
		if !acceptSeq(&m, ev.Seq) {
			return m, nil
		}
		return listen(m, ev)

	case UtteranceTimeout:
		if !m.timerArmed || ev.TimerGen != m.timerGen {
			return m, nil
		}
		m.timerArmed = false
		if strings.TrimSpace(m.Utterance) == "" {
			return m, nil
		}
		return complete(m)

	case ReplyDone:
		if ev.Epoch == m.Epoch {
			m.canned = 0
		}

	case ReplyFailed:
		// the apology plays while listening
		if ev.Epoch == m.Epoch && m.canned != 0 {
			return closeCall(m)
		}
	}
	return m, nil
}

// listen folds a transcript into the open utterance and decides completion.
func listen(m Machine, ev Event) (Machine, []Effect) {
	var effs []Effect
	text := strings.TrimSpace(ev.Text)

	if text != "" && m.timerArmed {
		// the caller kept talking; restart the forced-completion window
		m.timerGen++
		effs = append(effs, ArmTimer{After: m.cfg.UtteranceEnd, Gen: m.timerGen})
	}
	if ev.Final && text != "" {
		if m.Utterance == "" {
			m.Utterance = text
		} else {
			m.Utterance += " " + text
		}
	}

	if !ev.SpeechFinal && !ev.UtteranceEnd {
		return m, effs
	}
	if strings.TrimSpace(m.Utterance) == "" {
		return m, effs
	}
	if ev.UtteranceEnd || m.cfg.Complete(m.Utterance) {
		if m.timerArmed {
			m.timerArmed = false
			effs = append(effs, DisarmTimer{})
		}
		m2, more := complete(m)
		return m2, append(effs, more...)
	}

	// trailing marker or lone filler: wait for more speech or the forced timeout
	if !m.timerArmed {
		m.timerGen++
		m.timerArmed = true
		effs = append(effs, ArmTimer{After: m.cfg.UtteranceEnd, Gen: m.timerGen})
	}
	return m, effs
}

func complete(m Machine) (Machine, []Effect) {
	text := strings.TrimSpace(m.Utterance)
	m.Utterance = ""
	m.Epoch++
	m.State = Thinking
	m.canned = 0
	return m, []Effect{NewEpoch{Epoch: m.Epoch}, StartReply{Text: text, Epoch: m.Epoch}}
}

func stepThinking(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case ReplyStarted:
		if ev.Epoch == m.Epoch {
			m.State = Speaking
		}
	case ReplyDone:
		if ev.Epoch == m.Epoch {
			m.State = Listening
			m.canned = 0
		}
	case ReplyFailed:
		if ev.Epoch == m.Epoch {
			return replyFailed(m)
		}
	case Transcript:
		if !acceptSeq(&m, ev.Seq) {
			return m, nil
		}
		if ev.Final && strings.TrimSpace(ev.Text) != "" {
			// the caller resumed before the agent said anything: drop the reply
			m2, effs := interrupt(m, false)
			m3, more := listen(m2, ev)
			return m3, append(effs, more...)
		}
	}
	return m, nil
}

func stepSpeaking(m Machine, ev Event) (Machine, []Effect) {
	switch ev.Kind {
	case ReplyDone:
		if ev.Epoch == m.Epoch {
			m.State = Listening
			m.canned = 0
		}
	case ReplyFailed:
		if ev.Epoch == m.Epoch {
			return replyFailed(m)
		}
	case VoiceActivity:
		if m.cfg.VoiceBargeIn {
			return interrupt(m, true)
		}
	case SpeechStarted:
		return interrupt(m, true)
	case Transcript:
		if !acceptSeq(&m, ev.Seq) {
			return m, nil
		}
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return m, nil
		}
		if ev.Final || ev.Confidence >= m.cfg.BargeInConfidence {
			m2, effs := interrupt(m, true)
			m3, more := listen(m2, ev)
			return m3, append(effs, more...)
		}
	}
	return m, nil
}

// interrupt cancels the agent's turn and returns to Listening. Audio already
// queued for the old epoch becomes stale once the epoch advances.
func interrupt(m Machine, bargeIn bool) (Machine, []Effect) {
	m.Epoch++
	m.State = Listening
	m.Utterance = ""
	m.canned = 0
	effs := []Effect{CancelReply{}, ClearAudio{}, NewEpoch{Epoch: m.Epoch}}
	if bargeIn {
		effs = append(effs, RecordBargeIn{})
	}
	return m, effs
}

// replyFailed apologizes for a failed reply. When the greeting or the apology
// itself could not be spoken the caller would only hear silence, so the call
// is closed instead.
func replyFailed(m Machine) (Machine, []Effect) {
	if m.canned != 0 {
		return closeCall(m)
	}
	return apologize(m)
}

func apologize(m Machine) (Machine, []Effect) {
	m.Epoch++
	m.State = Listening
	m.canned = Apology
	return m, []Effect{CancelReply{}, NewEpoch{Epoch: m.Epoch}, Speak{Kind: Apology, Epoch: m.Epoch}}
}

func closeCall(m Machine) (Machine, []Effect) {
	var effs []Effect
	if m.State == Thinking || m.State == Speaking {
		effs = append(effs, CancelReply{}, ClearAudio{})
	}
	if m.timerArmed {
		m.timerArmed = false
		effs = append(effs, DisarmTimer{})
	}
	m.Epoch++
	m.State = Terminated
	m.canned = Closing
	return m, append(effs, NewEpoch{Epoch: m.Epoch}, Speak{Kind: Closing, Epoch: m.Epoch}, Hangup{})
}

// acceptSeq drops duplicate or out-of-order transcript events.
func acceptSeq(m *Machine, seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq <= m.lastSeq {
		return false
	}
	m.lastSeq = seq
	return true
}

// Effect is an instruction for the call session.
type Effect interface{ effect() }

// SpeechKind selects a canned utterance.
type SpeechKind int

const (
	Greeting SpeechKind = iota + 1
	Apology
	Closing
)

type (
	// StartReply asks the conversation client to answer Text under Epoch.
	StartReply struct {
		Text  string
		Epoch uint64
	}
	// CancelReply cancels in-flight conversation and synthesis streams.
	CancelReply struct{}
	// ClearAudio drops audio already buffered at the telephony provider.
	ClearAudio struct{}
	// NewEpoch makes every buffered frame of an older epoch stale.
	NewEpoch struct{ Epoch uint64 }
	// ArmTimer (re)starts the forced-completion timer.
	ArmTimer struct {
		After time.Duration
		Gen   uint64
	}
	// DisarmTimer stops the forced-completion timer.
	DisarmTimer struct{}
	// Speak synthesizes a canned utterance under Epoch.
	Speak struct {
		Kind  SpeechKind
		Epoch uint64
	}
	// RecordBargeIn marks the current turn metric as interrupted.
	RecordBargeIn struct{}
	// ReconnectTranscription asks for one reconnect attempt with backoff.
	ReconnectTranscription struct{}
	// Hangup ends the call once queued audio has played.
	Hangup struct{}
)

func (StartReply) effect()             {}
func (CancelReply) effect()            {}
func (ClearAudio) effect()             {}
func (NewEpoch) effect()               {}
func (ArmTimer) effect()               {}
func (DisarmTimer) effect()            {}
func (Speak) effect()                  {}
func (RecordBargeIn) effect()          {}
func (ReconnectTranscription) effect() {}
func (Hangup) effect()                 {}
