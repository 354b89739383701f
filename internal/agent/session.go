package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/companion-gateway/internal/audio"
	"github.com/chadiek/companion-gateway/internal/barge"
	"github.com/chadiek/companion-gateway/internal/llm"
	"github.com/chadiek/companion-gateway/internal/memory"
	"github.com/chadiek/companion-gateway/internal/metrics"
	"github.com/chadiek/companion-gateway/internal/postcall"
	"github.com/chadiek/companion-gateway/internal/stream"
	"github.com/chadiek/companion-gateway/internal/transcript"
	"github.com/chadiek/companion-gateway/internal/tts"
	"github.com/chadiek/companion-gateway/internal/turn"
)

const inboundQueue = 50

var errReconnectExhausted = errors.New("agent: no reconnect attempt left")

// Session orchestrates STT -> LLM -> TTS for a single call. All turn-taking
// decisions happen on one loop goroutine; the clients talk to it over the
// events channel.
type Session struct {
	deps   Deps
	params Params
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	events   chan turn.Event
	audioIn  chan []byte
	queue    *epochQueue
	detector *barge.Detector
	recorder *metrics.Recorder
	seq       atomic.Uint64
	state     atomic.Int32
	started   atomic.Bool
	hangingUp atomic.Bool

	// loop goroutine only
	machine    turn.Machine
	timer      *time.Timer
	uttStart   time.Time
	lastSpeech time.Time

	sttMu  sync.Mutex
	stt    transcript.Stream
	sttGen uint64

	mu      sync.Mutex
	system  string
	history *llm.History
	turns   []DialogueTurn
	current *reply
	onClear func()
	marks   map[string]chan struct{}

	terminated chan struct{}
	termOnce   sync.Once
	endOnce    sync.Once
	done       chan struct{}
}

// reply is one agent utterance in flight, either generated or canned.
type reply struct {
	epoch   uint64
	started time.Time
	cancel  context.CancelFunc

	mu   sync.Mutex
	conv llm.Stream
	tts  tts.Stream
	text strings.Builder

	frames   atomic.Int64
	bargedIn atomic.Bool
	once     sync.Once
}

func (r *reply) attach(conv llm.Stream, synth tts.Stream) {
	r.mu.Lock()
	if conv != nil {
		r.conv = conv
	}
	if synth != nil {
		r.tts = synth
	}
	r.mu.Unlock()
}

func (r *reply) say(text string) {
	r.mu.Lock()
	if r.text.Len() > 0 {
		r.text.WriteByte(' ')
	}
	r.text.WriteString(strings.TrimSpace(text))
	r.mu.Unlock()
}

func (r *reply) spoken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(r.text.String())
}

// stop cancels both streams before anything else is delivered.
func (r *reply) stop() {
	r.cancel()
	r.mu.Lock()
	conv, synth := r.conv, r.tts
	r.mu.Unlock()
	if conv != nil {
		conv.Cancel()
	}
	if synth != nil {
		synth.Cancel()
	}
}

// NewSession prepares a session for params. The caller's long-term memory is
// loaded once here; a failed load continues with an empty memory.
func NewSession(ctx context.Context, deps Deps, params Params) (*Session, error) {
	if deps.Transcriber == nil || deps.Replier == nil || deps.Synthesizer == nil {
		return nil, errors.New("agent: transcriber, replier and synthesizer are required")
	}
	deps.defaults()
	if params.StartedAt.IsZero() {
		params.StartedAt = deps.Now()
	}

	log := deps.Logger.With("call_sid", params.CallSID)
	var (
		name string
		mem  memory.State
	)
	if p := params.Person; p != nil {
		name = p.DisplayName
		if deps.Store != nil {
			loaded, err := deps.Store.LoadMemory(ctx, p.ID)
			if err != nil {
				log.Warn("could not load caller memory, continuing without", "person_id", p.ID, "error", err)
			} else {
				mem = loaded
			}
		}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		deps:     deps,
		params:   params,
		log:      log,
		ctx:      sctx,
		cancel:   cancel,
		events:   make(chan turn.Event, 64),
		audioIn:  make(chan []byte, inboundQueue),
		queue:    newEpochQueue(deps.QueueFrames),
		recorder: metrics.NewRecorder(params.StartedAt, deps.Metrics),
		machine:  turn.New(deps.Turn),
		system:   llm.SystemPrompt(name, mem),
		history:  llm.NewHistory(llm.HistoryTurns),
		marks:    make(map[string]chan struct{}),

		terminated: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.detector = barge.NewDetector(deps.Barge, barge.Events{
		OnTrigger: func(_ time.Time, rms float64) {
			log.Debug("caller voice while agent speaks", "rms", rms)
		},
	})
	deps.Metrics.CallStarted()
	return s, nil
}

// CallSID identifies the call.
func (s *Session) CallSID() string { return s.params.CallSID }

// State is the current turn-taking state.
func (s *Session) State() turn.State { return turn.State(s.state.Load()) }

// Done is closed once End has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start opens transcription and queues the greeting. When the recognizer
// cannot be reached the caller hears the closing message and the call is hung
// up; the returned error reports the failure.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("agent: session already started")
	}
	s.group.Go(s.loop)
	s.group.Go(s.forwardAudio)

	if err := s.openTranscription(ctx); err != nil {
		s.log.Error("transcription unavailable at call start", "error", err)
		s.post(turn.Event{Kind: turn.TranscriptionFailed})
		return fmt.Errorf("open transcription: %w", err)
	}
	s.post(turn.Event{Kind: turn.Ready})
	return nil
}

// PushInboundAudio takes one μ-law frame from the bridge. It never blocks;
// when the recognizer falls behind the frame is dropped.
func (s *Session) PushInboundAudio(ulaw []byte) {
	if s.ctx.Err() != nil || len(ulaw) == 0 {
		return
	}
	pcm := audio.MulawDecode(ulaw)
	if s.detector.Feed(pcm) {
		select {
		case s.events <- turn.Event{Kind: turn.VoiceActivity}:
		default:
		}
	}
	select {
	case s.audioIn <- pcm:
	default:
		s.deps.Metrics.FramesDropped("inbound", "queue_full", 1)
	}
}

// PullOutboundAudio returns the next frame of the current epoch, if any.
func (s *Session) PullOutboundAudio() (Frame, bool) {
	return s.queue.pull()
}

// Outbound signals that frames were queued.
func (s *Session) Outbound() <-chan struct{} { return s.queue.wake }

// OnClear registers the callback run when buffered audio must be discarded
// at the provider.
func (s *Session) OnClear(fn func()) {
	s.mu.Lock()
	s.onClear = fn
	s.mu.Unlock()
}

// MarkPlayed reports that the provider finished playing everything queued
// before the mark name.
func (s *Session) MarkPlayed(name string) {
	s.mu.Lock()
	ch, ok := s.marks[name]
	delete(s.marks, name)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *Session) expectMark(name string) <-chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.marks[name] = ch
	s.mu.Unlock()
	return ch
}

// Turns returns a copy of the dialogue so far.
func (s *Session) Turns() []DialogueTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DialogueTurn(nil), s.turns...)
}

// Transcript renders the dialogue as "Anrufer: ..." / "Begleiter: ..." lines.
func (s *Session) Transcript() string {
	var b strings.Builder
	for _, t := range s.Turns() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Role.Label())
		b.WriteString(": ")
		b.WriteString(t.Text)
		if t.Interrupted {
			b.WriteString(" [unterbrochen]")
		}
	}
	return b.String()
}

// End stops the session and hands the transcript to post-call processing.
// The bridge calls it when the media stream stops, which is when the call
// counts as ended. Only the first call has an effect; later calls wait for
// it to finish.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		ended := s.deps.Now()
		if s.hangingUp.Load() && (reason == "stop" || reason == "disconnect") {
			reason = "hangup"
		}
		s.stopMachine()
		s.cancel()
		s.stopReply(false)
		s.closeTranscription()
		_ = s.group.Wait()
		if s.machine.State != turn.Terminated {
			// the loop gave up before it saw Stop; it has exited now
			s.apply(turn.Event{Kind: turn.Stop})
		}
		s.disarmTimer()
		s.detector.Reset()

		if pending := strings.TrimSpace(s.machine.Utterance); pending != "" {
			s.addTurn(DialogueTurn{
				Role:        RoleCaller,
				Text:        pending,
				StartOffset: s.offset(s.uttStart),
				EndOffset:   s.offset(s.lastSpeech),
			})
		}

		summary := s.recorder.Summary(ended)
		s.log.Info("call ended", append([]any{"reason", reason}, summary.LogAttrs()...)...)
		s.deps.Metrics.CallEnded(reason, summary.Duration)

		s.submit(ended)
		close(s.done)
	})
	<-s.done
}

// stopMachine feeds Stop to the turn loop and waits until it was applied.
func (s *Session) stopMachine() {
	if !s.started.Load() {
		return
	}
	wait := time.NewTimer(time.Second)
	defer wait.Stop()
	select {
	case s.events <- turn.Event{Kind: turn.Stop}:
	case <-wait.C:
		return
	}
	select {
	case <-s.terminated:
	case <-wait.C:
	}
}

func (s *Session) submit(ended time.Time) {
	if s.deps.PostCall == nil {
		return
	}
	job := postcall.Job{
		CallSID:    s.params.CallSID,
		Transcript: s.Transcript(),
		StartedAt:  s.params.StartedAt,
		EndedAt:    ended,
	}
	if p := s.params.Person; p != nil {
		job.PersonID = p.ID
		job.Consent = p.ConsentRecording
	} else {
		job.PersonID = uuid.Nil
	}
	if err := s.deps.PostCall.Submit(job); err != nil {
		s.log.Error("could not submit call for analysis", "error", err)
	}
}

func (s *Session) offset(ts time.Time) time.Duration {
	if ts.IsZero() {
		return 0
	}
	return ts.Sub(s.params.StartedAt)
}

func (s *Session) addTurn(t DialogueTurn) {
	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
}

// post hands ev to the loop unless the session is over.
func (s *Session) post(ev turn.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev := <-s.events:
			s.apply(ev)
		}
	}
}

func (s *Session) apply(ev turn.Event) {
	prev := s.machine
	next, effects := turn.Step(s.machine, ev)
	s.machine = next

	// a transcript the machine ignored leaves both state and epoch unchanged
	accepted := next.State == turn.Listening || next.Epoch != prev.Epoch
	if ev.Kind == turn.Transcript && strings.TrimSpace(ev.Text) != "" && accepted {
		now := s.deps.Now()
		if s.uttStart.IsZero() {
			s.uttStart = now
		}
		s.lastSpeech = now
	}
	if prev.State != next.State {
		s.log.Debug("turn state", "from", prev.State, "to", next.State, "epoch", next.Epoch)
		if prev.State == turn.Speaking || next.State == turn.Speaking {
			s.detector.SetSpeaking(next.State == turn.Speaking)
		}
	}
	s.run(effects)
	// published last: once visible, stale audio is already gone
	s.state.Store(int32(next.State))
	if next.State == turn.Terminated {
		s.termOnce.Do(func() { close(s.terminated) })
	}
}

func (s *Session) run(effects []turn.Effect) {
	var bargeIn, hangup bool
	for _, e := range effects {
		switch e.(type) {
		case turn.RecordBargeIn:
			bargeIn = true
		case turn.Hangup:
			hangup = true
		}
	}

	spoke := false
	for _, e := range effects {
		switch e := e.(type) {
		case turn.NewEpoch:
			if n := s.queue.setEpoch(e.Epoch); n > 0 {
				s.deps.Metrics.FramesDropped("outbound", "stale_epoch", n)
			}
		case turn.StartReply:
			s.startReply(e)
		case turn.CancelReply:
			s.stopReply(bargeIn)
		case turn.ClearAudio:
			s.clearAudio()
		case turn.ArmTimer:
			s.armTimer(e)
		case turn.DisarmTimer:
			s.disarmTimer()
		case turn.Speak:
			closing := e.Kind == turn.Closing && hangup
			spoke = spoke || closing
			s.speak(e, closing)
		case turn.RecordBargeIn:
			s.log.Info("barge-in", "epoch", s.machine.Epoch)
			s.recorder.RecordBargeIn()
		case turn.ReconnectTranscription:
			s.reconnect()
		case turn.Hangup:
			if !spoke {
				s.hangup("")
			}
		}
	}
}

func (s *Session) armTimer(e turn.ArmTimer) {
	s.disarmTimer()
	gen := e.Gen
	s.timer = time.AfterFunc(e.After, func() {
		s.post(turn.Event{Kind: turn.UtteranceTimeout, TimerGen: gen})
	})
}

func (s *Session) disarmTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) clearAudio() {
	if n := s.queue.clear(); n > 0 {
		s.deps.Metrics.FramesDropped("outbound", "barge_in", n)
	}
	s.mu.Lock()
	fn := s.onClear
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// stopReply cancels the agent utterance in flight and records what was said of it.
func (s *Session) stopReply(bargeIn bool) {
	s.mu.Lock()
	r := s.current
	s.current = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	if bargeIn {
		r.bargedIn.Store(true)
	}
	r.stop()
	s.finishTurn(r, true)
}

// finishTurn appends the agent's part of the dialogue once per reply.
func (s *Session) finishTurn(r *reply, interrupted bool) {
	r.once.Do(func() {
		text := r.spoken()
		if text == "" {
			return
		}
		t := DialogueTurn{
			Role:          RoleAgent,
			Text:          text,
			StartOffset:   s.offset(r.started),
			EndOffset:     s.offset(s.deps.Now()),
			AudioDuration: time.Duration(r.frames.Load()) * audio.FrameDurationMs * time.Millisecond,
			Interrupted:   interrupted,
		}
		s.mu.Lock()
		s.turns = append(s.turns, t)
		s.history.Add(llm.RoleAssistant, text)
		s.mu.Unlock()
	})
}

func (s *Session) newReply(epoch uint64) (*reply, context.Context) {
	ctx, cancel := context.WithCancel(s.ctx)
	r := &reply{epoch: epoch, started: s.deps.Now(), cancel: cancel}
	s.mu.Lock()
	prev := s.current
	s.current = r
	s.mu.Unlock()
	if prev != nil {
		prev.stop()
		s.finishTurn(prev, true)
	}
	return r, ctx
}

// release clears r as the current reply if nothing replaced it.
func (s *Session) release(r *reply) {
	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.mu.Unlock()
	r.cancel()
}

func (s *Session) startReply(e turn.StartReply) {
	now := s.deps.Now()
	s.mu.Lock()
	s.turns = append(s.turns, DialogueTurn{
		Role:        RoleCaller,
		Text:        e.Text,
		StartOffset: s.offset(s.uttStart),
		EndOffset:   s.offset(s.lastSpeech),
	})
	req := llm.Request{System: s.system, History: s.history.Messages(), User: e.Text}
	s.history.Add(llm.RoleUser, e.Text)
	s.mu.Unlock()

	timer := &metrics.TurnTimer{}
	timer.SpeechEnd(s.lastSpeech)
	timer.STTFinal(now)
	s.uttStart, s.lastSpeech = time.Time{}, time.Time{}

	r, ctx := s.newReply(e.Epoch)
	s.group.Go(func() error {
		s.generate(ctx, r, req, timer)
		return nil
	})
}

// generate streams an LLM reply through synthesis into the outbound queue.
func (s *Session) generate(ctx context.Context, r *reply, req llm.Request, timer *metrics.TurnTimer) {
	defer s.release(r)
	defer func() {
		if r.bargedIn.Load() {
			timer.BargeIn()
		}
		s.recorder.Record(timer)
	}()
	log := s.log.With("epoch", r.epoch)

	timer.LLMStart(s.deps.Now())
	conv, err := s.deps.Replier.Open(ctx, req)
	if err != nil {
		s.replyFailed(ctx, r, fmt.Errorf("open conversation: %w", err))
		return
	}
	defer conv.Close()
	r.attach(conv, nil)

	timer.TTSStart(s.deps.Now())
	synth, err := s.deps.Synthesizer.Open(ctx)
	if err != nil {
		conv.Cancel()
		s.replyFailed(ctx, r, fmt.Errorf("open synthesis: %w", err))
		return
	}
	defer synth.Close()
	r.attach(nil, synth)

	var g errgroup.Group
	g.Go(func() error {
		defer synth.Finish()
		for {
			select {
			case <-ctx.Done():
				return nil
			case chunk, ok := <-conv.Chunks():
				if !ok {
					timer.LLMDone(s.deps.Now())
					return conv.Err()
				}
				if chunk.Text == "" {
					continue
				}
				timer.LLMFirstToken(s.deps.Now())
				if err := synth.Send(chunk.Text); err != nil {
					if errors.Is(err, stream.ErrClosedStream) {
						return nil
					}
					return err
				}
				r.say(chunk.Text)
			}
		}
	})
	g.Go(func() error {
		err := s.play(ctx, r, synth, timer.TTSFirstAudio)
		if err != nil {
			// unblock the producer
			synth.Cancel()
		}
		return err
	})
	err = g.Wait()
	timer.TTSDone(s.deps.Now())

	switch {
	case ctx.Err() != nil:
		log.Debug("reply cancelled")
	case err != nil:
		s.replyFailed(ctx, r, err)
	default:
		s.finishReply(ctx, r, false)
	}
}

// speak synthesizes a canned utterance. A closing message hangs up afterwards.
func (s *Session) speak(e turn.Speak, hangupAfter bool) {
	var text string
	switch e.Kind {
	case turn.Greeting:
		name := ""
		if s.params.Person != nil {
			name = s.params.Person.DisplayName
		}
		text = Greeting(name, s.deps.Pick)
	case turn.Apology:
		text = apologyText
	case turn.Closing:
		text = closingText
	}

	r, ctx := s.newReply(e.Epoch)
	s.group.Go(func() error {
		defer s.release(r)
		played := s.sayText(ctx, r, text, hangupAfter)
		if !hangupAfter {
			return nil
		}
		if played || r.frames.Load() > 0 {
			s.hangup("")
		} else {
			// synthesis is down: let the provider say goodbye
			s.hangup(text)
		}
		return nil
	})
}

// sayText synthesizes and queues text. It reports whether the reply finished.
func (s *Session) sayText(ctx context.Context, r *reply, text string, awaitPlayback bool) bool {
	synth, err := s.deps.Synthesizer.Open(ctx)
	if err != nil {
		s.replyFailed(ctx, r, fmt.Errorf("open synthesis: %w", err))
		return false
	}
	defer synth.Close()
	r.attach(nil, synth)
	if err := synth.Send(text); err != nil {
		s.replyFailed(ctx, r, err)
		return false
	}
	r.say(text)
	synth.Finish()
	if err := s.play(ctx, r, synth, nil); err != nil {
		s.replyFailed(ctx, r, err)
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	return s.finishReply(ctx, r, awaitPlayback)
}

// play moves synthesized frames into the outbound queue.
func (s *Session) play(ctx context.Context, r *reply, synth tts.Stream, firstAudio func(time.Time)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-synth.Events():
			if !ok {
				return synth.Err()
			}
			if len(frame) == 0 {
				continue
			}
			if r.frames.Add(1) == 1 {
				if firstAudio != nil {
					firstAudio(s.deps.Now())
				}
				s.post(turn.Event{Kind: turn.ReplyStarted, Epoch: r.epoch})
			}
			if !s.enqueue(ctx, Frame{Epoch: r.epoch, Payload: frame}) {
				return nil
			}
		}
	}
}

// enqueue waits briefly for room, then pushes f, dropping the oldest frames
// if the bridge is not draining. It reports false once f's epoch is stale.
func (s *Session) enqueue(ctx context.Context, f Frame) bool {
	if s.queue.full() {
		wait := time.NewTimer(s.deps.StallWait)
		defer wait.Stop()
	waiting:
		for s.queue.full() {
			select {
			case <-ctx.Done():
				return false
			case <-s.queue.space:
			case <-wait.C:
				break waiting
			}
		}
	}
	ok, dropped := s.queue.push(f)
	if dropped > 0 {
		s.deps.Metrics.FramesDropped("outbound", "queue_full", dropped)
	}
	return ok
}

// finishReply marks the end of the utterance, waits until the bridge has
// taken every frame and reports the reply done. With awaitPlayback it also
// waits for the provider to acknowledge the mark, bounded by the length of
// the audio plus PlaybackGrace.
func (s *Session) finishReply(ctx context.Context, r *reply, awaitPlayback bool) bool {
	if frames := r.frames.Load(); frames > 0 {
		mark := fmt.Sprintf("reply-%d", r.epoch)
		var played <-chan struct{}
		if awaitPlayback {
			played = s.expectMark(mark)
		}
		s.enqueue(ctx, Frame{Epoch: r.epoch, Mark: mark})
		select {
		case <-s.queue.drained():
		case <-ctx.Done():
			return false
		}
		if played != nil {
			length := time.Duration(frames) * audio.FrameDurationMs * time.Millisecond
			wait := time.NewTimer(length + s.deps.PlaybackGrace)
			select {
			case <-played:
			case <-wait.C:
				s.log.Warn("no playback acknowledgement", "mark", mark)
			case <-ctx.Done():
				wait.Stop()
				return false
			}
			wait.Stop()
		}
	}
	s.finishTurn(r, false)
	s.post(turn.Event{Kind: turn.ReplyDone, Epoch: r.epoch})
	return true
}

func (s *Session) replyFailed(ctx context.Context, r *reply, err error) {
	if ctx.Err() != nil {
		return
	}
	s.log.Warn("agent reply failed", "epoch", r.epoch, "error", err)
	s.finishTurn(r, true)
	s.post(turn.Event{Kind: turn.ReplyFailed, Epoch: r.epoch})
}

// hangup asks the provider to end the call, speaking farewell itself when set.
// The session ends once the bridge reports the stream stopped, or after
// HangupGrace. End waits for the goroutine calling hangup, so it never calls
// End directly.
func (s *Session) hangup(farewell string) {
	if s.ctx.Err() != nil {
		return
	}
	h := s.deps.Hangup
	if h == nil {
		go s.End("hangup")
		return
	}
	s.hangingUp.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	var err error
	if a, ok := h.(Announcer); ok && farewell != "" {
		err = a.SayAndHangup(ctx, s.params.CallSID, farewell)
	} else {
		err = h.Hangup(ctx, s.params.CallSID)
	}
	cancel()
	if err != nil {
		s.log.Error("hangup failed", "error", err)
		go s.End("hangup")
		return
	}
	go func() {
		wait := time.NewTimer(s.deps.HangupGrace)
		defer wait.Stop()
		select {
		case <-s.done:
		case <-wait.C:
			s.log.Warn("media stream still open after hangup", "grace", s.deps.HangupGrace)
			s.End("hangup")
		}
	}()
}

func (s *Session) openTranscription(ctx context.Context) error {
	st, err := s.deps.Transcriber.Open(ctx)
	if err != nil {
		return err
	}
	s.sttMu.Lock()
	if s.ctx.Err() != nil {
		s.sttMu.Unlock()
		_ = st.Close()
		return s.ctx.Err()
	}
	s.sttGen++
	gen := s.sttGen
	s.stt = st
	s.sttMu.Unlock()

	s.group.Go(func() error {
		s.readTranscripts(st, gen)
		return nil
	})
	return nil
}

func (s *Session) closeTranscription() {
	s.sttMu.Lock()
	st := s.stt
	s.stt = nil
	s.sttGen++
	s.sttMu.Unlock()
	if st != nil {
		if err := st.Close(); err != nil {
			s.log.Debug("closing transcription", "error", err)
		}
	}
}

func (s *Session) currentTranscription(gen uint64) bool {
	s.sttMu.Lock()
	defer s.sttMu.Unlock()
	return s.stt != nil && s.sttGen == gen
}

// forwardAudio feeds queued caller audio to whichever recognizer is current.
func (s *Session) forwardAudio() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case pcm := <-s.audioIn:
			s.sttMu.Lock()
			st := s.stt
			s.sttMu.Unlock()
			if st == nil {
				continue
			}
			if err := st.Send(pcm); err != nil && !errors.Is(err, stream.ErrClosedStream) {
				s.log.Debug("transcription send failed", "error", err)
			}
		}
	}
}

func (s *Session) readTranscripts(st transcript.Stream, gen uint64) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-st.Events():
			if !ok {
				if s.ctx.Err() == nil && s.currentTranscription(gen) {
					s.log.Warn("transcription lost", "error", st.Err())
					s.post(turn.Event{Kind: turn.TranscriptionLost})
				}
				return
			}
			if te, ok := s.transcriptEvent(ev); ok {
				s.post(te)
			}
		}
	}
}

// transcriptEvent converts a recognizer event. Sequence numbers are reissued
// per session so they keep increasing across reconnects.
func (s *Session) transcriptEvent(ev transcript.Event) (turn.Event, bool) {
	if ev.Kind == transcript.SpeechStarted {
		return turn.Event{Kind: turn.SpeechStarted}, true
	}
	out := turn.Event{Kind: turn.Transcript, Text: ev.Text, Confidence: ev.Confidence}
	switch ev.Kind {
	case transcript.Partial:
	case transcript.Final:
		out.Final = true
		out.SpeechFinal = ev.SpeechFinal
	case transcript.UtteranceEnd:
		out.UtteranceEnd = true
	default:
		return turn.Event{}, false
	}
	out.Seq = s.seq.Add(1)
	return out, true
}

// reconnect replaces a lost recognizer. Every attempt, the first one
// included, waits for the next backoff interval.
func (s *Session) reconnect() {
	s.closeTranscription()
	s.group.Go(func() error {
		b := backoff.WithContext(backoff.WithMaxRetries(s.deps.NewBackOff(), uint64(s.deps.ReconnectRetries)+1), s.ctx)
		attempt := 0
		err := errReconnectExhausted
		for {
			delay := b.NextBackOff()
			if delay == backoff.Stop {
				break
			}
			wait := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				wait.Stop()
				return nil
			case <-wait.C:
			}
			attempt++
			if err = s.openTranscription(s.ctx); err == nil {
				break
			}
			s.log.Warn("transcription reconnect failed", "attempt", attempt, "error", err)
		}
		switch {
		case s.ctx.Err() != nil:
		case err != nil:
			s.post(turn.Event{Kind: turn.TranscriptionFailed})
		default:
			s.log.Info("transcription restored", "attempt", attempt)
			s.post(turn.Event{Kind: turn.TranscriptionRestored})
		}
		return nil
	})
}
