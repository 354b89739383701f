package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chadiek/companion-gateway/internal/audio"
	"github.com/chadiek/companion-gateway/internal/llm"
	"github.com/chadiek/companion-gateway/internal/postcall"
	"github.com/chadiek/companion-gateway/internal/stream"
	"github.com/chadiek/companion-gateway/internal/transcript"
	"github.com/chadiek/companion-gateway/internal/tts"
)

type fakeRecognizer struct {
	events    chan transcript.Event
	sent      atomic.Int32
	closeOnce sync.Once
	closed    chan struct{}
}

func (f *fakeRecognizer) Send(pcm []byte) error {
	select {
	case <-f.closed:
		return stream.ErrClosedStream
	default:
	}
	f.sent.Add(1)
	return nil
}
func (f *fakeRecognizer) Events() <-chan transcript.Event { return f.events }
func (f *fakeRecognizer) Cancel()                         { _ = f.Close() }
func (f *fakeRecognizer) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}
func (f *fakeRecognizer) Err() error { return nil }

type fakeOpener struct {
	mu       sync.Mutex
	err      error
	streams  []*fakeRecognizer
	openedAt []time.Time
}

func (f *fakeOpener) Open(ctx context.Context) (transcript.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openedAt = append(f.openedAt, time.Now())
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeRecognizer{events: make(chan transcript.Event, 16), closed: make(chan struct{})}
	f.streams = append(f.streams, r)
	return r, nil
}

func (f *fakeOpener) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeOpener) openTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.openedAt...)
}

func (f *fakeOpener) latest() *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

type fakeConv struct {
	chunks    chan llm.Chunk
	text      string
	cancelled atomic.Bool
}

func (c *fakeConv) Chunks() <-chan llm.Chunk   { return c.chunks }
func (c *fakeConv) Send(msg llm.Message) error { return nil }
func (c *fakeConv) Text() string               { return c.text }
func (c *fakeConv) Cancel()                    { c.cancelled.Store(true) }
func (c *fakeConv) Close() error               { c.Cancel(); return nil }
func (c *fakeConv) Err() error                 { return nil }

// fakeReplier answers every request with chunks. With hold set the reply
// never finishes on its own.
type fakeReplier struct {
	mu       sync.Mutex
	chunks   []string
	hold     bool
	err      error
	requests []llm.Request
	convs    []*fakeConv
}

func (f *fakeReplier) Open(ctx context.Context, req llm.Request) (llm.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConv{chunks: make(chan llm.Chunk, len(f.chunks)+1), text: strings.Join(f.chunks, " ")}
	for _, t := range f.chunks {
		c.chunks <- llm.Chunk{Text: t}
	}
	if !f.hold {
		c.chunks <- llm.Chunk{Final: true}
		close(c.chunks)
	}
	f.convs = append(f.convs, c)
	return c, nil
}

func (f *fakeReplier) Requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

func (f *fakeReplier) conv(i int) *fakeConv {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[i]
}

func (f *fakeReplier) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeSpeech struct {
	owner  *fakeSynth
	events chan []byte

	mu        sync.Mutex
	cancelled bool
	finished  bool
}

func (s *fakeSpeech) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.finished {
		return stream.ErrClosedStream
	}
	s.owner.record(text)
	for i := 0; i < s.owner.framesPerText; i++ {
		frame := make([]byte, audio.FrameBytes)
		select {
		case s.events <- frame:
		default:
		}
	}
	return nil
}

func (s *fakeSpeech) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		close(s.events)
	}
}

func (s *fakeSpeech) Events() <-chan []byte { return s.events }
func (s *fakeSpeech) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}
func (s *fakeSpeech) Close() error { s.Cancel(); return nil }
func (s *fakeSpeech) Err() error   { return nil }

type fakeSynth struct {
	framesPerText int
	err           error

	mu    sync.Mutex
	texts []string
	opens int
}

func (f *fakeSynth) Open(ctx context.Context) (tts.Stream, error) {
	f.mu.Lock()
	f.opens++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeSpeech{owner: f, events: make(chan []byte, 256)}, nil
}

func (f *fakeSynth) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeSynth) record(text string) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
}

func (f *fakeSynth) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []postcall.Job
}

func (f *fakeSubmitter) Submit(job postcall.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	return nil
}

func (f *fakeSubmitter) Jobs() []postcall.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]postcall.Job(nil), f.jobs...)
}

type fakeHanger struct {
	mu        sync.Mutex
	sids      []string
	farewells []string
}

func (f *fakeHanger) SayAndHangup(ctx context.Context, callSID, text string) error {
	f.mu.Lock()
	f.sids = append(f.sids, callSID)
	f.farewells = append(f.farewells, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeHanger) Farewells() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.farewells...)
}

func (f *fakeHanger) Hangup(ctx context.Context, callSID string) error {
	f.mu.Lock()
	f.sids = append(f.sids, callSID)
	f.mu.Unlock()
	return nil
}

func (f *fakeHanger) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sids...)
}
