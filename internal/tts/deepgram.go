package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/companion-gateway/internal/audio"
	"github.com/chadiek/companion-gateway/internal/stream"
)

// Deepgram synthesizes over the Aura speak websocket in μ-law at 8 kHz.
type Deepgram struct {
	APIKey string
	Model  string
	Logger *slog.Logger
}

// NewDeepgram returns a Deepgram synthesizer.
func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = "aura-2-viktoria-de"
	}
	return &Deepgram{APIKey: apiKey, Model: model, Logger: slog.Default()}
}

// speakClient is the part of the SDK websocket client a stream drives.
type speakClient interface {
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

// Open connects the speak websocket.
func (d *Deepgram) Open(ctx context.Context) (Stream, error) {
	if d.APIKey == "" {
		return nil, &stream.ConfigError{Field: "DEEPGRAM_API_KEY", Reason: "empty"}
	}
	s := newDeepgramStream(d.Logger)
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.Model,
		Encoding:   "mulaw",
		SampleRate: audio.SampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.APIKey, &clientinterfaces.ClientOptions{}, options, &speakCallback{s: s})
	if err != nil {
		return nil, stream.Unavailable("deepgram speak", fmt.Errorf("create ws client: %w", err))
	}
	if ok := dg.Connect(); !ok {
		return nil, stream.Unavailable("deepgram speak", errors.New("connect failed"))
	}
	s.attach(dg)
	return s, nil
}

type deepgramStream struct {
	stream.Lifecycle

	client speakClient
	log    *slog.Logger
	events chan []byte

	mu       sync.Mutex
	f        framer
	closed   bool
	finished bool
	sent     int
	stopOnce sync.Once
}

func newDeepgramStream(logger *slog.Logger) *deepgramStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &deepgramStream{log: logger, events: make(chan []byte, 64)}
}

func (s *deepgramStream) attach(c speakClient) {
	s.client = c
	s.OnCancel = func() {
		s.stop()
		s.closeEvents()
	}
}

func (s *deepgramStream) stop() {
	s.stopOnce.Do(func() {
		if s.client != nil {
			s.client.Stop()
		}
	})
}

func (s *deepgramStream) Events() <-chan []byte { return s.events }

func (s *deepgramStream) Send(text string) error {
	if err := s.CheckSend(); err != nil {
		return err
	}
	text = Preprocess(text)
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return stream.ErrClosedStream
	}
	if text == "" {
		s.mu.Unlock()
		return nil
	}
	s.sent++
	s.mu.Unlock()
	if err := s.client.SpeakWithText(text); err != nil {
		return stream.Unavailable("deepgram speak", err)
	}
	return nil
}

// Finish asks Deepgram to flush; Events closes when the flush is confirmed.
func (s *deepgramStream) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	sent := s.sent
	s.mu.Unlock()

	if sent == 0 {
		s.complete()
		return
	}
	if err := s.client.Flush(); err != nil {
		s.SetErr(stream.Unavailable("deepgram speak", err))
		s.complete()
	}
}

func (s *deepgramStream) onAudio(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.Cancelled() {
		return
	}
	for _, frame := range s.f.push(data) {
		select {
		case s.events <- frame:
		case <-s.Done():
			return
		}
	}
}

// complete emits the padded tail, closes Events and releases the socket.
func (s *deepgramStream) complete() {
	s.mu.Lock()
	if !s.closed && !s.Cancelled() {
		if frame := s.f.flush(); frame != nil {
			select {
			case s.events <- frame:
			case <-s.Done():
			}
		}
	}
	s.mu.Unlock()
	s.closeEvents()
	s.stop()
}

func (s *deepgramStream) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

type speakCallback struct{ s *deepgramStream }

func (c *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (c *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (c *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	c.s.mu.Lock()
	finished := c.s.finished
	c.s.mu.Unlock()
	if finished {
		c.s.complete()
	}
	return nil
}
func (c *speakCallback) Clear(*msginterfaces.ClearedResponse) error { return nil }
func (c *speakCallback) Close(*msginterfaces.CloseResponse) error {
	c.s.closeEvents()
	return nil
}
func (c *speakCallback) Warning(w *msginterfaces.WarningResponse) error {
	c.s.log.Warn("deepgram speak warning", "warning", fmt.Sprintf("%+v", w))
	return nil
}
func (c *speakCallback) Error(e *msginterfaces.ErrorResponse) error {
	c.s.SetErr(stream.Unavailable("deepgram speak", fmt.Errorf("%+v", e)))
	c.s.closeEvents()
	return nil
}
func (c *speakCallback) UnhandledEvent([]byte) error { return nil }
func (c *speakCallback) Binary(data []byte) error {
	if len(data) > 0 {
		c.s.onAudio(data)
	}
	return nil
}
