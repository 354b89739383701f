// Package transcript streams caller audio to a speech-to-text service and
// delivers partial and final results in order.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/companion-gateway/internal/audio"
	"github.com/chadiek/companion-gateway/internal/stream"
)

// DefaultEndpoint is Deepgram's live transcription socket.
const DefaultEndpoint = "wss://api.deepgram.com/v1/listen"

// Kind of a transcript Event.
type Kind int

const (
	Partial Kind = iota + 1
	Final
	SpeechStarted
	UtteranceEnd
)

func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case SpeechStarted:
		return "speech_started"
	case UtteranceEnd:
		return "utterance_end"
	default:
		return "unknown"
	}
}

// Event is one recognition result. Seq increases strictly per stream.
type Event struct {
	Kind        Kind
	Text        string
	Confidence  float64
	SpeechFinal bool
	Seq         uint64
	Start       time.Duration
	End         time.Duration
}

// Stream is an open recognition session.
type Stream interface {
	// Send queues PCM16LE audio at 8 kHz. It never blocks; audio is dropped when
	// the connection cannot keep up.
	Send(pcm []byte) error
	// Events is closed when the connection ends for any reason.
	Events() <-chan Event
	Cancel()
	Close() error
	// Err reports why Events closed, nil after a deliberate Cancel or Close.
	Err() error
}

// Opener opens recognition sessions.
type Opener interface {
	Open(ctx context.Context) (Stream, error)
}

// Options configures the Deepgram client.
type Options struct {
	APIKey       string
	Model        string
	Language     string
	Endpointing  time.Duration
	UtteranceEnd time.Duration
	Endpoint     string
	KeepAlive    time.Duration
	Logger       *slog.Logger
}

// Deepgram opens live transcription sockets.
type Deepgram struct {
	opts   Options
	dialer websocket.Dialer
}

// NewDeepgram applies defaults to opts.
func NewDeepgram(opts Options) *Deepgram {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Language == "" {
		opts.Language = "de"
	}
	if opts.Endpointing <= 0 {
		opts.Endpointing = 400 * time.Millisecond
	}
	if opts.UtteranceEnd <= 0 {
		opts.UtteranceEnd = 1500 * time.Millisecond
	}
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 8 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Deepgram{
		opts:   opts,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// URL returns the socket URL with the recognition parameters.
func (d *Deepgram) URL() string {
	params := url.Values{}
	params.Set("model", d.opts.Model)
	params.Set("language", d.opts.Language)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(audio.SampleRate))
	params.Set("channels", strconv.Itoa(audio.Channels))
	params.Set("punctuate", "true")
	params.Set("interim_results", "true")
	params.Set("endpointing", strconv.FormatInt(d.opts.Endpointing.Milliseconds(), 10))
	params.Set("utterance_end_ms", strconv.FormatInt(d.opts.UtteranceEnd.Milliseconds(), 10))
	params.Set("vad_events", "true")
	params.Set("smart_format", "true")
	return d.opts.Endpoint + "?" + params.Encode()
}

// Open connects to Deepgram. Failures to connect wrap stream.ErrUpstreamUnavailable.
func (d *Deepgram) Open(ctx context.Context) (Stream, error) {
	if d.opts.APIKey == "" {
		return nil, &stream.ConfigError{Field: "DEEPGRAM_API_KEY", Reason: "empty"}
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.opts.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, d.URL(), headers)
	if err != nil {
		if resp != nil {
			d.opts.Logger.Warn("deepgram connection failed", "status", resp.StatusCode)
		}
		return nil, stream.Unavailable("deepgram", err)
	}

	s := &deepgramStream{
		conn:   conn,
		audio:  make(chan []byte, 256),
		events: make(chan Event, 64),
		log:    d.opts.Logger,
	}
	s.OnCancel = s.shutdown
	go s.readLoop()
	go s.writeLoop(d.opts.KeepAlive)
	d.opts.Logger.Debug("deepgram connected", "model", d.opts.Model, "language", d.opts.Language)
	return s, nil
}

type deepgramStream struct {
	stream.Lifecycle

	conn    *websocket.Conn
	writeMu sync.Mutex
	audio   chan []byte
	events  chan Event
	seq     atomic.Uint64
	log     *slog.Logger
}

func (s *deepgramStream) Events() <-chan Event { return s.events }

func (s *deepgramStream) Send(pcm []byte) error {
	if err := s.CheckSend(); err != nil {
		return err
	}
	select {
	case s.audio <- pcm:
	default:
		s.log.Debug("deepgram audio buffer full, dropping chunk", "bytes", len(pcm))
	}
	return nil
}

// shutdown asks Deepgram to flush and closes the socket; the read loop then exits.
func (s *deepgramStream) shutdown() {
	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

func (s *deepgramStream) write(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(kind, data)
}

func (s *deepgramStream) writeLoop(keepAlive time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in deepgram writer", "panic", r)
		}
	}()
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-s.Done():
			return
		case pcm := <-s.audio:
			if err := s.write(websocket.BinaryMessage, pcm); err != nil {
				if !s.Cancelled() {
					s.log.Warn("deepgram audio write failed", "error", err)
				}
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in deepgram reader", "panic", r)
			s.SetErr(stream.Unavailable("deepgram", fmt.Errorf("reader panic: %v", r)))
		}
	}()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if !s.Cancelled() {
				s.log.Warn("deepgram connection lost", "error", err)
				s.SetErr(stream.Unavailable("deepgram", err))
			}
			return
		}
		if err := s.process(message); err != nil {
			if errors.Is(err, stream.ErrUpstreamUnavailable) {
				s.SetErr(err)
				_ = s.conn.Close()
				return
			}
			s.log.Warn("deepgram message dropped", "error", err)
		}
	}
}

type envelope struct {
	Type string `json:"type"`
}

type resultsMessage struct {
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type utteranceEndMessage struct {
	LastWordEnd float64 `json:"last_word_end"`
}

type speechStartedMessage struct {
	Timestamp float64 `json:"timestamp"`
}

type errorMessage struct {
	Description string `json:"description"`
	Message     string `json:"message"`
	Variant     string `json:"variant"`
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

func (s *deepgramStream) process(raw []byte) error {
	var base envelope
	if err := json.Unmarshal(raw, &base); err != nil {
		return stream.Malformed("deepgram message", err)
	}
	switch base.Type {
	case "Results":
		var msg resultsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return stream.Malformed("deepgram results", err)
		}
		if len(msg.Channel.Alternatives) == 0 {
			return nil
		}
		alt := msg.Channel.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		// empty finals still carry speech_final, which closes the utterance
		if text == "" && !msg.SpeechFinal {
			return nil
		}
		kind := Partial
		if msg.IsFinal {
			kind = Final
		}
		s.emit(Event{
			Kind:        kind,
			Text:        text,
			Confidence:  alt.Confidence,
			SpeechFinal: msg.SpeechFinal,
			Start:       seconds(msg.Start),
			End:         seconds(msg.Start + msg.Duration),
		})
	case "UtteranceEnd":
		var msg utteranceEndMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return stream.Malformed("deepgram utterance end", err)
		}
		s.emit(Event{Kind: UtteranceEnd, End: seconds(msg.LastWordEnd)})
	case "SpeechStarted":
		var msg speechStartedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return stream.Malformed("deepgram speech started", err)
		}
		s.emit(Event{Kind: SpeechStarted, Start: seconds(msg.Timestamp)})
	case "Metadata":
		s.log.Debug("deepgram metadata received")
	case "Error":
		var msg errorMessage
		_ = json.Unmarshal(raw, &msg)
		return stream.Unavailable("deepgram", fmt.Errorf("%s: %s", msg.Message, msg.Description))
	default:
		s.log.Debug("deepgram unknown message type", "type", base.Type)
	}
	return nil
}

// emit delivers ev unless the stream was cancelled.
func (s *deepgramStream) emit(ev Event) {
	if s.Cancelled() {
		return
	}
	ev.Seq = s.seq.Add(1)
	select {
	case s.events <- ev:
	case <-s.Done():
	}
}
