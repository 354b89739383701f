package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/chadiek/companion-gateway/internal/stream"
)

// DefaultElevenLabsURL is the ElevenLabs REST base.
const DefaultElevenLabsURL = "https://api.elevenlabs.io/v1"

// VoiceSettings are sent with every synthesis request.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// PhoneVoice is tuned for a calm German voice on 8 kHz lines.
var PhoneVoice = VoiceSettings{Stability: 0.40, SimilarityBoost: 0.75, Style: 0.20, UseSpeakerBoost: true}

// ElevenLabs synthesizes over the HTTP streaming endpoint with μ-law output,
// so no resampling or transcoding is needed before the phone line.
type ElevenLabs struct {
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	Voice      VoiceSettings
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewElevenLabs returns a client with phone defaults.
func NewElevenLabs(apiKey, voiceID, model string) *ElevenLabs {
	if model == "" {
		model = "eleven_multilingual_v2"
	}
	return &ElevenLabs{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      model,
		BaseURL:    DefaultElevenLabsURL,
		Voice:      PhoneVoice,
		HTTPClient: &http.Client{Timeout: 0},
		Logger:     slog.Default(),
	}
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// Open starts a session. Each Send issues one streaming request; requests
// run one after another so audio keeps the order of the text.
func (e *ElevenLabs) Open(ctx context.Context) (Stream, error) {
	if e.APIKey == "" || e.VoiceID == "" {
		return nil, &stream.ConfigError{Field: "ELEVENLABS_API_KEY", Reason: "api key or voice id missing"}
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &elevenStream{
		client: e,
		texts:  make(chan string, 32),
		events: make(chan []byte, 64),
	}
	s.OnCancel = cancel
	go s.run(ctx)
	return s, nil
}

func (e *ElevenLabs) endpoint() string {
	u := e.BaseURL + "/text-to-speech/" + url.PathEscape(e.VoiceID) + "/stream"
	q := url.Values{}
	q.Set("output_format", "ulaw_8000")
	q.Set("optimize_streaming_latency", "4")
	return u + "?" + q.Encode()
}

type elevenStream struct {
	stream.Lifecycle

	client *ElevenLabs
	texts  chan string
	events chan []byte

	finishOnce sync.Once
	inputMu    sync.Mutex
	finished   bool
}

func (s *elevenStream) Events() <-chan []byte { return s.events }

func (s *elevenStream) Send(text string) error {
	if err := s.CheckSend(); err != nil {
		return err
	}
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.finished {
		return stream.ErrClosedStream
	}
	select {
	case s.texts <- text:
		return nil
	case <-s.Done():
		return stream.ErrClosedStream
	}
}

func (s *elevenStream) Finish() {
	s.finishOnce.Do(func() {
		s.inputMu.Lock()
		s.finished = true
		close(s.texts)
		s.inputMu.Unlock()
	})
}

func (s *elevenStream) emit(frame []byte) bool {
	if s.Cancelled() {
		return false
	}
	select {
	case s.events <- frame:
		return true
	case <-s.Done():
		return false
	}
}

func (s *elevenStream) run(ctx context.Context) {
	defer close(s.events)
	defer func() {
		if r := recover(); r != nil {
			s.client.Logger.Error("recovered from panic in elevenlabs stream", "panic", r)
		}
	}()
	var f framer
	for {
		select {
		case <-s.Done():
			return
		case text, ok := <-s.texts:
			if !ok {
				if frame := f.flush(); frame != nil {
					s.emit(frame)
				}
				return
			}
			if err := s.synthesize(ctx, text, &f); err != nil {
				if !s.Cancelled() {
					s.SetErr(err)
				}
				return
			}
		}
	}
}

func (s *elevenStream) synthesize(ctx context.Context, text string, f *framer) error {
	text = Preprocess(text)
	if text == "" {
		return nil
	}
	body, err := json.Marshal(synthesisRequest{Text: text, ModelID: s.client.Model, VoiceSettings: s.client.Voice})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.endpoint(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", s.client.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := s.client.HTTPClient.Do(req)
	if err != nil {
		return stream.Unavailable("elevenlabs", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return stream.Unavailable("elevenlabs", fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b)))
	}

	// 800 bytes is 100 ms of μ-law
	chunk := make([]byte, 800)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			for _, frame := range f.push(chunk[:n]) {
				if !s.emit(frame) {
					return nil
				}
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return stream.Unavailable("elevenlabs", rerr)
		}
	}
}
