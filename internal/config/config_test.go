package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chadiek/companion-gateway/internal/stream"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("SPEECH_FINAL_SILENCE_MS", "")
	t.Setenv("UTTERANCE_END_MS", "")
	t.Setenv("TTS_PROVIDER", "")
	t.Setenv("TUNING_FILE", "")
	t.Setenv("BASE_URL", "https://gw.example.com/")
	t.Setenv("OUTBOUND_QUEUE_FRAMES", "120")
	t.Setenv("STT_RECONNECT_RETRIES", "2")
	t.Setenv("STT_RECONNECT_BACKOFF_MS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.BaseURL != "https://gw.example.com" {
		t.Fatalf("trailing slash should be trimmed, got %q", cfg.BaseURL)
	}
	if cfg.OutboundQueueFrames != 120 {
		t.Fatalf("queue frames = %d", cfg.OutboundQueueFrames)
	}
	if cfg.Tuning.SpeechFinalSilenceMs != 400 || cfg.Tuning.UtteranceEndMs != 1500 {
		t.Fatalf("unexpected tuning defaults: %+v", cfg.Tuning)
	}
	if cfg.TTSProvider != "elevenlabs" {
		t.Fatalf("tts provider = %q", cfg.TTSProvider)
	}
	if cfg.STTReconnectRetries != 2 || cfg.STTReconnectBackoffMs != 500 {
		t.Fatalf("reconnect = %d retries, %d ms", cfg.STTReconnectRetries, cfg.STTReconnectBackoffMs)
	}
}

func TestConfig_ReconnectBackOff(t *testing.T) {
	b := Config{STTReconnectBackoffMs: 250}.ReconnectBackOff()()
	for i, want := range []time.Duration{250 * time.Millisecond, 375 * time.Millisecond, 562500 * time.Microsecond, 843750 * time.Microsecond, time.Second} {
		if got := b.NextBackOff(); got != want {
			t.Fatalf("attempt %d waits %v, want %v", i+1, got, want)
		}
	}
}

func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("TUNING_FILE", "")
	t.Setenv("SPEECH_FINAL_SILENCE_MS", "soon")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tuning.SpeechFinalSilenceMs != 400 {
		t.Fatalf("expected fallback to 400, got %d", cfg.Tuning.SpeechFinalSilenceMs)
	}
}

func TestLoad_TuningFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	yml := "speech_final_silence_ms: 300\nutterance_end_ms: 2000\nincomplete_markers: [und, weil]\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TUNING_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Tuning.SpeechFinalSilenceMs != 300 || cfg.Tuning.UtteranceEndMs != 2000 {
		t.Fatalf("file values not applied: %+v", cfg.Tuning)
	}
	tc := cfg.Tuning.TurnConfig()
	if tc.UtteranceEnd != 2*time.Second {
		t.Fatalf("utterance end = %v", tc.UtteranceEnd)
	}
	if !tc.EndsWithMarker("ich gehe weil") || tc.EndsWithMarker("ich gehe aber") {
		t.Fatalf("marker list from file not used")
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		TTSProvider:           "elevenlabs",
		OutboundQueueFrames:   10,
		STTReconnectBackoffMs: 500,
		Tuning:                Tuning{SpeechFinalSilenceMs: 400, UtteranceEndMs: 1500, BargeInConfidence: 0.8},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"zero silence", func(c *Config) { c.Tuning.SpeechFinalSilenceMs = 0 }, "SPEECH_FINAL_SILENCE_MS"},
		{"utterance end too short", func(c *Config) { c.Tuning.UtteranceEndMs = 100 }, "UTTERANCE_END_MS"},
		{"confidence above one", func(c *Config) { c.Tuning.BargeInConfidence = 1.5 }, "BARGE_IN_MIN_CONFIDENCE"},
		{"negative reconnect retries", func(c *Config) { c.STTReconnectRetries = -1 }, "STT_RECONNECT_RETRIES"},
		{"zero reconnect backoff", func(c *Config) { c.STTReconnectBackoffMs = 0 }, "STT_RECONNECT_BACKOFF_MS"},
		{"empty queue", func(c *Config) { c.OutboundQueueFrames = 0 }, "OUTBOUND_QUEUE_FRAMES"},
		{"unknown tts", func(c *Config) { c.TTSProvider = "espeak" }, "TTS_PROVIDER"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mut(&c)
			err := c.Validate()
			if !errors.Is(err, stream.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			var ce *stream.ConfigError
			if !errors.As(err, &ce) || ce.Field != tc.field {
				t.Fatalf("expected field %s, got %v", tc.field, err)
			}
		})
	}
}

func TestSetupLoggerWithWriters_Fanout(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var text, js bytes.Buffer
	logger := SetupLoggerWithWriters(&text, &js, slog.LevelInfo)
	logger.Info("call started", "call_sid", "CA1")
	logger.Debug("hidden")

	if !strings.Contains(text.String(), "call_sid=CA1") {
		t.Fatalf("text sink missing record: %q", text.String())
	}
	if !strings.Contains(js.String(), `"call_sid":"CA1"`) {
		t.Fatalf("json sink missing record: %q", js.String())
	}
	if strings.Contains(text.String(), "hidden") {
		t.Fatalf("debug record should be filtered")
	}
}

func TestTuning_BargeConfig(t *testing.T) {
	c := Tuning{VADRMSThreshold: 800, VADFrames: 5}.BargeConfig()
	if c.RMSThreshold != 800 || c.MinFrames != 5 || c.SampleRate != 8000 || c.FrameMs != 20 {
		t.Fatalf("barge config = %+v", c)
	}
	if d := (Tuning{}).BargeConfig(); d.RMSThreshold != 500 || d.MinFrames != 3 {
		t.Fatalf("zero tuning should keep telephony defaults, got %+v", d)
	}
}
