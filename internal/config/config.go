package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chadiek/companion-gateway/internal/barge"
	"github.com/chadiek/companion-gateway/internal/stream"
	"github.com/chadiek/companion-gateway/internal/turn"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	BaseURL     string
	LogFile     string
	LogLevel    slog.Level

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioValidateSignature bool

	DeepgramKey      string
	DeepgramModel    string
	DeepgramLanguage string
	// STTReconnectRetries are reconnect attempts after the first one when
	// the recognizer drops; STTReconnectBackoffMs is the wait before the first.
	STTReconnectRetries   int
	STTReconnectBackoffMs int

	OpenAIKey           string
	OpenAIModel         string
	OpenAIAnalysisModel string
	OpenAIBaseURL       string

	TTSProvider       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	ElevenLabsModel   string
	DeepgramTTSModel  string

	DatabaseURL   string
	PeopleFile    string
	TranscriptKey string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseBucket         string

	OutboundQueueFrames int
	PostCallMaxRetries  int
	PostCallWorkers     int

	Tuning Tuning
}

// Tuning carries the turn-taking heuristics. They can be overridden by env
// variables or by a YAML file named in TUNING_FILE.
type Tuning struct {
	SpeechFinalSilenceMs int      `yaml:"speech_final_silence_ms"`
	UtteranceEndMs       int      `yaml:"utterance_end_ms"`
	BargeInConfidence    float64  `yaml:"barge_in_confidence"`
	VoiceBargeIn         bool     `yaml:"voice_barge_in"`
	VADRMSThreshold      float64  `yaml:"vad_rms_threshold"`
	VADFrames            int      `yaml:"vad_frames"`
	IncompleteMarkers    []string `yaml:"incomplete_markers"`
	Fillers              []string `yaml:"fillers"`
}

// TurnConfig converts the tuning values for the state machine.
func (t Tuning) TurnConfig() turn.Config {
	c := turn.NewConfig(
		time.Duration(t.SpeechFinalSilenceMs)*time.Millisecond,
		time.Duration(t.UtteranceEndMs)*time.Millisecond,
		t.BargeInConfidence,
		t.IncompleteMarkers,
		t.Fillers,
	)
	c.VoiceBargeIn = t.VoiceBargeIn
	return c
}

// BargeConfig converts the voice activity thresholds.
func (t Tuning) BargeConfig() barge.Config {
	c := barge.DefaultTelephony()
	if t.VADRMSThreshold > 0 {
		c.RMSThreshold = t.VADRMSThreshold
	}
	if t.VADFrames > 0 {
		c.MinFrames = t.VADFrames
	}
	return c
}

// ReconnectBackOff paces recognizer reconnects: the first attempt waits
// STTReconnectBackoffMs, later ones back off exponentially up to four times that.
func (c Config) ReconnectBackOff() func() backoff.BackOff {
	initial := time.Duration(c.STTReconnectBackoffMs) * time.Millisecond
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = 4 * initial
		b.RandomizationFactor = 0
		b.Reset()
		return b
	}
}

// Load reads .env (if present), the environment and the optional tuning file,
// and returns a validated Config with defaults applied.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: could not read .env", "error", err)
	}

	cfg := Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":8080"),
		BaseURL:     strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		LogFile:     os.Getenv("LOG_FILE"),
		LogLevel:    parseLevel(os.Getenv("LOG_LEVEL")),

		TwilioAccountSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioValidateSignature: getBool("TWILIO_VALIDATE_SIGNATURE", true),

		DeepgramKey:      os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:    getEnv("DEEPGRAM_MODEL", "nova-2"),
		DeepgramLanguage: getEnv("DEEPGRAM_LANGUAGE", "de"),

		STTReconnectRetries:   getInt("STT_RECONNECT_RETRIES", 0),
		STTReconnectBackoffMs: getInt("STT_RECONNECT_BACKOFF_MS", 500),

		OpenAIKey:           os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o"),
		OpenAIAnalysisModel: getEnv("OPENAI_ANALYSIS_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:       os.Getenv("OPENAI_BASE_URL"),

		TTSProvider:       strings.ToLower(getEnv("TTS_PROVIDER", "elevenlabs")),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "nGISSznGHAgSTKaMXEPO"),
		ElevenLabsModel:   getEnv("ELEVENLABS_MODEL", "eleven_multilingual_v2"),
		DeepgramTTSModel:  getEnv("DEEPGRAM_TTS_MODEL", "aura-2-viktoria-de"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		PeopleFile:    os.Getenv("PEOPLE_FILE"),
		TranscriptKey: os.Getenv("TRANSCRIPT_KEY"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:         getEnv("SUPABASE_BUCKET", "call-archive"),

		OutboundQueueFrames: getInt("OUTBOUND_QUEUE_FRAMES", 250),
		PostCallMaxRetries:  getInt("POSTCALL_MAX_RETRIES", 3),
		PostCallWorkers:     getInt("POSTCALL_WORKERS", 2),

		Tuning: Tuning{
			SpeechFinalSilenceMs: getInt("SPEECH_FINAL_SILENCE_MS", 400),
			UtteranceEndMs:       getInt("UTTERANCE_END_MS", 1500),
			BargeInConfidence:    getFloat("BARGE_IN_MIN_CONFIDENCE", 0.8),
			VoiceBargeIn:         getBool("VOICE_BARGE_IN", true),
			VADRMSThreshold:      getFloat("VAD_RMS_THRESHOLD", 500),
			VADFrames:            getInt("VAD_FRAMES", 3),
			IncompleteMarkers:    getList("INCOMPLETE_MARKERS", turn.DefaultMarkers),
			Fillers:              getList("FILLER_WORDS", turn.DefaultFillers),
		},
	}

	if path := os.Getenv("TUNING_FILE"); path != "" {
		if err := cfg.Tuning.loadFile(path); err != nil {
			return cfg, err
		}
	}

	for _, w := range cfg.warnings() {
		slog.Warn("config: " + w)
	}
	slog.Info("config loaded", "http_address", cfg.HTTPAddress, "tts_provider", cfg.TTSProvider,
		"speech_final_ms", cfg.Tuning.SpeechFinalSilenceMs, "utterance_end_ms", cfg.Tuning.UtteranceEndMs)
	return cfg, cfg.Validate()
}

// loadFile overlays values present in a YAML tuning file.
func (t *Tuning) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the gateway cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Tuning.SpeechFinalSilenceMs <= 0:
		return &stream.ConfigError{Field: "SPEECH_FINAL_SILENCE_MS", Reason: "must be positive"}
	case c.Tuning.UtteranceEndMs < c.Tuning.SpeechFinalSilenceMs:
		return &stream.ConfigError{Field: "UTTERANCE_END_MS", Reason: "must not be shorter than SPEECH_FINAL_SILENCE_MS"}
	case c.Tuning.BargeInConfidence < 0 || c.Tuning.BargeInConfidence > 1:
		return &stream.ConfigError{Field: "BARGE_IN_MIN_CONFIDENCE", Reason: "must be within [0,1]"}
	case c.STTReconnectRetries < 0:
		return &stream.ConfigError{Field: "STT_RECONNECT_RETRIES", Reason: "must not be negative"}
	case c.STTReconnectBackoffMs <= 0:
		return &stream.ConfigError{Field: "STT_RECONNECT_BACKOFF_MS", Reason: "must be positive"}
	case c.OutboundQueueFrames <= 0:
		return &stream.ConfigError{Field: "OUTBOUND_QUEUE_FRAMES", Reason: "must be positive"}
	case c.TTSProvider != "elevenlabs" && c.TTSProvider != "deepgram":
		return &stream.ConfigError{Field: "TTS_PROVIDER", Reason: fmt.Sprintf("unknown provider %q", c.TTSProvider)}
	}
	return nil
}

func (c Config) warnings() []string {
	var out []string
	if c.DeepgramKey == "" {
		out = append(out, "DEEPGRAM_API_KEY not set - transcription will not work")
	}
	if c.OpenAIKey == "" {
		out = append(out, "OPENAI_API_KEY not set - conversation and analysis will not work")
	}
	if c.TTSProvider == "elevenlabs" && c.ElevenLabsKey == "" {
		out = append(out, "ELEVENLABS_API_KEY not set - speech synthesis will not work")
	}
	if c.TwilioAuthToken == "" && c.TwilioValidateSignature {
		out = append(out, "TWILIO_AUTH_TOKEN not set - webhook requests will be rejected")
	}
	if c.DatabaseURL == "" {
		out = append(out, "DATABASE_URL not set - using the in-memory store")
	}
	if c.TranscriptKey == "" {
		out = append(out, "TRANSCRIPT_KEY not set - transcripts are stored unencrypted")
	}
	if c.BaseURL == "" {
		out = append(out, "BASE_URL not set - stream URLs are derived from request headers")
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: invalid integer, using default", "key", key, "value", v)
		return defaultValue
	}
	return n
}

func getFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config: invalid number, using default", "key", key, "value", v)
		return defaultValue
	}
	return f
}

func getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config: invalid boolean, using default", "key", key, "value", v)
		return defaultValue
	}
	return b
}

func getList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
