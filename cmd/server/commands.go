package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/chadiek/companion-gateway/api/http"
	"github.com/chadiek/companion-gateway/internal/agent"
	"github.com/chadiek/companion-gateway/internal/config"
	"github.com/chadiek/companion-gateway/internal/httpserver"
	"github.com/chadiek/companion-gateway/internal/infra/storage"
	"github.com/chadiek/companion-gateway/internal/llm"
	"github.com/chadiek/companion-gateway/internal/metrics"
	"github.com/chadiek/companion-gateway/internal/postcall"
	"github.com/chadiek/companion-gateway/internal/store"
	"github.com/chadiek/companion-gateway/internal/stream"
	"github.com/chadiek/companion-gateway/internal/telephony"
	"github.com/chadiek/companion-gateway/internal/transcript"
	"github.com/chadiek/companion-gateway/internal/tts"
	"github.com/chadiek/companion-gateway/internal/usecase"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "companion-gateway",
	Short: "Voice companion gateway for Twilio phone calls",
	Long: `companion-gateway answers phone calls from registered callers and holds a
spoken conversation with them: Twilio media streams in, Deepgram transcription,
an LLM reply and synthesized speech out. Finished calls are analysed in the
background and remembered for the next call.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and media-stream server (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := setup()
		if err != nil {
			return err
		}
		defer closeLog()
		if cfg.DatabaseURL == "" {
			return &stream.ConfigError{Field: "DATABASE_URL", Reason: "required to migrate"}
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		slog.Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

// setup loads the configuration and installs the process logger.
func setup() (config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	closeLog, err := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, func() { _ = closeLog() }, nil
}

// openStore connects Postgres when DATABASE_URL is set and otherwise falls
// back to the in-memory store seeded from PEOPLE_FILE.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	mem := store.NewMemory()
	if cfg.PeopleFile != "" {
		people, err := store.LoadPeople(cfg.PeopleFile)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range people {
			mem.AddPerson(p)
		}
		slog.Info("registered callers loaded", "count", len(people), "file", cfg.PeopleFile)
	}
	return mem, func() {}, nil
}

func newSynthesizer(cfg config.Config, logger *slog.Logger) tts.Synthesizer {
	if cfg.TTSProvider == "deepgram" {
		d := tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramTTSModel)
		d.Logger = logger
		return d
	}
	e := tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModel)
	e.Logger = logger
	return e
}

func runServe(parent context.Context) error {
	cfg, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	st, closeStore, err := openStore(startCtx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	cipher, err := store.NewCipher(cfg.TranscriptKey)
	if err != nil {
		return err
	}
	chatModel, err := llm.NewOpenAIModel(llm.Options{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIModel, BaseURL: cfg.OpenAIBaseURL})
	if err != nil {
		return err
	}
	analysisModel, err := llm.NewOpenAIModel(llm.Options{APIKey: cfg.OpenAIKey, Model: cfg.OpenAIAnalysisModel, BaseURL: cfg.OpenAIBaseURL})
	if err != nil {
		return err
	}
	collector := metrics.NewCollector("companion")

	pipeline := &postcall.Pipeline{
		Store:      st,
		LLM:        llm.NewAnalyzer(analysisModel),
		Cipher:     cipher,
		Metrics:    collector,
		Logger:     logger,
		MaxRetries: cfg.PostCallMaxRetries,
	}
	archive, err := storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, cfg.SupabaseBucket)
	if err != nil {
		return err
	}
	if archive != nil {
		pipeline.Archive = archive
	}
	processor := postcall.NewProcessor(pipeline, cfg.PostCallWorkers, 64)

	calls := usecase.NewCallControl(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.BaseURL)
	arena := agent.NewArena()
	sessions := &usecase.Sessions{
		Deps: agent.Deps{
			Transcriber: transcript.NewDeepgram(transcript.Options{
				APIKey:       cfg.DeepgramKey,
				Model:        cfg.DeepgramModel,
				Language:     cfg.DeepgramLanguage,
				Endpointing:  time.Duration(cfg.Tuning.SpeechFinalSilenceMs) * time.Millisecond,
				UtteranceEnd: time.Duration(cfg.Tuning.UtteranceEndMs) * time.Millisecond,
				Logger:       logger,
			}),
			Replier:     llm.NewConversation(chatModel, logger),
			Synthesizer: newSynthesizer(cfg, logger),
			Store:       st,
			PostCall:    processor,
			Hangup:      calls,
			Metrics:     collector,
			Logger:      logger,
			Turn:        cfg.Tuning.TurnConfig(),
			Barge:       cfg.Tuning.BargeConfig(),
			QueueFrames: cfg.OutboundQueueFrames,

			ReconnectRetries: cfg.STTReconnectRetries,
			NewBackOff:       cfg.ReconnectBackOff(),
		},
		Store:  st,
		Arena:  arena,
		Logger: logger,
	}
	bridge := &telephony.Bridge{Logger: logger, Metrics: collector}
	handlers := apihttp.NewHandlers(st, calls, bridge, sessions.Open, collector, logger)
	srv := httpserver.New(cfg, handlers, logger)

	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.Start() }()

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	// hijacked media sockets outlive Shutdown; ending the sessions hands their calls to post-processing
	arena.EndAll("shutdown")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), postcall.JobTimeout)
	defer cancelDrain()
	if err := processor.Shutdown(drainCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("post-call shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}
