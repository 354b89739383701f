// Package postcall turns a finished call into a persisted transcript, a
// CallAnalysis and an updated long-term memory.
package postcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/chadiek/companion-gateway/internal/infra/storage"
	"github.com/chadiek/companion-gateway/internal/llm"
	"github.com/chadiek/companion-gateway/internal/memory"
	"github.com/chadiek/companion-gateway/internal/metrics"
	"github.com/chadiek/companion-gateway/internal/store"
)

// Job is handed over by a call session when it ends.
type Job struct {
	CallSID    string
	PersonID   uuid.UUID // uuid.Nil for unknown callers
	Consent    bool
	Transcript string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Completer runs one prompt; *llm.Analyzer satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string, opts llm.CompleteOptions) (string, error)
}

// Pipeline runs the post-call steps for one job.
type Pipeline struct {
	Store   store.Store
	LLM     Completer
	Cipher  *store.Cipher
	Archive storage.Uploader
	Metrics *metrics.Collector
	Caps    memory.Caps
	Logger  *slog.Logger

	MaxRetries int
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now()
}

func (p *Pipeline) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxInterval = 8 * time.Second
		eb.MaxElapsedTime = time.Minute
		b = eb
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// retry runs step until it succeeds, fails permanently or retries run out.
func (p *Pipeline) retry(ctx context.Context, name string, step func() error) error {
	log := p.logger()
	attempt := 0
	op := func() error {
		attempt++
		err := step()
		if err != nil && llm.Fatal(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Warn("post-call step failed", "step", name, "attempt", attempt, "error", err)
		}
		return err
	}
	return backoff.Retry(op, p.backOff(ctx))
}

// Run executes the pipeline. Failed analysis steps leave their field nil; the
// returned error only reports problems persisting the call itself.
func (p *Pipeline) Run(ctx context.Context, job Job) (store.Analysis, error) {
	log := p.logger().With("call_sid", job.CallSID)
	analysis := store.Analysis{CallSID: job.CallSID}

	ended := job.EndedAt
	if ended.IsZero() {
		ended = p.now()
	}
	update := store.CallUpdate{Status: store.StatusCompleted, EndedAt: ended}
	if !job.StartedAt.IsZero() {
		update.DurationSec = int(ended.Sub(job.StartedAt).Seconds())
	}
	if err := p.Store.UpdateCall(ctx, job.CallSID, update); err != nil && !errors.Is(err, store.ErrNotFound) {
		return analysis, fmt.Errorf("finalize call: %w", err)
	}

	transcript := strings.TrimSpace(job.Transcript)
	if transcript == "" {
		log.Info("no transcript to process")
		return analysis, nil
	}

	sealed, encrypted, err := p.Cipher.Seal(transcript)
	if err != nil {
		return analysis, fmt.Errorf("seal transcript: %w", err)
	}
	persist := job.PersonID == uuid.Nil || job.Consent
	if persist {
		if err := p.Store.SaveTranscript(ctx, job.CallSID, sealed, encrypted); err != nil {
			return analysis, fmt.Errorf("save transcript: %w", err)
		}
	} else {
		log.Info("transcript not persisted, no recording consent")
	}

	if p.LLM == nil {
		log.Warn("no analysis model configured, skipping analysis")
		return analysis, nil
	}

	analysis.Sentiment = p.sentiment(ctx, transcript)
	analysis.Summary = p.summary(ctx, transcript)
	analysis.MemoryDelta = p.extractMemory(ctx, transcript)
	analysis.CreatedAt = p.now()

	if err := p.Store.SaveAnalysis(ctx, analysis); err != nil {
		if errors.Is(err, store.ErrAnalysisExists) {
			log.Warn("call analysis already recorded, skipping memory merge")
			return analysis, nil
		}
		return analysis, fmt.Errorf("save analysis: %w", err)
	}

	if job.PersonID != uuid.Nil && analysis.MemoryDelta != nil {
		if err := p.mergeMemory(ctx, job.PersonID, *analysis.MemoryDelta); err != nil {
			p.Metrics.PostCallFailed("memory_merge")
			log.Error("memory merge failed", "error", err)
		}
	}

	if p.Archive != nil && persist {
		p.archive(job, sealed, encrypted, analysis)
	}

	log.Info("post-call processing complete",
		"sentiment", analysis.Sentiment != nil,
		"summary", analysis.Summary != nil,
		"memory_update", analysis.MemoryDelta != nil)
	return analysis, nil
}

func (p *Pipeline) sentiment(ctx context.Context, transcript string) *store.Sentiment {
	var out store.Sentiment
	err := p.retry(ctx, "sentiment", func() error {
		raw, err := p.LLM.Complete(ctx, analystSystem, fmt.Sprintf(sentimentPrompt, truncate(transcript, 3000)), sentimentOpts)
		if err != nil {
			return err
		}
		out, err = ParseSentiment(raw)
		return err
	})
	if err != nil {
		p.Metrics.PostCallFailed("sentiment")
		p.logger().Error("sentiment analysis failed", "error", err)
		return nil
	}
	return &out
}

func (p *Pipeline) summary(ctx context.Context, transcript string) *string {
	var out string
	err := p.retry(ctx, "summary", func() error {
		raw, err := p.LLM.Complete(ctx, analystSystem, fmt.Sprintf(summaryPrompt, truncate(transcript, 4000)), summaryOpts)
		if err != nil {
			return err
		}
		out, err = NormalizeSummary(raw)
		return err
	})
	if err != nil {
		p.Metrics.PostCallFailed("summary")
		p.logger().Error("summary generation failed", "error", err)
		return nil
	}
	return &out
}

func (p *Pipeline) extractMemory(ctx context.Context, transcript string) *memory.Delta {
	var out memory.Delta
	err := p.retry(ctx, "memory", func() error {
		raw, err := p.LLM.Complete(ctx, analystSystem, fmt.Sprintf(memoryPrompt, truncate(transcript, 3000)), memoryOpts)
		if err != nil {
			return err
		}
		out, err = ParseMemory(raw)
		return err
	})
	if err != nil {
		p.Metrics.PostCallFailed("memory")
		p.logger().Error("memory extraction failed", "error", err)
		return nil
	}
	return &out
}

func (p *Pipeline) mergeMemory(ctx context.Context, personID uuid.UUID, delta memory.Delta) error {
	if delta.Empty() {
		return nil
	}
	current, err := p.Store.LoadMemory(ctx, personID)
	if err != nil {
		return err
	}
	caps := p.Caps
	if caps == (memory.Caps{}) {
		caps = memory.DefaultCaps
	}
	merged := memory.Merge(current, delta, caps, p.now())
	if err := p.Store.SaveMemory(ctx, personID, merged); err != nil {
		return err
	}
	p.logger().Info("memory updated",
		"person_id", personID,
		"new_facts", len(delta.Facts),
		"total_facts", len(merged.Facts))
	return nil
}

func (p *Pipeline) archive(job Job, sealed string, encrypted bool, analysis store.Analysis) {
	log := p.logger().With("call_sid", job.CallSID)
	name, contentType := "transcript.txt", "text/plain; charset=utf-8"
	if encrypted {
		name, contentType = "transcript.enc", "application/octet-stream"
	}
	if err := p.Archive.Upload(storage.CallObjectKey(job.CallSID, job.StartedAt, name), contentType, []byte(sealed)); err != nil {
		p.Metrics.PostCallFailed("archive")
		log.Error("archive transcript failed", "error", err)
	}
	body, err := json.Marshal(analysis)
	if err != nil {
		log.Error("encode analysis failed", "error", err)
		return
	}
	if err := p.Archive.Upload(storage.CallObjectKey(job.CallSID, job.StartedAt, "analysis.json"), "application/json", body); err != nil {
		p.Metrics.PostCallFailed("archive")
		log.Error("archive analysis failed", "error", err)
	}
}
