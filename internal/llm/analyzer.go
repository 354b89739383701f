package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/chadiek/companion-gateway/internal/stream"
)

// CompleteOptions tunes a single analysis completion.
type CompleteOptions struct {
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Analyzer runs one-shot prompts for post-call processing.
type Analyzer struct {
	model llms.Model
}

// NewAnalyzer wraps model.
func NewAnalyzer(model llms.Model) *Analyzer {
	return &Analyzer{model: model}
}

// Complete sends a system and user prompt and returns the trimmed answer.
func (a *Analyzer) Complete(ctx context.Context, system, user string, opts CompleteOptions) (string, error) {
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.JSON {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := a.model.GenerateContent(ctx, msgs, callOpts...)
	if err != nil {
		return "", classify(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", stream.Unavailable("openai", errors.New("no response choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
