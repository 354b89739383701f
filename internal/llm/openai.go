// Package llm streams companion replies and runs the post-call analysis prompts
// through a langchaingo model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/chadiek/companion-gateway/internal/stream"
)

// Options configures an OpenAI-backed model.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewOpenAIModel returns a langchaingo model for the chat completions API.
func NewOpenAIModel(opts Options) (llms.Model, error) {
	if opts.APIKey == "" {
		return nil, &stream.ConfigError{Field: "OPENAI_API_KEY", Reason: "empty"}
	}
	clientOpts := []openai.Option{
		openai.WithToken(opts.APIKey),
		openai.WithModel(opts.Model),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(opts.BaseURL))
	}
	model, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return model, nil
}

// Chunk is one sentence of a reply. The last chunk of a reply has Final set;
// its Text may be empty.
type Chunk struct {
	Text  string
	Final bool
}

// Stream is one in-flight reply.
type Stream interface {
	// Chunks is closed when generation ends, fails or is cancelled.
	Chunks() <-chan Chunk
	// Send queues a follow-up user message, answered after the current one.
	Send(msg Message) error
	// Text is everything generated so far.
	Text() string
	Cancel()
	Close() error
	Err() error
}

// Replier opens reply streams.
type Replier interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Conversation generates spoken replies.
type Conversation struct {
	model       llms.Model
	temperature float64
	maxTokens   int
	log         *slog.Logger
}

// NewConversation wraps model with the phone-call generation settings.
func NewConversation(model llms.Model, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversation{model: model, temperature: 0.6, maxTokens: 150, log: logger}
}

// Open starts generating a reply to req.User. Generation runs until the model
// finishes or the stream is cancelled.
func (c *Conversation) Open(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.User) == "" {
		return nil, errors.New("llm: empty user message")
	}
	genCtx, cancel := context.WithCancel(ctx)
	r := &replyStream{
		chunks: make(chan Chunk, 16),
		log:    c.log,
	}
	r.OnCancel = cancel
	r.OnClose = func() error { cancel(); return nil }

	msgs := make([]llms.MessageContent, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, m := range req.History {
		msgs = append(msgs, llms.TextParts(messageType(m.Role), m.Content))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.User))

	go r.run(genCtx, c, msgs)
	return r, nil
}

func messageType(r Role) llms.ChatMessageType {
	if r == RoleAssistant {
		return llms.ChatMessageTypeAI
	}
	return llms.ChatMessageTypeHuman
}

type replyStream struct {
	stream.Lifecycle

	chunks chan Chunk
	log    *slog.Logger

	mu       sync.Mutex
	text     strings.Builder
	pending  []Message
	finished bool
}

func (r *replyStream) Chunks() <-chan Chunk { return r.chunks }

func (r *replyStream) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.TrimSpace(r.text.String())
}

func (r *replyStream) Send(msg Message) error {
	if err := r.CheckSend(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return stream.ErrClosedStream
	}
	r.pending = append(r.pending, msg)
	return nil
}

func (r *replyStream) emit(c Chunk) bool {
	if r.Cancelled() {
		return false
	}
	select {
	case r.chunks <- c:
		return true
	case <-r.Done():
		return false
	}
}

func (r *replyStream) run(ctx context.Context, c *Conversation, msgs []llms.MessageContent) {
	defer close(r.chunks)
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("recovered from panic in reply stream", "panic", rec)
			r.SetErr(stream.Unavailable("openai", fmt.Errorf("panic: %v", rec)))
		}
	}()

	for {
		reply, err := r.generate(ctx, c, msgs)
		if err != nil {
			if !r.Cancelled() {
				r.SetErr(classify(err))
			}
			return
		}
		if r.Cancelled() {
			return
		}

		r.mu.Lock()
		var next *Message
		if len(r.pending) > 0 {
			m := r.pending[0]
			r.pending = r.pending[1:]
			next = &m
		} else {
			r.finished = true
		}
		r.mu.Unlock()

		if next == nil {
			r.emit(Chunk{Final: true})
			return
		}
		msgs = append(msgs,
			llms.TextParts(llms.ChatMessageTypeAI, reply),
			llms.TextParts(messageType(next.Role), next.Content))
	}
}

// generate runs one completion, emitting sentences as they stream in.
func (r *replyStream) generate(ctx context.Context, c *Conversation, msgs []llms.MessageContent) (string, error) {
	var (
		splitter Splitter
		streamed strings.Builder
	)
	resp, err := c.model.GenerateContent(ctx, msgs,
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
		llms.WithStreamingFunc(func(ctx context.Context, token []byte) error {
			if r.Cancelled() {
				return stream.ErrClosedStream
			}
			streamed.Write(token)
			r.appendText(string(token))
			for _, s := range splitter.Feed(string(token)) {
				if !r.emit(Chunk{Text: s}) {
					return stream.ErrClosedStream
				}
			}
			return nil
		}),
	)
	if err != nil {
		return "", err
	}

	full := streamed.String()
	if full == "" && resp != nil && len(resp.Choices) > 0 {
		// model answered without streaming
		full = resp.Choices[0].Content
		r.appendText(full)
		for _, s := range splitter.Feed(full) {
			r.emit(Chunk{Text: s})
		}
	}
	if tail := splitter.Flush(); tail != "" {
		r.emit(Chunk{Text: tail})
	}
	r.appendText(" ")
	return strings.TrimSpace(full), nil
}

func (r *replyStream) appendText(s string) {
	r.mu.Lock()
	r.text.WriteString(s)
	r.mu.Unlock()
}

// Fatal reports whether err is an authentication or quota failure that
// retrying cannot fix.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"401", "invalid_api_key", "incorrect api key", "insufficient_quota", "billing"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrClosedStream) {
		return err
	}
	return stream.Unavailable("openai", err)
}
