// Package llm talks to chat-completion models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"

	"sqlagent/internal/logging"
	"sqlagent/internal/metrics"
)

const (
	DefaultSystemMessage = "You are a SQL expert assistant. Generate safe, efficient SQL queries."

	maxTokens = 1024
)

var ErrNoAPIKey = errors.New("no OpenAI API key found, set OPENAI_API_KEY")

// Provider generates completions for a single system + user prompt.
type Provider interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
	// Stream calls fn for every content chunk in order. An error returned by
	// fn stops the stream and is returned.
	Stream(ctx context.Context, system, prompt string, fn func(chunk string) error) error
}

type Options struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OpenAI struct {
	client *openai.Client
	model  string
	log    *logging.Logger
}

func NewOpenAI(opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}

	p := &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  opts.Model,
		log:    logging.For("llm"),
	}
	p.log.Info("provider initialized", "model", p.model)
	return p, nil
}

// New builds the provider named by kind. Only "openai" (and compatible
// endpoints through BaseURL) is supported.
func New(kind string, opts Options) (Provider, error) {
	switch strings.ToLower(kind) {
	case "", "openai":
		return NewOpenAI(opts)
	}
	return nil, fmt.Errorf("unsupported LLM provider %q", kind)
}

func (p *OpenAI) request(system, prompt string, stream bool) openai.ChatCompletionRequest {
	if system == "" {
		system = DefaultSystemMessage
	}
	return openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		// a zero temperature is dropped by omitempty
		Temperature: math.SmallestNonzeroFloat32,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
}

func (p *OpenAI) Generate(ctx context.Context, system, prompt string) (string, error) {
	timer := prometheus.NewTimer(metrics.LLMDuration.WithLabelValues("generate"))
	defer timer.ObserveDuration()

	resp, err := p.client.CreateChatCompletion(ctx, p.request(system, prompt, false))
	if err != nil {
		metrics.LLMRequests.WithLabelValues("generate", "error").Inc()
		p.log.Error("generation failed", "err", err)
		return "", fmt.Errorf("chat completion: %w", err)
	}
	metrics.LLMRequests.WithLabelValues("generate", "ok").Inc()

	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *OpenAI) Stream(ctx context.Context, system, prompt string, fn func(string) error) error {
	start := time.Now()
	defer func() { metrics.LLMDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds()) }()

	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(system, prompt, true))
	if err != nil {
		metrics.LLMRequests.WithLabelValues("stream", "error").Inc()
		p.log.Error("streaming failed", "err", err)
		return fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			metrics.LLMRequests.WithLabelValues("stream", "ok").Inc()
			return nil
		}
		if err != nil {
			metrics.LLMRequests.WithLabelValues("stream", "error").Inc()
			p.log.Error("streaming failed", "err", err)
			return fmt.Errorf("chat completion stream: %w", err)
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := fn(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}
