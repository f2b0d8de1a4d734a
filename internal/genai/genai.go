// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// It wraps chat completions (teaching replies, quiz generation, short-answer
// judging) and embeddings (corpus ingestion and retrieval queries) behind a
// small interface so flows can be tested with a mock client.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default client configuration constants
const (
	// DefaultModel is the chat model used when none is configured
	DefaultModel = openai.ChatModelGPT4o
	// DefaultEmbeddingModel is the embedding model used for lesson chunks and queries
	DefaultEmbeddingModel = openai.EmbeddingModelTextEmbedding3Small
	// DefaultTimeout bounds every capability call so a hung provider cannot
	// stall a turn indefinitely
	DefaultTimeout = 60 * time.Second
)

// ClientInterface defines the GenAI capability consumed by the teaching flow,
// quiz generator, and retriever.
type ClientInterface interface {
	// GenerateWithMessages generates a completion from a full message history.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)

	// GenerateJSON generates a completion constrained to a JSON object,
	// used for structured outputs such as quiz payloads and grading verdicts.
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey         string        // OpenAI API key; falls back to $OPENAI_API_KEY
	Model          string        // chat model identifier
	EmbeddingModel string        // embedding model identifier
	Timeout        time.Duration // per-call timeout
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithEmbeddingModel sets the embedding model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) {
		o.EmbeddingModel = model
	}
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// Client wraps the OpenAI client for chat completions and embeddings.
type Client struct {
	client         openai.Client
	model          string
	embeddingModel string
	timeout        time.Duration
}

// NewClient initializes a new GenAI client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("GenAI client API key not set")
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	model := cfg.Model
	if model == "" {
		model = string(DefaultModel)
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = string(DefaultEmbeddingModel)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	slog.Debug("GenAI client created", "model", model, "embeddingModel", embeddingModel, "timeout", timeout)
	return &Client{
		client:         openai.NewClient(option.WithAPIKey(apiKey)),
		model:          model,
		embeddingModel: embeddingModel,
		timeout:        timeout,
	}, nil
}

// GenerateWithMessages generates a completion from a full message history.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI GenerateWithMessages failed", "error", err, "messageCount", len(messages))
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI GenerateWithMessages returned no choices")
		return "", fmt.Errorf("no choices returned")
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI GenerateWithMessages succeeded", "messageCount", len(messages), "responseLength", len(content))
	return content, nil
}

// GenerateJSON generates a completion constrained to a JSON object.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		slog.Error("GenAI GenerateJSON failed", "error", err)
		return "", fmt.Errorf("JSON completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI GenerateJSON returned no choices")
		return "", fmt.Errorf("no choices returned")
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI GenerateJSON succeeded", "responseLength", len(content))
	return content, nil
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embeddingModel),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: []string{text},
		},
	})
	if err != nil {
		slog.Error("GenAI Embed failed", "error", err, "textLength", len(text))
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		slog.Error("GenAI Embed returned no data")
		return nil, fmt.Errorf("no embedding returned")
	}

	slog.Debug("GenAI Embed succeeded", "textLength", len(text), "dimensions", len(resp.Data[0].Embedding))
	return resp.Data[0].Embedding, nil
}
