package genai

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
)

// MockClient is a deterministic ClientInterface for testing. Each capability
// can be scripted with a function; unscripted capabilities return canned
// values. All calls are recorded.
type MockClient struct {
	mu sync.Mutex

	GenerateFn     func(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateJSONFn func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	EmbedFn        func(ctx context.Context, text string) ([]float64, error)

	GenerateCalls     int
	GenerateJSONCalls int
	EmbedCalls        int
}

// NewMockClient creates a MockClient with default canned behavior.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// GenerateWithMessages returns the scripted response or a canned reply.
func (m *MockClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.mu.Lock()
	m.GenerateCalls++
	fn := m.GenerateFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, messages)
	}
	return "mock teaching response", nil
}

// GenerateJSON returns the scripted response or an empty JSON object.
func (m *MockClient) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	m.GenerateJSONCalls++
	fn := m.GenerateJSONFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, systemPrompt, userPrompt)
	}
	return "{}", nil
}

// Embed returns the scripted vector or a deterministic vector derived from
// the text length, which keeps cosine ranking stable across runs.
func (m *MockClient) Embed(ctx context.Context, text string) ([]float64, error) {
	m.mu.Lock()
	m.EmbedCalls++
	fn := m.EmbedFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	return []float64{float64(len(text)), 1, 0}, nil
}

// FailingMockClient returns a MockClient whose every capability fails with
// the given message. Useful for exercising turn-boundary error handling.
func FailingMockClient(message string) *MockClient {
	err := fmt.Errorf("%s", message)
	return &MockClient{
		GenerateFn: func(context.Context, []openai.ChatCompletionMessageParamUnion) (string, error) {
			return "", err
		},
		GenerateJSONFn: func(context.Context, string, string) (string, error) {
			return "", err
		},
		EmbedFn: func(context.Context, string) ([]float64, error) {
			return nil, err
		},
	}
}
