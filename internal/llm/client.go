// Package llm provides the AI completion capability boundary: given a
// system prompt and ordered message history, produce a token stream or a
// single failure.
package llm

import (
	"context"
)

// TokenCallback is invoked for each incremental content fragment, in
// order. Returning an error stops the stream.
type TokenCallback func(token string, index int) error

// ChatMessage is one turn of prompt context.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one streaming completion.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	MaxTokens int
}

// Client is the interface for completion providers.
type Client interface {
	// Complete runs a non-streaming completion and returns the full text.
	Complete(ctx context.Context, req *CompletionRequest) (string, error)

	// CompleteStream runs a streaming completion, invoking onToken for
	// each fragment, and returns the full concatenated text.
	CompleteStream(ctx context.Context, req *CompletionRequest, onToken TokenCallback) (string, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of completion provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// NewClient creates a client for the given provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	default:
		return NewOpenAIClient(apiKey)
	}
}
