package llm

import (
	"context"
	"errors"
)

var (
	// ErrNoProviders is returned by NewManager when no provider is given.
	ErrNoProviders = errors.New("no LLM providers configured")

	// ErrUnknownProvider is returned when a provider name does not
	// resolve to a registered backend.
	ErrUnknownProvider = errors.New("unknown LLM provider")

	// ErrNoEmbeddingProvider is returned by providers without native
	// embeddings when no OpenAI key is available to delegate to.
	ErrNoEmbeddingProvider = errors.New("no embedding provider available: an OpenAI API key is required for embeddings")
)

// Provider is implemented by every chat backend and by [Manager].
type Provider interface {
	// Chat sends the conversation and optional tool schemas and returns
	// a normalized result. Transient failures are retried internally.
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, opts ChatOptions) (*ChatResult, error)

	// Embed returns a dense embedding of text.
	Embed(ctx context.Context, text string) ([]float64, error)

	// Close releases idle connections.
	Close() error
}

// Embedder produces embeddings. Providers without a native embedding
// API delegate to one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// NamedProvider pairs a provider with its canonical name for
// registration with a [Manager].
type NamedProvider struct {
	Name     string
	Provider Provider
}
