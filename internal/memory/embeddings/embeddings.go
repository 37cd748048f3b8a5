// Package embeddings provides the Provider interface the semantic memory
// store uses to compute vector representations of content, plus two
// concrete providers: an OpenAI-compatible HTTP client and a deterministic
// offline fallback for tests and air-gapped deployments.
package embeddings

import "context"

// Provider generates embeddings for text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding vector length this provider produces.
	Dimension() int
	// Name identifies the provider for logging/metrics.
	Name() string
}
