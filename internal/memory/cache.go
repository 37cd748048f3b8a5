package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/neosignal/assistantproxy/internal/memory/embeddings"
)

// cachedEmbedder wraps an embeddings.Provider with an LRU cache keyed by a
// hash of the input text, so repeated context-resolver queries (the same
// user asking similarly-phrased follow-ups) don't re-pay an embedding call
// every turn.
type cachedEmbedder struct {
	inner embeddings.Provider
	cache *lru.Cache[string, []float32]
	mu    sync.Mutex
}

// NewCachedEmbedder wraps inner with an LRU cache holding up to size
// entries (default 512).
func NewCachedEmbedder(inner embeddings.Provider, size int) embeddings.Provider {
	if size <= 0 {
		size = 512
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		// Only returns an error for size <= 0, already guarded above.
		panic(err)
	}
	return &cachedEmbedder{inner: inner, cache: c}
}

func (c *cachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)

	c.mu.Lock()
	if v, ok := c.cache.Get(key); ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, vec)
	c.mu.Unlock()
	return vec, nil
}

func (c *cachedEmbedder) Dimension() int { return c.inner.Dimension() }
func (c *cachedEmbedder) Name() string   { return c.inner.Name() + "+cache" }

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
