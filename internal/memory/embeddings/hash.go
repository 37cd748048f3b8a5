package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// HashProvider is a deterministic, dependency-free embedding provider for
// tests and offline/air-gapped deployments. It hashes overlapping n-grams
// into a fixed-width vector and L2-normalizes the result, so cosine
// similarity between near-duplicate strings is meaningfully higher than
// between unrelated ones without ever calling an external service.
type HashProvider struct {
	dimension int
}

// NewHashProvider builds a HashProvider producing vectors of the given
// dimension (default 256).
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dimension)
	runes := []rune(text)
	const n = 3
	if len(runes) < n {
		runes = append(runes, make([]rune, n-len(runes))...)
	}
	for i := 0; i <= len(runes)-n; i++ {
		gram := string(runes[i : i+n])
		sum := sha256.Sum256([]byte(gram))
		idx := binary.BigEndian.Uint32(sum[0:4]) % uint32(p.dimension)
		sign := float32(1)
		if sum[4]%2 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

func (p *HashProvider) Dimension() int { return p.dimension }
func (p *HashProvider) Name() string   { return "hash-fallback" }
