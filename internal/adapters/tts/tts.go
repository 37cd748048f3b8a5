// Package tts adapts internal/tts's provider-chain synthesizer to the
// contract the response composer expects: synthesize(text, channel) ->
// {bytes, format, duration_ms, provider}.
package tts

import (
	"context"
	"fmt"
	"time"

	core "github.com/neosignal/assistantproxy/internal/tts"
)

// Output is the in-memory result of a synthesis call.
type Output struct {
	Bytes      []byte
	Format     string
	DurationMs int64
	Provider   string
}

// Synthesizer turns text into speech audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, channel string) (Output, error)
}

// CoreSynthesizer wraps internal/tts.TextToSpeech behind the adapter
// contract.
type CoreSynthesizer struct {
	cfg *core.Config
}

func NewCoreSynthesizer(cfg *core.Config) *CoreSynthesizer {
	cfg.ApplyDefaults()
	return &CoreSynthesizer{cfg: cfg}
}

func (s *CoreSynthesizer) Synthesize(ctx context.Context, text, channel string) (Output, error) {
	result, err := core.TextToSpeech(ctx, s.cfg, text, channel)
	if err != nil {
		return Output{}, fmt.Errorf("tts adapter: synthesize: %w", err)
	}
	if !result.Success {
		return Output{}, fmt.Errorf("tts adapter: provider %s failed: %s", result.Provider, result.Error)
	}

	return Output{
		Bytes:      result.Bytes,
		Format:     result.OutputFormat,
		DurationMs: result.LatencyMs,
		Provider:   string(result.Provider),
	}, nil
}

// ChainSynthesizer tries each Synthesizer in order, returning the first
// success. internal/tts already walks its own provider chain; this outer
// chain exists so a deployment can register a second Synthesizer
// implementation (a different vendor entirely) without changing the
// composer's call sites.
type ChainSynthesizer struct {
	chain []Synthesizer
}

func NewChainSynthesizer(chain ...Synthesizer) *ChainSynthesizer {
	return &ChainSynthesizer{chain: chain}
}

func (c *ChainSynthesizer) Synthesize(ctx context.Context, text, channel string) (Output, error) {
	var lastErr error
	for _, s := range c.chain {
		start := time.Now()
		out, err := s.Synthesize(ctx, text, channel)
		if err == nil {
			if out.DurationMs == 0 {
				out.DurationMs = time.Since(start).Milliseconds()
			}
			return out, nil
		}
		lastErr = err
	}
	return Output{}, fmt.Errorf("tts adapter: all providers failed: %w", lastErr)
}
