// Package tts synthesizes speech for the response composer. It supports
// an OpenAI-compatible speech endpoint (primary), the free Edge TTS CLI,
// and ElevenLabs, tried in a configurable fallback chain. Audio comes
// back as bytes in memory; the proxy never parks synthesized speech on
// disk between the composer and the client.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// Provider identifies a TTS backend.
type Provider string

const (
	// ProviderOpenAI uses an OpenAI-compatible /audio/speech endpoint.
	ProviderOpenAI Provider = "openai"

	// ProviderEdge uses Microsoft's Edge TTS service via the edge-tts CLI
	// (free, no key).
	ProviderEdge Provider = "edge"

	// ProviderElevenLabs uses ElevenLabs' synthesis API.
	ProviderElevenLabs Provider = "elevenlabs"
)

// Config holds TTS configuration.
type Config struct {
	// Enabled toggles synthesis; disabled configs fail fast.
	Enabled bool `yaml:"enabled"`

	// Provider is the primary backend.
	Provider Provider `yaml:"provider"`

	// FallbackChain lists backends to try, in order, when the primary
	// fails.
	FallbackChain []Provider `yaml:"fallback_chain"`

	// MaxTextLength caps input length; longer text is truncated before
	// synthesis. Default: 4096.
	MaxTextLength int `yaml:"max_text_length"`

	// TimeoutSeconds bounds one synthesis call across the whole chain.
	// Default: 30.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// OpenAI configures the OpenAI-compatible backend.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Edge configures the Edge TTS backend.
	Edge EdgeConfig `yaml:"edge"`

	// ElevenLabs configures the ElevenLabs backend.
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
}

// OpenAIConfig configures the OpenAI speech backend.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`

	// Model is "tts-1", "tts-1-hd", or "gpt-4o-mini-tts". Default: tts-1.
	Model string `yaml:"model"`

	// Voice is one of alloy, echo, fable, onyx, nova, shimmer.
	Voice string `yaml:"voice"`

	// ResponseFormat is mp3, opus, aac, flac, wav, or pcm. Channels may
	// override it (telegram voice notes want opus).
	ResponseFormat string `yaml:"response_format"`

	// Speed is 0.25–4.0. Default 1.0.
	Speed float64 `yaml:"speed"`

	// BaseURL points at an OpenAI-compatible endpoint; empty uses the
	// public API.
	BaseURL string `yaml:"base_url"`
}

// EdgeConfig configures Edge TTS.
type EdgeConfig struct {
	// Voice like "ru-RU-SvetlanaNeural" or "en-US-AriaNeural".
	Voice string `yaml:"voice"`
}

// ElevenLabsConfig configures ElevenLabs.
type ElevenLabsConfig struct {
	APIKey          string  `yaml:"api_key"`
	VoiceID         string  `yaml:"voice_id"`
	ModelID         string  `yaml:"model_id"`
	OutputFormat    string  `yaml:"output_format"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
}

// Result is one synthesis outcome.
type Result struct {
	Success      bool     `json:"success"`
	Bytes        []byte   `json:"-"`
	OutputFormat string   `json:"output_format,omitempty"`
	Provider     Provider `json:"provider"`
	LatencyMs    int64    `json:"latency_ms"`
	Error        string   `json:"error,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		Provider:       ProviderOpenAI,
		MaxTextLength:  4096,
		TimeoutSeconds: 30,
		OpenAI: OpenAIConfig{
			Model:          "tts-1",
			Voice:          "alloy",
			ResponseFormat: "mp3",
			Speed:          1.0,
		},
		Edge: EdgeConfig{
			Voice: "ru-RU-SvetlanaNeural",
		},
		ElevenLabs: ElevenLabsConfig{
			VoiceID:         "21m00Tcm4TlvDq8ikWAM",
			ModelID:         "eleven_multilingual_v2",
			OutputFormat:    "mp3_44100_128",
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	}
}

// ApplyDefaults fills zero-valued fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Provider == "" {
		c.Provider = defaults.Provider
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = defaults.MaxTextLength
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = defaults.OpenAI.Model
	}
	if c.OpenAI.Voice == "" {
		c.OpenAI.Voice = defaults.OpenAI.Voice
	}
	if c.OpenAI.ResponseFormat == "" {
		c.OpenAI.ResponseFormat = defaults.OpenAI.ResponseFormat
	}
	if c.OpenAI.Speed == 0 {
		c.OpenAI.Speed = defaults.OpenAI.Speed
	}
	if c.Edge.Voice == "" {
		c.Edge.Voice = defaults.Edge.Voice
	}
	if c.ElevenLabs.VoiceID == "" {
		c.ElevenLabs.VoiceID = defaults.ElevenLabs.VoiceID
	}
	if c.ElevenLabs.ModelID == "" {
		c.ElevenLabs.ModelID = defaults.ElevenLabs.ModelID
	}
	if c.ElevenLabs.OutputFormat == "" {
		c.ElevenLabs.OutputFormat = defaults.ElevenLabs.OutputFormat
	}
	if c.ElevenLabs.Stability == 0 {
		c.ElevenLabs.Stability = defaults.ElevenLabs.Stability
	}
	if c.ElevenLabs.SimilarityBoost == 0 {
		c.ElevenLabs.SimilarityBoost = defaults.ElevenLabs.SimilarityBoost
	}
}

// ValidateConfig reports configuration problems a startup check should
// refuse to run with.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("tts: config is nil")
	}
	providers := append([]Provider{cfg.Provider}, cfg.FallbackChain...)
	for _, p := range providers {
		switch p {
		case ProviderOpenAI:
			if cfg.OpenAI.APIKey == "" {
				return errors.New("tts: openai provider requires an api key")
			}
		case ProviderElevenLabs:
			if cfg.ElevenLabs.APIKey == "" {
				return errors.New("tts: elevenlabs provider requires an api key")
			}
		case ProviderEdge, "":
		default:
			return fmt.Errorf("tts: unknown provider %q", p)
		}
	}
	if cfg.OpenAI.Speed != 0 && (cfg.OpenAI.Speed < 0.25 || cfg.OpenAI.Speed > 4.0) {
		return fmt.Errorf("tts: openai speed %.2f outside 0.25-4.0", cfg.OpenAI.Speed)
	}
	return nil
}

// GetOutputFormatForChannel maps an output channel to its preferred audio
// format: telegram voice notes want opus, everything else takes mp3.
func GetOutputFormatForChannel(channel string) string {
	switch channel {
	case "telegram":
		return "opus"
	default:
		return "mp3"
	}
}

// synthesisFunc is one backend's synthesis entry point. The registry
// keyed by Provider keeps the chain walk in TextToSpeech free of
// provider-specific branches, and lets tests register a stub.
type synthesisFunc func(ctx context.Context, cfg *Config, text, channel string) (*Result, error)

var providerFuncs = map[Provider]synthesisFunc{
	ProviderOpenAI:     openaiTTS,
	ProviderEdge:       edgeTTS,
	ProviderElevenLabs: elevenlabsTTS,
}

// TextToSpeech synthesizes text through the configured provider chain,
// returning the first success. All providers failing returns the last
// error alongside a failed Result.
func TextToSpeech(ctx context.Context, cfg *Config, text string, channel string) (*Result, error) {
	if cfg == nil {
		return nil, errors.New("tts: config is nil")
	}
	if !cfg.Enabled {
		return nil, errors.New("tts: not enabled")
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("tts: text is empty")
	}

	cfg.ApplyDefaults()

	if len(text) > cfg.MaxTextLength {
		text = text[:cfg.MaxTextLength]
	}

	providers := append([]Provider{cfg.Provider}, cfg.FallbackChain...)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	var lastErr error
	for _, provider := range providers {
		fn, ok := providerFuncs[provider]
		if !ok {
			lastErr = fmt.Errorf("tts: unknown provider %q", provider)
			continue
		}

		start := time.Now()
		result, err := fn(ctx, cfg, text, channel)
		if err == nil && result != nil && result.Success {
			result.Provider = provider
			result.LatencyMs = time.Since(start).Milliseconds()
			return result, nil
		}
		if err != nil {
			lastErr = err
		} else if result != nil && result.Error != "" {
			lastErr = errors.New(result.Error)
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New("tts: all providers failed")
	}
	return &Result{
		Success:  false,
		Provider: cfg.Provider,
		Error:    lastErr.Error(),
	}, lastErr
}

// openaiTTS synthesizes through go-openai's speech endpoint.
func openaiTTS(ctx context.Context, cfg *Config, text, channel string) (*Result, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, errors.New("tts: openai api key not configured")
	}

	format := cfg.OpenAI.ResponseFormat
	if channel != "" {
		format = GetOutputFormatForChannel(channel)
	}

	clientConfig := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if cfg.OpenAI.BaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAI.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	resp, err := client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(cfg.OpenAI.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(cfg.OpenAI.Voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
		Speed:          cfg.OpenAI.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: openai speech request: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("tts: read openai audio: %w", err)
	}

	return &Result{
		Success:      true,
		Bytes:        audio,
		OutputFormat: format,
	}, nil
}

// edgeTTS shells out to the edge-tts CLI. The CLI can only write to a
// file, so the output lands in a temp path that is read back and removed
// before returning.
func edgeTTS(ctx context.Context, cfg *Config, text, _ string) (*Result, error) {
	if _, err := exec.LookPath("edge-tts"); err != nil {
		return nil, errors.New("tts: edge-tts not installed (pip install edge-tts)")
	}

	outputPath := filepath.Join(os.TempDir(), fmt.Sprintf("tts_%s.mp3", uuid.NewString()))
	defer os.Remove(outputPath)

	cmd := exec.CommandContext(ctx, "edge-tts",
		"--voice", cfg.Edge.Voice,
		"--text", text,
		"--write-media", outputPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("edge-tts failed: %v: %s", err, stderr.String()),
		}, err
	}

	audio, err := os.ReadFile(outputPath)
	if err != nil {
		return &Result{Success: false, Error: "edge-tts produced no output"}, fmt.Errorf("tts: read edge-tts output: %w", err)
	}

	return &Result{
		Success:      true,
		Bytes:        audio,
		OutputFormat: "mp3",
	}, nil
}

// elevenlabsTTS calls the ElevenLabs synthesis API directly.
func elevenlabsTTS(ctx context.Context, cfg *Config, text, _ string) (*Result, error) {
	if cfg.ElevenLabs.APIKey == "" {
		return nil, errors.New("tts: elevenlabs api key not configured")
	}

	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": cfg.ElevenLabs.ModelID,
		"voice_settings": map[string]any{
			"stability":        cfg.ElevenLabs.Stability,
			"similarity_boost": cfg.ElevenLabs.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tts: marshal elevenlabs request: %w", err)
	}

	url := fmt.Sprintf("https://api.elevenlabs.io/v1/text-to-speech/%s?output_format=%s",
		cfg.ElevenLabs.VoiceID, cfg.ElevenLabs.OutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tts: build elevenlabs request: %w", err)
	}
	req.Header.Set("xi-api-key", cfg.ElevenLabs.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("elevenlabs returned %d: %s", resp.StatusCode, string(detail)),
		}, fmt.Errorf("tts: elevenlabs returned %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read elevenlabs audio: %w", err)
	}

	format := "mp3"
	if strings.HasPrefix(cfg.ElevenLabs.OutputFormat, "pcm") {
		format = "pcm"
	}
	return &Result{
		Success:      true,
		Bytes:        audio,
		OutputFormat: format,
	}, nil
}
