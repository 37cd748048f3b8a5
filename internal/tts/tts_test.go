package tts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withStubProvider registers a fake backend under a throwaway Provider
// name for the duration of one test.
func withStubProvider(t *testing.T, name Provider, fn synthesisFunc) {
	t.Helper()
	providerFuncs[name] = fn
	t.Cleanup(func() { delete(providerFuncs, name) })
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{Enabled: true}
	cfg.ApplyDefaults()

	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, 4096, cfg.MaxTextLength)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
	assert.Equal(t, "tts-1", cfg.OpenAI.Model)
	assert.Equal(t, "alloy", cfg.OpenAI.Voice)
	assert.Equal(t, 1.0, cfg.OpenAI.Speed)
	assert.NotEmpty(t, cfg.Edge.Voice)
	assert.NotEmpty(t, cfg.ElevenLabs.VoiceID)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{
		Enabled:  true,
		Provider: ProviderEdge,
		OpenAI:   OpenAIConfig{Voice: "nova", Speed: 1.5},
	}
	cfg.ApplyDefaults()

	assert.Equal(t, ProviderEdge, cfg.Provider)
	assert.Equal(t, "nova", cfg.OpenAI.Voice)
	assert.Equal(t, 1.5, cfg.OpenAI.Speed)
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenAI.APIKey = "sk-test"
	require.NoError(t, ValidateConfig(cfg))

	missing := DefaultConfig()
	assert.Error(t, ValidateConfig(missing))

	badSpeed := DefaultConfig()
	badSpeed.OpenAI.APIKey = "sk-test"
	badSpeed.OpenAI.Speed = 9.0
	assert.Error(t, ValidateConfig(badSpeed))

	unknown := DefaultConfig()
	unknown.OpenAI.APIKey = "sk-test"
	unknown.FallbackChain = []Provider{"winamp"}
	assert.Error(t, ValidateConfig(unknown))

	assert.Error(t, ValidateConfig(nil))
}

func TestGetOutputFormatForChannel(t *testing.T) {
	assert.Equal(t, "opus", GetOutputFormatForChannel("telegram"))
	assert.Equal(t, "mp3", GetOutputFormatForChannel("voice"))
	assert.Equal(t, "mp3", GetOutputFormatForChannel(""))
}

func TestTextToSpeechRejectsEmptyAndDisabled(t *testing.T) {
	_, err := TextToSpeech(context.Background(), nil, "hi", "")
	assert.Error(t, err)

	disabled := DefaultConfig()
	disabled.Enabled = false
	_, err = TextToSpeech(context.Background(), disabled, "hi", "")
	assert.Error(t, err)

	enabled := DefaultConfig()
	_, err = TextToSpeech(context.Background(), enabled, "   ", "")
	assert.Error(t, err)
}

func TestTextToSpeechFallsBackThroughChain(t *testing.T) {
	withStubProvider(t, "failing", func(context.Context, *Config, string, string) (*Result, error) {
		return nil, errors.New("primary down")
	})
	withStubProvider(t, "working", func(_ context.Context, _ *Config, text, _ string) (*Result, error) {
		return &Result{Success: true, Bytes: []byte(text), OutputFormat: "mp3"}, nil
	})

	cfg := DefaultConfig()
	cfg.Provider = "failing"
	cfg.FallbackChain = []Provider{"working"}

	result, err := TextToSpeech(context.Background(), cfg, "привет", "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, Provider("working"), result.Provider)
	assert.Equal(t, []byte("привет"), result.Bytes)
}

func TestTextToSpeechAllProvidersFail(t *testing.T) {
	withStubProvider(t, "failing", func(context.Context, *Config, string, string) (*Result, error) {
		return nil, errors.New("down")
	})

	cfg := DefaultConfig()
	cfg.Provider = "failing"
	cfg.FallbackChain = nil

	result, err := TextToSpeech(context.Background(), cfg, "привет", "")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestTextToSpeechTruncatesLongInput(t *testing.T) {
	var gotText string
	withStubProvider(t, "capture", func(_ context.Context, _ *Config, text, _ string) (*Result, error) {
		gotText = text
		return &Result{Success: true, Bytes: []byte("x"), OutputFormat: "mp3"}, nil
	})

	cfg := DefaultConfig()
	cfg.Provider = "capture"
	cfg.MaxTextLength = 100

	_, err := TextToSpeech(context.Background(), cfg, strings.Repeat("a", 500), "")
	require.NoError(t, err)
	assert.Len(t, gotText, 100)
}

func TestOpenAITTSAgainstCompatibleEndpoint(t *testing.T) {
	audio := []byte("fake-mp3-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "sk-test")
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.OpenAI.BaseURL = server.URL

	result, err := TextToSpeech(context.Background(), cfg, "Свет включён", "telegram")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, ProviderOpenAI, result.Provider)
	assert.Equal(t, audio, result.Bytes)
	assert.Equal(t, "opus", result.OutputFormat)
}
