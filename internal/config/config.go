package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write "5s" or "60m";
// a bare number is taken as seconds. yaml.v3 has no native decoding for
// time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\" or a number of seconds")
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure: server, upstream
// model/TTS, home-automation, search, messaging, persistence, memory,
// executor allow-lists, rate limits, cache TTLs, and assistant persona
// strings.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Model         ModelConfig         `yaml:"model"`
	HomeAutomation HomeAutomationConfig `yaml:"home_automation"`
	Search        SearchConfig        `yaml:"search"`
	Messaging     MessagingConfig     `yaml:"messaging"`
	Database      DatabaseConfig      `yaml:"database"`
	Memory        MemoryConfig        `yaml:"memory"`
	Executor      ExecutorConfig      `yaml:"executor"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Cache         CacheConfig         `yaml:"cache"`
	Assistant     AssistantConfig     `yaml:"assistant"`
	Audit         AuditConfig         `yaml:"audit"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Debug    bool   `yaml:"debug"`
	LogLevel string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// ModelConfig addresses the upstream LLM/voice/TTS provider.
type ModelConfig struct {
	APIKey        string `yaml:"api_key"`
	RealtimeModel string `yaml:"realtime_model"`
	PlanningModel string `yaml:"planning_model"`
	TTSModel      string `yaml:"tts_model"`
	TTSVoice      string `yaml:"tts_voice"`
	BaseURL       string `yaml:"base_url"`
}

// HomeAutomationConfig points at the home-automation adapter's endpoint.
type HomeAutomationConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// SearchConfig addresses the web-search adapter.
type SearchConfig struct {
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	DefaultRecencyDays int   `yaml:"default_recency_days"`
}

// MessagingConfig addresses the Telegram send adapter.
type MessagingConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// DatabaseConfig selects and locates the relational/vector store.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	VectorPersistDir string `yaml:"vector_persist_dir"`
}

// MemoryConfig tunes the two-tier memory system.
type MemoryConfig struct {
	ShortTermSize         int  `yaml:"short_term_memory_size"`
	LongTermEnabled       bool `yaml:"long_term_memory_enabled"`
	EmbeddingDimension    int  `yaml:"embedding_dimension"`
	QueryEmbeddingCacheSize int `yaml:"query_embedding_cache_size"`
}

// ExecutorConfig gates which home-automation services the executor may
// call outright versus which require explicit confirmation first.
// Entries support path.Match-style wildcards (e.g. "light.*").
type ExecutorConfig struct {
	AllowedServices            []string `yaml:"allowed_ha_services"`
	RequireConfirmationServices []string `yaml:"require_confirmation_services"`
}

// RateLimitConfig holds the per-composite-key fixed-window rates.
type RateLimitConfig struct {
	ModelPerMinute           int `yaml:"model_per_minute"`
	MessagingSearchPerMinute int `yaml:"messaging_search_per_minute"`
	UserPerMinute            int `yaml:"user_per_minute"`
}

// CacheConfig holds cache TTLs: the context resolver's per-user snapshot
// cache, the Habr feed cache, and the web-search result cache.
type CacheConfig struct {
	ContextTTL       Duration `yaml:"context_ttl"`
	MessagingSiteTTL Duration `yaml:"messaging_site_ttl"`
	SearchTTL        Duration `yaml:"search_ttl"`
}

// AssistantConfig holds the persona strings injected into system prompts.
type AssistantConfig struct {
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	Style    string `yaml:"style"`
}

// AuditConfig mirrors internal/audit.Config's recognized fields so the
// audit logger can be constructed straight from parsed configuration.
type AuditConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Output     string  `yaml:"output"`
	Format     string  `yaml:"format"`
	Level      string  `yaml:"level"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			LogLevel: "info",
			LogFormat: "json",
		},
		Model: ModelConfig{
			RealtimeModel: "gpt-realtime",
			PlanningModel: "claude-sonnet-4-5",
			TTSModel:      "tts-1",
			TTSVoice:      "alloy",
		},
		Search: SearchConfig{
			DefaultRecencyDays: 7,
		},
		Database: DatabaseConfig{
			URL: "",
		},
		Memory: MemoryConfig{
			ShortTermSize:           20,
			LongTermEnabled:         true,
			EmbeddingDimension:      1536,
			QueryEmbeddingCacheSize: 512,
		},
		RateLimit: RateLimitConfig{
			ModelPerMinute:           60,
			MessagingSearchPerMinute: 30,
			UserPerMinute:            20,
		},
		Cache: CacheConfig{
			ContextTTL:       Duration(5 * time.Second),
			MessagingSiteTTL: Duration(60 * time.Minute),
			SearchTTL:        Duration(30 * time.Minute),
		},
		Assistant: AssistantConfig{
			Name:     "Assistant",
			Language: "en",
			Style:    "concise",
		},
		Audit: AuditConfig{
			Enabled:    true,
			Output:     "stdout",
			Format:     "json",
			Level:      "info",
			SampleRate: 1.0,
		},
	}
}
