// Package config loads the engine's runtime configuration from the process
// environment using github.com/caarlos0/env/v11, an env-first convention.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

type AgentDefaults struct {
	Model                 string `env:"PICOCLAW_MODEL" envDefault:"anthropic/claude-sonnet-4"`
	MaxTokens             int    `env:"PICOCLAW_CONTEXT_WINDOW" envDefault:"200000"`
	MaxToolIterations     int    `env:"PICOCLAW_MAX_ITERATIONS" envDefault:"20"`
	LLMTimeoutSeconds     int    `env:"PICOCLAW_LLM_TIMEOUT_SECONDS" envDefault:"120"`
	ToolTimeoutSeconds    int    `env:"PICOCLAW_TOOL_TIMEOUT_SECONDS" envDefault:"60"`
	MaxParallelToolCalls  int    `env:"PICOCLAW_MAX_PARALLEL_TOOLS" envDefault:"1"`
	MaxConcurrentSubagent int    `env:"PICOCLAW_MAX_CONCURRENT_SUBAGENTS" envDefault:"5"`
}

type Agents struct {
	Defaults AgentDefaults
}

type ProviderConfig struct {
	APIKey     string
	APIBase    string
	AuthMethod string                 // "", "oauth", or "token" — "" means plain API key
	Routing    map[string]interface{} // OpenRouter-only: forwarded as the request's "provider" object
}

type Providers struct {
	OpenRouter ProviderConfig
	Anthropic  ProviderConfig
	OpenAI     ProviderConfig
	Gemini     ProviderConfig
	Zhipu      ProviderConfig
	Groq       ProviderConfig
	Modal      ProviderConfig
	VLLM       ProviderConfig
}

type WebSearchConfig struct {
	APIKey     string `env:"PICOCLAW_WEB_SEARCH_API_KEY"`
	MaxResults int    `env:"PICOCLAW_WEB_SEARCH_MAX_RESULTS" envDefault:"5"`
}

type WebTools struct {
	Search WebSearchConfig
}

type Tools struct {
	Web WebTools
}

type TelegramConfig struct {
	Token     string   `env:"PICOCLAW_TELEGRAM_TOKEN"`
	AllowFrom []string `env:"PICOCLAW_TELEGRAM_ALLOW_FROM" envSeparator:","`
}

type WhatsAppConfig struct {
	BridgeURL string   `env:"PICOCLAW_WHATSAPP_BRIDGE_URL" envDefault:"ws://localhost:8765"`
	AllowFrom []string `env:"PICOCLAW_WHATSAPP_ALLOW_FROM" envSeparator:","`
}

type DiscordConfig struct {
	Token     string   `env:"PICOCLAW_DISCORD_TOKEN"`
	AllowFrom []string `env:"PICOCLAW_DISCORD_ALLOW_FROM" envSeparator:","`
}

type SlackConfig struct {
	BotToken  string   `env:"PICOCLAW_SLACK_BOT_TOKEN"`
	AppToken  string   `env:"PICOCLAW_SLACK_APP_TOKEN"`
	AllowFrom []string `env:"PICOCLAW_SLACK_ALLOW_FROM" envSeparator:","`
}

type DingTalkConfig struct {
	ClientID     string   `env:"PICOCLAW_DINGTALK_CLIENT_ID"`
	ClientSecret string   `env:"PICOCLAW_DINGTALK_CLIENT_SECRET"`
	AllowFrom    []string `env:"PICOCLAW_DINGTALK_ALLOW_FROM" envSeparator:","`
}

type Channels struct {
	Telegram TelegramConfig
	WhatsApp WhatsAppConfig
	Discord  DiscordConfig
	Slack    SlackConfig
	DingTalk DingTalkConfig
}

type MemoryConfig struct {
	Enabled                  bool   `env:"PICOCLAW_MEMORY_ENABLED" envDefault:"true"`
	EmbeddingModel            string `env:"PICOCLAW_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	ExtractionModel           string `env:"PICOCLAW_EXTRACTION_MODEL"`
	EnablePreCompactionFlush bool   `env:"PICOCLAW_MEMORY_PRE_COMPACTION_FLUSH" envDefault:"true"`
	EnableToolLessons        bool   `env:"PICOCLAW_MEMORY_TOOL_LESSONS" envDefault:"true"`
	ExtractionInterval       int    `env:"PICOCLAW_MEMORY_EXTRACTION_INTERVAL" envDefault:"10"`
	CandidateThreshold       float64 `env:"PICOCLAW_MEMORY_CANDIDATE_THRESHOLD" envDefault:"0.80"`
	MaxFacts                 int    `env:"PICOCLAW_MEMORY_MAX_FACTS" envDefault:"10"`
}

type CompactionConfig struct {
	Threshold       int `env:"PICOCLAW_COMPACTION_THRESHOLD" envDefault:"50"`
	RecentTurnsKeep int `env:"PICOCLAW_COMPACTION_RECENT_TURNS" envDefault:"8"`
	SummaryMaxTurns int `env:"PICOCLAW_COMPACTION_SUMMARY_TURNS" envDefault:"15"`
	MaxFacts        int `env:"PICOCLAW_COMPACTION_MAX_FACTS" envDefault:"10"`
}

type ExecConfig struct {
	TimeoutSeconds      int      `env:"PICOCLAW_EXEC_TIMEOUT_SECONDS" envDefault:"30"`
	RestrictToWorkspace bool     `env:"PICOCLAW_EXEC_RESTRICT_WORKSPACE" envDefault:"true"`
	AllowPatterns       []string `env:"PICOCLAW_EXEC_ALLOW_PATTERNS" envSeparator:","`
}

type CronConfig struct {
	StoragePath string `env:"PICOCLAW_CRON_STORAGE_PATH"`
}

type HeartbeatConfig struct {
	Enabled         bool `env:"PICOCLAW_HEARTBEAT_ENABLED" envDefault:"false"`
	IntervalMinutes int  `env:"PICOCLAW_HEARTBEAT_INTERVAL_MINUTES" envDefault:"60"`
}

type Config struct {
	Workspace  string `env:"PICOCLAW_WORKSPACE" envDefault:"./workspace"`
	Agents     Agents
	Providers  Providers
	Tools      Tools
	Channels   Channels
	Memory     MemoryConfig
	Compaction CompactionConfig
	Exec       ExecConfig
	Cron       CronConfig
	Heartbeat  HeartbeatConfig
}

// WorkspacePath returns the absolute workspace directory.
func (c *Config) WorkspacePath() string {
	if filepath.IsAbs(c.Workspace) {
		return c.Workspace
	}
	abs, err := filepath.Abs(c.Workspace)
	if err != nil {
		return c.Workspace
	}
	return abs
}

// DefaultConfig returns a Config populated the same way Load() would with an
// empty environment: every envDefault tag applied, no provider credentials
// set. Tests and callers that need a baseline Config without touching the
// process environment or .env file should use this instead of Load().
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Providers.OpenRouter.APIBase = "https://openrouter.ai/api/v1"
	cfg.Providers.Anthropic.APIBase = "https://api.anthropic.com"
	cfg.Providers.OpenAI.APIBase = "https://api.openai.com/v1"

	if err := env.ParseWithOptions(cfg, env.Options{Environment: map[string]string{}}); err != nil {
		// envDefault-only parsing on a zero-value struct never fails; a
		// failure here indicates a struct tag typo caught in tests.
		panic(err)
	}
	return cfg
}

// Load reads configuration from the process environment, applying an
// optional .env file first (simple KEY=VALUE lines — no dependency needed
// for this small a need).
func Load() (*Config, error) {
	loadDotEnv(".env")

	cfg := DefaultConfig()
	cfg.Providers.OpenRouter = ProviderConfig{
		APIKey:  os.Getenv("PICOCLAW_OPENROUTER_API_KEY"),
		APIBase: envOrDefault("PICOCLAW_OPENROUTER_API_BASE", "https://openrouter.ai/api/v1"),
	}
	cfg.Providers.Anthropic = ProviderConfig{
		APIKey:     os.Getenv("PICOCLAW_ANTHROPIC_API_KEY"),
		APIBase:    envOrDefault("PICOCLAW_ANTHROPIC_API_BASE", "https://api.anthropic.com"),
		AuthMethod: os.Getenv("PICOCLAW_ANTHROPIC_AUTH_METHOD"),
	}
	cfg.Providers.OpenAI = ProviderConfig{
		APIKey:     os.Getenv("PICOCLAW_OPENAI_API_KEY"),
		APIBase:    envOrDefault("PICOCLAW_OPENAI_API_BASE", "https://api.openai.com/v1"),
		AuthMethod: os.Getenv("PICOCLAW_OPENAI_AUTH_METHOD"),
	}
	cfg.Providers.Gemini = ProviderConfig{
		APIKey:  os.Getenv("PICOCLAW_GEMINI_API_KEY"),
		APIBase: os.Getenv("PICOCLAW_GEMINI_API_BASE"),
	}
	cfg.Providers.Zhipu = ProviderConfig{
		APIKey:  os.Getenv("PICOCLAW_ZHIPU_API_KEY"),
		APIBase: os.Getenv("PICOCLAW_ZHIPU_API_BASE"),
	}
	cfg.Providers.Groq = ProviderConfig{
		APIKey:  os.Getenv("PICOCLAW_GROQ_API_KEY"),
		APIBase: os.Getenv("PICOCLAW_GROQ_API_BASE"),
	}
	cfg.Providers.Modal = ProviderConfig{
		APIKey:  os.Getenv("PICOCLAW_MODAL_API_KEY"),
		APIBase: os.Getenv("PICOCLAW_MODAL_API_BASE"),
	}
	cfg.Providers.VLLM = ProviderConfig{
		APIKey:  os.Getenv("PICOCLAW_VLLM_API_KEY"),
		APIBase: os.Getenv("PICOCLAW_VLLM_API_BASE"),
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, val)
		}
	}
}
