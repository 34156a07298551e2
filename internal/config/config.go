package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Chat     ChatConfig
	Alert    AlertConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	APIKey       string
	APIKeyHeader string
}

type LLMConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	OllamaURL        string
	DefaultProvider  string
	DefaultModel     string
	FallbackProvider string
	EmbeddingModel   string
	MaxRetries       int
}

// PipelineConfig holds the summarization pipeline tunables.
type PipelineConfig struct {
	ChunkSize              int // target chunk size in characters
	MaxNewChunksPerVersion int
	DailyTokenBudget       int
	TokensPerChunkEstimate int
	// PartialMergeThreshold is the fraction of summarized chunks at which
	// an incomplete version is merged anyway instead of waiting for
	// stragglers.
	PartialMergeThreshold float64
	// RegenerateOnLanguageMismatch controls whether a reuse chunk whose
	// source summary is in a different output language is re-summarized
	// from scratch.
	RegenerateOnLanguageMismatch bool
	ReplayAgeSeconds             int
}

type ChatConfig struct {
	// RetrievalThresholdChars is the document size above which chat uses
	// embedding retrieval instead of the full text.
	RetrievalThresholdChars int
	TopK                    int
}

type AlertConfig struct {
	WebhookURL   string
	DedupSeconds int
}

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxRetries, err := getEnvInt("LLM_MAX_RETRIES", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid LLM_MAX_RETRIES: %w", err)
	}

	chunkSize, err := getEnvInt("PIPELINE_CHUNK_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_CHUNK_SIZE: %w", err)
	}

	maxNewChunks, err := getEnvInt("PIPELINE_MAX_NEW_CHUNKS", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_MAX_NEW_CHUNKS: %w", err)
	}

	dailyBudget, err := getEnvInt("PIPELINE_DAILY_TOKEN_BUDGET", 500000)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_DAILY_TOKEN_BUDGET: %w", err)
	}

	tokensPerChunk, err := getEnvInt("PIPELINE_TOKENS_PER_CHUNK", 1200)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_TOKENS_PER_CHUNK: %w", err)
	}

	partialThreshold, err := getEnvFloat("PIPELINE_PARTIAL_MERGE_THRESHOLD", 0.5)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_PARTIAL_MERGE_THRESHOLD: %w", err)
	}

	replayAge, err := getEnvInt("PIPELINE_REPLAY_AGE_SECONDS", 300)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_REPLAY_AGE_SECONDS: %w", err)
	}

	retrievalThreshold, err := getEnvInt("CHAT_RETRIEVAL_THRESHOLD_CHARS", 20000)
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_RETRIEVAL_THRESHOLD_CHARS: %w", err)
	}

	topK, err := getEnvInt("CHAT_TOP_K", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid CHAT_TOP_K: %w", err)
	}

	dedupSeconds, err := getEnvInt("ALERT_DEDUP_SECONDS", 600)
	if err != nil {
		return nil, fmt.Errorf("invalid ALERT_DEDUP_SECONDS: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			APIKey:       getEnv("API_KEY", ""),
			APIKeyHeader: getEnv("API_KEY_HEADER", "X-API-Key"),
		},
		LLM: LLMConfig{
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			OllamaURL:        getEnv("OLLAMA_URL", "http://localhost:11434"),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			DefaultModel:     getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			EmbeddingModel:   getEnv("LLM_EMBEDDING_MODEL", "text-embedding-3-small"),
			MaxRetries:       maxRetries,
		},
		Pipeline: PipelineConfig{
			ChunkSize:                    chunkSize,
			MaxNewChunksPerVersion:       maxNewChunks,
			DailyTokenBudget:             dailyBudget,
			TokensPerChunkEstimate:       tokensPerChunk,
			PartialMergeThreshold:        partialThreshold,
			RegenerateOnLanguageMismatch: getEnvBool("PIPELINE_REGEN_ON_LANG_MISMATCH", true),
			ReplayAgeSeconds:             replayAge,
		},
		Chat: ChatConfig{
			RetrievalThresholdChars: retrievalThreshold,
			TopK:                    topK,
		},
		Alert: AlertConfig{
			WebhookURL:   getEnv("ALERT_WEBHOOK_URL", ""),
			DedupSeconds: dedupSeconds,
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.LLM.OpenAIKey == "" && c.LLM.AnthropicKey == "" && c.LLM.OllamaURL == "" {
		missing = append(missing, "OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
