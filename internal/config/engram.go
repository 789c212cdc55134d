// Package config loads the environment configuration for the memory store.
//
// Every recognized variable is enumerated here with its default; validation
// happens once at startup so a bad value fails the process before any
// component uses it.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all recognized environment settings.
type Config struct {
	// Required.
	DatabaseURL  string // DATABASE_URL
	OpenAIAPIKey string // OPENAI_API_KEY

	// LLM models and call policy.
	EmbeddingModel        string        // EMBEDDING_MODEL
	ExtractModel          string        // EXTRACT_MODEL (segmentation)
	ConflictModel         string        // CONFLICT_MODEL (arbitration)
	ExtractReasoning      string        // EXTRACT_REASONING
	ConflictReasoning     string        // CONFLICT_REASONING
	EmbedDim              int           // EMBED_DIM
	OpenAITimeout         time.Duration // OPENAI_TIMEOUT_S
	OpenAIMaxRetries      int           // OPENAI_MAX_RETRIES
	MaxConcurrentAPICalls int           // MAX_CONCURRENT_API_CALLS

	// Store pool.
	PGPoolMin int // PG_POOL_MIN
	PGPoolMax int // PG_POOL_MAX

	// Ingestion thresholds.
	DupThreshold       float64 // DUP_THRESHOLD
	ConflictThreshold  float64 // CONFLICT_THRESHOLD
	RelatesToThreshold float64 // RELATES_TO_THRESHOLD
	MinSectionLength   int     // MIN_SECTION_LENGTH
	MaxTaxonomyPaths   int     // MAX_TAXONOMY_PATHS

	// Limits.
	DefaultSearchLimit    int // DEFAULT_SEARCH_LIMIT
	DefaultListLimit      int // DEFAULT_LIST_LIMIT
	MaxMemorizeTextLength int // MAX_MEMORIZE_TEXT_LENGTH
	StagingRetentionDays  int // STAGING_RETENTION_DAYS

	// Servers.
	ProductionPort int    // PRODUCTION_PORT
	AdminPort      int    // ADMIN_PORT
	APIKey         string // API_KEY (optional bearer token, constant-time compared)

	// Context store.
	ContextDefaultTTLHours int // CONTEXT_DEFAULT_TTL_HOURS
	ContextMaxValueLength  int // CONTEXT_MAX_VALUE_LENGTH
	ContextMaxKeyLength    int // CONTEXT_MAX_KEY_LENGTH
}

// Load reads the environment and validates it. Missing required variables or
// out-of-range values are startup errors, never first-use errors.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("embedding_model", "text-embedding-3-small")
	v.SetDefault("extract_model", "gpt-5-mini")
	v.SetDefault("conflict_model", "gpt-5-nano")
	v.SetDefault("extract_reasoning", "low")
	v.SetDefault("conflict_reasoning", "minimal")
	v.SetDefault("embed_dim", 1536)
	v.SetDefault("openai_timeout_s", 60)
	v.SetDefault("openai_max_retries", 5)
	v.SetDefault("max_concurrent_api_calls", 5)
	v.SetDefault("pg_pool_min", 1)
	v.SetDefault("pg_pool_max", 10)
	v.SetDefault("dup_threshold", 0.95)
	v.SetDefault("conflict_threshold", 0.55)
	v.SetDefault("relates_to_threshold", 0.65)
	v.SetDefault("min_section_length", 100)
	v.SetDefault("max_taxonomy_paths", 40)
	v.SetDefault("default_search_limit", 10)
	v.SetDefault("default_list_limit", 50)
	v.SetDefault("max_memorize_text_length", 500000)
	v.SetDefault("staging_retention_days", 7)
	v.SetDefault("production_port", 8766)
	v.SetDefault("admin_port", 8767)
	v.SetDefault("context_default_ttl_hours", 24)
	v.SetDefault("context_max_value_length", 50000)
	v.SetDefault("context_max_key_length", 200)

	cfg := &Config{
		DatabaseURL:  v.GetString("database_url"),
		OpenAIAPIKey: v.GetString("openai_api_key"),

		EmbeddingModel:        v.GetString("embedding_model"),
		ExtractModel:          v.GetString("extract_model"),
		ConflictModel:         v.GetString("conflict_model"),
		ExtractReasoning:      v.GetString("extract_reasoning"),
		ConflictReasoning:     v.GetString("conflict_reasoning"),
		EmbedDim:              v.GetInt("embed_dim"),
		OpenAITimeout:         time.Duration(v.GetFloat64("openai_timeout_s") * float64(time.Second)),
		OpenAIMaxRetries:      v.GetInt("openai_max_retries"),
		MaxConcurrentAPICalls: v.GetInt("max_concurrent_api_calls"),

		PGPoolMin: v.GetInt("pg_pool_min"),
		PGPoolMax: v.GetInt("pg_pool_max"),

		DupThreshold:       v.GetFloat64("dup_threshold"),
		ConflictThreshold:  v.GetFloat64("conflict_threshold"),
		RelatesToThreshold: v.GetFloat64("relates_to_threshold"),
		MinSectionLength:   v.GetInt("min_section_length"),
		MaxTaxonomyPaths:   v.GetInt("max_taxonomy_paths"),

		DefaultSearchLimit:    v.GetInt("default_search_limit"),
		DefaultListLimit:      v.GetInt("default_list_limit"),
		MaxMemorizeTextLength: v.GetInt("max_memorize_text_length"),
		StagingRetentionDays:  v.GetInt("staging_retention_days"),

		ProductionPort: v.GetInt("production_port"),
		AdminPort:      v.GetInt("admin_port"),
		APIKey:         v.GetString("api_key"),

		ContextDefaultTTLHours: v.GetInt("context_default_ttl_hours"),
		ContextMaxValueLength:  v.GetInt("context_max_value_length"),
		ContextMaxKeyLength:    v.GetInt("context_max_key_length"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive (got %d)", c.EmbedDim)
	}
	if c.OpenAITimeout <= 0 {
		return fmt.Errorf("OPENAI_TIMEOUT_S must be positive")
	}
	if c.OpenAIMaxRetries < 1 {
		return fmt.Errorf("OPENAI_MAX_RETRIES must be at least 1 (got %d)", c.OpenAIMaxRetries)
	}
	if c.MaxConcurrentAPICalls < 1 {
		return fmt.Errorf("MAX_CONCURRENT_API_CALLS must be at least 1 (got %d)", c.MaxConcurrentAPICalls)
	}
	if c.PGPoolMin < 1 || c.PGPoolMax < c.PGPoolMin {
		return fmt.Errorf("invalid pool bounds: PG_POOL_MIN=%d PG_POOL_MAX=%d", c.PGPoolMin, c.PGPoolMax)
	}
	for name, t := range map[string]float64{
		"DUP_THRESHOLD":        c.DupThreshold,
		"CONFLICT_THRESHOLD":   c.ConflictThreshold,
		"RELATES_TO_THRESHOLD": c.RelatesToThreshold,
	} {
		if t <= 0 || t >= 1 {
			return fmt.Errorf("%s must be in (0, 1) (got %g)", name, t)
		}
	}
	if c.ConflictThreshold >= c.DupThreshold {
		return fmt.Errorf("CONFLICT_THRESHOLD (%g) must be below DUP_THRESHOLD (%g)",
			c.ConflictThreshold, c.DupThreshold)
	}
	if c.MinSectionLength < 0 {
		return fmt.Errorf("MIN_SECTION_LENGTH cannot be negative")
	}
	if c.MaxTaxonomyPaths < 1 {
		return fmt.Errorf("MAX_TAXONOMY_PATHS must be at least 1")
	}
	if c.MaxMemorizeTextLength < 1 {
		return fmt.Errorf("MAX_MEMORIZE_TEXT_LENGTH must be positive")
	}
	if c.StagingRetentionDays < 1 {
		return fmt.Errorf("STAGING_RETENTION_DAYS must be at least 1")
	}
	for name, p := range map[string]int{
		"PRODUCTION_PORT": c.ProductionPort,
		"ADMIN_PORT":      c.AdminPort,
	} {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%s must be a valid port (got %d)", name, p)
		}
	}
	if c.ProductionPort == c.AdminPort {
		return fmt.Errorf("PRODUCTION_PORT and ADMIN_PORT must differ (both %d)", c.ProductionPort)
	}
	if c.ContextDefaultTTLHours < 1 || c.ContextDefaultTTLHours > MaxContextTTLHours {
		return fmt.Errorf("CONTEXT_DEFAULT_TTL_HOURS must be in [1, %d]", MaxContextTTLHours)
	}
	if c.ContextMaxValueLength < 1 || c.ContextMaxKeyLength < 1 {
		return fmt.Errorf("context length limits must be positive")
	}
	return nil
}

// MaxContextTTLHours caps context entry lifetimes at 30 days.
const MaxContextTTLHours = 720
