// ABOUTME: Centralized configuration for the tend state pipeline
// ABOUTME: Loads from environment variables with validation and defaults
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Failure-footer policies for the decision engine.
const (
	OnFailureFooterWarning = "footer_warning"
	OnFailureSilent        = "silent"
)

// Config holds all configuration for the state pipeline.
type Config struct {
	// Store settings
	DatabaseURL    string
	ConnectTimeout time.Duration

	// Pipeline switches
	StateEnabled bool
	WritesPaused bool

	// Channel switches
	CheckinEnabled bool
	JournalEnabled bool
	MemoryEnabled  bool

	// Decision engine
	DecisionModel     string
	FallbackModels    []string
	IncludeFallbacks  bool
	MaxJSONRetries    int
	MaxUserChars      int
	MaxAssistantChars int
	MaxWins           int
	MaxBarriers       int
	MaxNextActions    int
	StrictGrounding   bool
	FactsOnly         bool
	OnFailure         string

	// Journal
	IncludeAssistantExcerpt  bool
	MaxAssistantExcerptChars int

	// Semantic merge
	SemanticMergeEnabled bool
	VerificationModel    string
	EmbeddingModel       string
	EmbeddingDimension   int
	CandidateLimit       int
	MaxDistance          float64
	MaxCandidateChars    int
	MergeMaxJSONRetries  int

	// Context retrieval limits
	ActiveTracksLimit         int
	RecentCheckinsLimit       int
	RecentJournalEntriesLimit int
	RecentMemoryCardsLimit    int

	// User scoping
	AnonymousUserKey string

	// Projection
	ProjectionDir string

	// OpenAI-compatible provider
	APIKey     string
	APIBaseURL string
	MaxRetries int
	RetryDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    os.Getenv("TEND_DATABASE_URL"),
		ConnectTimeout: getEnvDuration("TEND_DB_CONNECT_TIMEOUT", 5*time.Second),

		StateEnabled: getEnvBool("TEND_STATE_ENABLED", true),
		WritesPaused: getEnvBool("TEND_WRITES_PAUSED", false),

		CheckinEnabled: getEnvBool("TEND_CHECKIN_ENABLED", true),
		JournalEnabled: getEnvBool("TEND_JOURNAL_ENABLED", true),
		MemoryEnabled:  getEnvBool("TEND_MEMORY_ENABLED", true),

		DecisionModel:     getEnv("TEND_DECISION_MODEL", "gpt-4o-mini"),
		FallbackModels:    splitList(os.Getenv("TEND_FALLBACK_MODELS")),
		IncludeFallbacks:  getEnvBool("TEND_INCLUDE_FALLBACKS", true),
		MaxJSONRetries:    getEnvInt("TEND_MAX_JSON_RETRIES", 2),
		MaxUserChars:      getEnvInt("TEND_MAX_USER_CHARS", 4000),
		MaxAssistantChars: getEnvInt("TEND_MAX_ASSISTANT_CHARS", 2000),
		MaxWins:           getEnvInt("TEND_MAX_WINS", 5),
		MaxBarriers:       getEnvInt("TEND_MAX_BARRIERS", 5),
		MaxNextActions:    getEnvInt("TEND_MAX_NEXT_ACTIONS", 5),
		StrictGrounding:   getEnvBool("TEND_STRICT_GROUNDING", true),
		FactsOnly:         getEnvBool("TEND_FACTS_ONLY", true),
		OnFailure:         getEnv("TEND_ON_FAILURE", OnFailureFooterWarning),

		IncludeAssistantExcerpt:  getEnvBool("TEND_JOURNAL_ASSISTANT_EXCERPT", true),
		MaxAssistantExcerptChars: getEnvInt("TEND_JOURNAL_ASSISTANT_EXCERPT_CHARS", 600),

		SemanticMergeEnabled: getEnvBool("TEND_SEMANTIC_MERGE_ENABLED", true),
		VerificationModel:    getEnv("TEND_VERIFICATION_MODEL", ""),
		EmbeddingModel:       getEnv("TEND_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimension:   getEnvInt("TEND_EMBEDDING_DIMENSION", 1536),
		CandidateLimit:       getEnvInt("TEND_MERGE_CANDIDATE_LIMIT", 8),
		MaxDistance:          getEnvFloat("TEND_MERGE_MAX_DISTANCE", 0.42),
		MaxCandidateChars:    getEnvInt("TEND_MERGE_MAX_CANDIDATE_CHARS", 320),
		MergeMaxJSONRetries:  getEnvInt("TEND_MERGE_MAX_JSON_RETRIES", 1),

		ActiveTracksLimit:         getEnvInt("TEND_ACTIVE_TRACKS_LIMIT", 10),
		RecentCheckinsLimit:       getEnvInt("TEND_RECENT_CHECKINS_LIMIT", 10),
		RecentJournalEntriesLimit: getEnvInt("TEND_RECENT_JOURNAL_LIMIT", 5),
		RecentMemoryCardsLimit:    getEnvInt("TEND_RECENT_MEMORIES_LIMIT", 12),

		AnonymousUserKey: getEnv("TEND_ANONYMOUS_USER_KEY", "anonymous"),

		ProjectionDir: getEnv("TEND_PROJECTION_DIR", "state"),

		APIKey:     os.Getenv("OPENAI_API_KEY"),
		APIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		MaxRetries: getEnvInt("TEND_MODEL_MAX_RETRIES", 2),
		RetryDelay: getEnvDuration("TEND_MODEL_RETRY_DELAY", 2*time.Second),
	}

	return cfg, cfg.Validate()
}

// Validate fails fast on configurations that would otherwise surface as
// confusing per-turn failures.
func (c *Config) Validate() error {
	if c.StateEnabled && c.DatabaseURL == "" {
		return fmt.Errorf("TEND_DATABASE_URL is required when TEND_STATE_ENABLED is true")
	}
	if c.OnFailure != OnFailureFooterWarning && c.OnFailure != OnFailureSilent {
		return fmt.Errorf("TEND_ON_FAILURE must be %q or %q, got %q",
			OnFailureFooterWarning, OnFailureSilent, c.OnFailure)
	}
	if c.MaxJSONRetries < 0 || c.MaxJSONRetries > 10 {
		return fmt.Errorf("TEND_MAX_JSON_RETRIES must be 0-10, got %d", c.MaxJSONRetries)
	}
	if c.MaxDistance < 0 || c.MaxDistance > 2 {
		return fmt.Errorf("TEND_MERGE_MAX_DISTANCE must be 0-2, got %f", c.MaxDistance)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("TEND_EMBEDDING_DIMENSION must be positive, got %d", c.EmbeddingDimension)
	}
	if c.CandidateLimit < 1 {
		return fmt.Errorf("TEND_MERGE_CANDIDATE_LIMIT must be at least 1, got %d", c.CandidateLimit)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v == "true" || v == "1"
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
