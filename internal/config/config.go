package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ControlPlanePort  string
	ControlPlaneURL   string
	PostgresURL       string
	TemporalAddress   string
	TemporalTaskQueue string

	LLMProvider      string
	LLMModel         string
	LLMBaseURL       string
	OpenAIAPIKey     string
	LLMContextWindow int
	LLMTimeout       time.Duration

	AgentMaxLoops          int
	AgentMinSupportSources int
	AgentActionLimit       int
	AgentAutoOpenTopK      int
	AgentFetchWorkers      int
	AgentMaxHistoryChars   int
	AgentCrawlMaxPages     int
	AgentTurnPause         time.Duration
	AgentSummaryVotes      int

	FetchTimeout      time.Duration
	FetchRetries      int
	FetchRetryDelay   time.Duration
	CrawlDelay        time.Duration
	SearchPrimaryURL  string
	SearchFallbackURL string

	LogLevel    string
	LogFilePath string
	LogJSON     bool
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists.
func Load() Config {
	return LoadFrom(".env")
}

// LoadFrom merges the given dotenv files into the environment and reads it.
// Variables already set in the environment win over file values.
func LoadFrom(files ...string) Config {
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			_ = godotenv.Load(file)
		}
	}

	controlPlanePort := getEnv("CONTROL_PLANE_PORT", "8090")
	postgresURL := getEnv("POSTGRES_URL", "")
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}
	return Config{
		ControlPlanePort:  controlPlanePort,
		ControlPlaneURL:   getEnv("CONTROL_PLANE_URL", "http://localhost:"+controlPlanePort),
		PostgresURL:       postgresURL,
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "researcher-runs"),

		LLMProvider:      getEnv("LLM_PROVIDER", "llamacpp"),
		LLMModel:         getEnv("LLM_MODEL", ""),
		LLMBaseURL:       getEnv("LLM_BASE_URL", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		LLMContextWindow: getEnvInt("LLM_CONTEXT_WINDOW", 8192),
		LLMTimeout:       getEnvDuration("LLM_TIMEOUT", 2*time.Minute),

		AgentMaxLoops:          getEnvInt("AGENT_MAX_LOOPS", 4),
		AgentMinSupportSources: getEnvInt("AGENT_MIN_SUPPORT_SOURCES", 1),
		AgentActionLimit:       getEnvInt("AGENT_ACTION_LIMIT", 3),
		AgentAutoOpenTopK:      getEnvInt("AGENT_AUTO_OPEN_TOP_K", 1),
		AgentFetchWorkers:      getEnvInt("AGENT_FETCH_WORKERS", 6),
		AgentMaxHistoryChars:   getEnvInt("AGENT_MAX_HISTORY_CHARS", 12000),
		AgentCrawlMaxPages:     getEnvInt("AGENT_CRAWL_MAX_PAGES", 40),
		AgentTurnPause:         getEnvDuration("AGENT_TURN_PAUSE", 200*time.Millisecond),
		AgentSummaryVotes:      getEnvInt("AGENT_SUMMARY_VOTES", 1),

		FetchTimeout:      getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		FetchRetries:      getEnvInt("FETCH_RETRIES", 2),
		FetchRetryDelay:   getEnvDuration("FETCH_RETRY_DELAY", 1500*time.Millisecond),
		CrawlDelay:        getEnvDuration("CRAWL_DELAY", 500*time.Millisecond),
		SearchPrimaryURL:  getEnv("SEARCH_PRIMARY_URL", ""),
		SearchFallbackURL: getEnv("SEARCH_FALLBACK_URL", ""),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFilePath: getEnv("LOG_FILE_PATH", ""),
		LogJSON:     getEnvBool("LOG_JSON", false),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("750ms") or a bare number of
// milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "researcher")
	password := getEnv("POSTGRES_PASSWORD", "researcher")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "researcher")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
