package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Config holds all configuration values. It is read once at startup.
type Config struct {
	// Postgres
	DatabaseURL      string
	DBMaxOpenConns   int
	DBConnMaxIdle    time.Duration
	DBConnectTimeout time.Duration

	// Model
	ModelProvider   string
	ModelName       string
	MaxOutputTokens int
	MaxQuestionLen  int
	ModelRateLimit  float64
	GeminiAPIKey    string
	ParamPrefix     string

	// Conversation history
	HistoryTable    string
	HistoryMaxTurns int
	HistoryTTL      time.Duration
	HistoryIdleTTL  time.Duration

	RequestTimeout time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables and validates it.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DBMaxOpenConns:   envInt("DB_MAX_OPEN_CONNS", 20, &errs),
		DBConnMaxIdle:    envDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Second, &errs),
		DBConnectTimeout: envDuration("DB_CONNECT_TIMEOUT", 2*time.Second, &errs),

		ModelProvider:   strings.ToLower(getEnv("MODEL_PROVIDER", ProviderGemini)),
		ModelName:       getEnv("MODEL_NAME", ""),
		MaxOutputTokens: envInt("MAX_OUTPUT_TOKENS", 1000, &errs),
		MaxQuestionLen:  envInt("MAX_QUESTION_LENGTH", 2000, &errs),
		ModelRateLimit:  envFloat("MODEL_RATE_LIMIT_RPS", 0, &errs),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		ParamPrefix:     strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),

		HistoryTable:    getEnv("HISTORY_TABLE", ""),
		HistoryMaxTurns: envInt("HISTORY_MAX_TURNS", 20, &errs),
		HistoryTTL:      envDuration("HISTORY_TTL", 24*time.Hour, &errs),
		HistoryIdleTTL:  envDuration("HISTORY_IDLE_TTL", 0, &errs),

		RequestTimeout: envDuration("REQUEST_TIMEOUT", 25*time.Second, &errs),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
	}
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.ModelProvider {
	case ProviderGemini:
		if c.GeminiAPIKey == "" && c.ParamPrefix == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY or PARAM_PREFIX is required for the gemini provider"))
		}
	case ProviderOpenAI:
		if c.ParamPrefix == "" {
			errs = append(errs, errors.New("PARAM_PREFIX is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("MODEL_PROVIDER %q is not supported", c.ModelProvider))
	}
	if c.MaxOutputTokens <= 0 {
		errs = append(errs, errors.New("MAX_OUTPUT_TOKENS must be positive"))
	}
	if c.MaxQuestionLen <= 0 {
		errs = append(errs, errors.New("MAX_QUESTION_LENGTH must be positive"))
	}
	if c.HistoryMaxTurns < 2 {
		errs = append(errs, errors.New("HISTORY_MAX_TURNS must be at least 2"))
	}
	if c.ModelRateLimit < 0 {
		errs = append(errs, errors.New("MODEL_RATE_LIMIT_RPS must not be negative"))
	}
	return errs
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func envInt(key string, def int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func envFloat(key string, def float64, errs *[]error) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
