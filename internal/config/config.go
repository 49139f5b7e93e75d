package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIPort           string
	APIMaxConnections int
	APIRateLimitRPS   int
	APIRateLimitBurst int
	APIMaxInFlight    int

	LogLevel  string
	LogFormat string

	AdvisoryProvider       string
	GoogleAPIKey           string
	GeminiBaseURL          string
	GeminiModel            string
	AdvisoryTimeoutSeconds int
	AdvisoryMaxAttempts    int
	AdvisoryBreakerEnabled bool
	OllamaURL              string
	OllamaModel            string

	ModelLocation           string
	ModelLoadTimeoutSeconds int
	ModelPreload            bool
	ONNXRuntimeLib          string

	MaxImageBytes         int
	SessionIdleTTLMinutes int

	NATSURL     string
	NATSSubject string

	SpeciesAPIURL          string
	SpeciesResourceID      string
	SpeciesCacheTTLSeconds int
	SpeciesMinQueryChars   int

	WorkerMetricsPort string
	WorkerQueueGroup  string
}

func Load() Config {
	return Config{
		APIPort:           mustEnv("API_PORT", "8080"),
		APIMaxConnections: mustEnvInt("API_MAX_CONNECTIONS", 256),
		APIRateLimitRPS:   mustEnvInt("API_RATE_LIMIT_RPS", 0),
		APIRateLimitBurst: mustEnvInt("API_RATE_LIMIT_BURST", 0),
		APIMaxInFlight:    mustEnvInt("API_MAX_IN_FLIGHT", 64),

		LogLevel:  mustEnv("LOG_LEVEL", "info"),
		LogFormat: mustEnv("LOG_FORMAT", "json"),

		AdvisoryProvider:       mustEnv("ADVISORY_PROVIDER", "gemini"),
		GoogleAPIKey:           os.Getenv("GOOGLE_API_KEY"),
		GeminiBaseURL:          mustEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiModel:            mustEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		AdvisoryTimeoutSeconds: mustEnvInt("ADVISORY_TIMEOUT_SECONDS", 20),
		AdvisoryMaxAttempts:    mustEnvInt("ADVISORY_MAX_ATTEMPTS", 2),
		AdvisoryBreakerEnabled: mustEnvBool("ADVISORY_BREAKER_ENABLED", true),
		OllamaURL:              mustEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:            mustEnv("OLLAMA_MODEL", "llama3.1"),

		ModelLocation:           mustEnv("MODEL_LOCATION", "./models/plant-health"),
		ModelLoadTimeoutSeconds: mustEnvInt("MODEL_LOAD_TIMEOUT_SECONDS", 60),
		ModelPreload:            mustEnvBool("MODEL_PRELOAD", true),
		ONNXRuntimeLib:          os.Getenv("ONNXRUNTIME_LIB"),

		MaxImageBytes:         mustEnvInt("MAX_IMAGE_BYTES", 1_000_000),
		SessionIdleTTLMinutes: mustEnvInt("SESSION_IDLE_TTL_MINUTES", 30),

		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: mustEnv("NATS_SUBJECT", "plantcare.diagnoses"),

		SpeciesAPIURL:          mustEnv("SPECIES_API_URL", "https://www.data.qld.gov.au/api/3/action/datastore_search"),
		SpeciesResourceID:      mustEnv("SPECIES_RESOURCE_ID", "fd297d03-bf72-40c7-b27e-24cc7023360c"),
		SpeciesCacheTTLSeconds: mustEnvInt("SPECIES_CACHE_TTL_SECONDS", 300),
		SpeciesMinQueryChars:   mustEnvInt("SPECIES_MIN_QUERY_CHARS", 2),

		WorkerMetricsPort: mustEnv("WORKER_METRICS_PORT", "9091"),
		WorkerQueueGroup:  mustEnv("WORKER_QUEUE_GROUP", "diagnosis-auditors"),
	}
}

func (c Config) AdvisoryTimeout() time.Duration {
	return time.Duration(c.AdvisoryTimeoutSeconds) * time.Second
}

func (c Config) ModelLoadTimeout() time.Duration {
	return time.Duration(c.ModelLoadTimeoutSeconds) * time.Second
}

func (c Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleTTLMinutes) * time.Minute
}

func (c Config) SpeciesCacheTTL() time.Duration {
	return time.Duration(c.SpeciesCacheTTLSeconds) * time.Second
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
