package config

import (
	"os"
	"strconv"
	"time"
)

// DefaultPromptTemplate is sent to the vision model alongside the image.
// The model is asked for JSON, but the reply routinely arrives wrapped in
// prose or markdown fences; the extractor handles that.
const DefaultPromptTemplate = `Analyze this image of a cooking stove commonly used in Pakistan. Respond ONLY with valid JSON in this exact format:
{
  "detected": true or false,
  "cookstove_type": "improved biomass" or "traditional" or "LPG" or "electric",
  "confidence": 85,
  "in_use": true or false
}

Is there a cookstove/chulha visible? What type is it?`

// Replicate holds the connection and polling policy for the external
// inference service.
type Replicate struct {
	BaseURL         string
	APIToken        string
	ModelVersion    string
	PromptTemplate  string
	MaxOutputTokens int
	PollInterval    time.Duration
	MaxPollAttempts int
}

// Policy holds the auditable credit-issuance constants. Changing these is
// a policy decision, not a code change.
type Policy struct {
	VerifyThreshold  int
	CreditMultiplier float64
}

// Config aggregates everything main needs to wire the service.
type Config struct {
	ListenAddr      string
	DatabaseDSN     string
	RedisAddr       string
	JWTSecret       string
	JWTAudience     string
	DefaultLocation string
	Replicate       Replicate
	Policy          Policy
}

// Load reads configuration from the environment, falling back to defaults
// suitable for local development.
func Load() Config {
	return Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=cookstove port=5432 sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		DefaultLocation: getEnv("DEFAULT_LOCATION", "Pakistan"),
		Replicate: Replicate{
			BaseURL:         getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"),
			APIToken:        os.Getenv("REPLICATE_API_TOKEN"),
			ModelVersion:    getEnv("REPLICATE_MODEL_VERSION", "b5f6212d032508382d61ff00469ddda3e32fd8a0e75dc39d8a4191bb742157fb"),
			PromptTemplate:  getEnv("CLASSIFY_PROMPT", DefaultPromptTemplate),
			MaxOutputTokens: getEnvInt("CLASSIFY_MAX_TOKENS", 512),
			PollInterval:    getEnvDuration("POLL_INTERVAL", time.Second),
			MaxPollAttempts: getEnvInt("MAX_POLL_ATTEMPTS", 30),
		},
		Policy: Policy{
			VerifyThreshold:  getEnvInt("VERIFY_THRESHOLD", 85),
			CreditMultiplier: getEnvFloat("CREDIT_MULTIPLIER", 5),
		},
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
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
