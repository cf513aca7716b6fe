package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// UpstreamConfig locates the realtime model endpoint.
type UpstreamConfig struct {
	Endpoint   string
	Deployment string
	APIKey     string
	Voice      string
}

// RetrievalConfig bounds the retrieval tool.
type RetrievalConfig struct {
	TopK            int
	MaxContextChars int
	MinScore        float64
}

// Config holds all process configuration. Loaded once at startup and
// immutable afterwards.
type Config struct {
	Port      string
	JWTSecret string

	Upstream UpstreamConfig

	EmbeddingAPIKey string
	EmbeddingModel  string

	PostgresURI      string
	VectorDimensions int

	MongoURI      string
	MongoDatabase string

	Retrieval RetrievalConfig
}

// Load reads configuration from the environment, honoring a .env file when
// present.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", "8765"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		Upstream: UpstreamConfig{
			Endpoint:   os.Getenv("UPSTREAM_ENDPOINT"),
			Deployment: os.Getenv("UPSTREAM_DEPLOYMENT"),
			APIKey:     os.Getenv("UPSTREAM_API_KEY"),
			Voice:      getEnv("UPSTREAM_VOICE", "alloy"),
		},
		EmbeddingAPIKey:  os.Getenv("OPENAI_API_KEY"),
		EmbeddingModel:   getEnv("EMBEDDING_MODEL", "text-embedding-ada-002"),
		PostgresURI:      os.Getenv("POSTGRES_URI"),
		VectorDimensions: 1536,
		MongoURI:         os.Getenv("MONGODB_URI"),
		MongoDatabase:    getEnv("MONGODB_DATABASE", "voicerag"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Upstream.Endpoint == "" {
		return nil, fmt.Errorf("UPSTREAM_ENDPOINT is required")
	}
	if cfg.Upstream.APIKey == "" {
		return nil, fmt.Errorf("UPSTREAM_API_KEY is required")
	}

	var err error
	if cfg.VectorDimensions, err = getEnvInt("VECTOR_DIMENSIONS", 1536); err != nil {
		return nil, err
	}
	if cfg.Retrieval.TopK, err = getEnvInt("RETRIEVAL_TOP_K", 4); err != nil {
		return nil, err
	}
	if cfg.Retrieval.MaxContextChars, err = getEnvInt("RETRIEVAL_MAX_CONTEXT_CHARS", 4000); err != nil {
		return nil, err
	}
	if cfg.Retrieval.MinScore, err = getEnvFloat("RETRIEVAL_MIN_SCORE", 0); err != nil {
		return nil, err
	}

	return cfg, nil
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
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
