package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port string

	// Auth
	APIKey string

	// Artifact storage root: registry file plus per-document directories.
	BasePath string

	// Embedding service (OpenAI-compatible). The accelerator endpoint is
	// preferred; the CPU endpoint is the fallback after an OOM reset.
	EmbedBaseURL    string
	EmbedCPUBaseURL string
	EmbedAPIKey     string
	EmbedModel      string
	EmbedBatchSize  int

	// Retrieval cache capacities
	MaxVectorCache int
	MaxTreeCache   int

	// Retrieval
	DefaultTopK      int
	ScoreFloor       float64
	LocatorThreshold float64

	// Index construction
	IndexBatchParts int
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8090"),

		APIKey: os.Getenv("PAPERRAG_API_KEY"),

		BasePath: envOr("PAPERRAG_BASE_PATH", "./data"),

		EmbedBaseURL:    envOr("EMBED_BASE_URL", "http://localhost:8081/v1"),
		EmbedCPUBaseURL: envOr("EMBED_CPU_BASE_URL", "http://localhost:8082/v1"),
		EmbedAPIKey:     os.Getenv("EMBED_API_KEY"),
		EmbedModel:      envOr("EMBED_MODEL", "bge-m3"),
		EmbedBatchSize:  envInt("EMBED_BATCH_SIZE", 8),

		MaxVectorCache: envInt("MAX_VECTOR_CACHE", 3),
		MaxTreeCache:   envInt("MAX_TREE_CACHE", 0),

		DefaultTopK:      envInt("DEFAULT_TOP_K", 5),
		ScoreFloor:       envFloat("SCORE_FLOOR", 0.6),
		LocatorThreshold: envFloat("LOCATOR_THRESHOLD", 0.65),

		IndexBatchParts: envInt("INDEX_BATCH_PARTS", 4),
	}

	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 8
	}
	if cfg.MaxVectorCache <= 0 {
		cfg.MaxVectorCache = 3
	}
	if cfg.MaxTreeCache <= 0 {
		// Trees are much lighter than indices, so the tree cache holds twice
		// as many entries by default.
		cfg.MaxTreeCache = cfg.MaxVectorCache * 2
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.IndexBatchParts <= 0 {
		cfg.IndexBatchParts = 4
	}

	return cfg
}

func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("PAPERRAG_API_KEY is required")
	}
	if c.BasePath == "" {
		return fmt.Errorf("PAPERRAG_BASE_PATH is required")
	}
	if c.LocatorThreshold < c.ScoreFloor {
		return fmt.Errorf("LOCATOR_THRESHOLD (%v) must not be below SCORE_FLOOR (%v)", c.LocatorThreshold, c.ScoreFloor)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
