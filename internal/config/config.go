// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database (optional, uses in-memory chain store if not set)
	DatabaseURL string

	// Scoring
	WeightsPath string // JSON model weights; missing file falls back to defaults

	// Ingestion
	IngestBufferSize int // high-water mark for the inbound event buffer

	// Bulkhead dispatcher
	ProofWorkers   int
	ProofQueueSize int
	ProofTimeout   time.Duration
	ProverBin      string // external prover binary; empty uses the built-in stub

	// Audit chain
	NodeID string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultWeightsPath      = "model_weights.json"
	DefaultIngestBufferSize = 10000
	DefaultProofQueueSize   = 256
	DefaultProofTimeout     = 30 * time.Second
	DefaultNodeID           = "NODE_01"
)

// DefaultProofWorkers caps the bulkhead pool at min(16, available parallelism).
func DefaultProofWorkers() int {
	n := runtime.GOMAXPROCS(0)
	if n > 16 {
		return 16
	}
	if n < 1 {
		return 1
	}
	return n
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		WeightsPath:      getEnv("MODEL_WEIGHTS_PATH", DefaultWeightsPath),
		IngestBufferSize: getEnvInt("INGEST_BUFFER_SIZE", DefaultIngestBufferSize),
		ProofWorkers:     getEnvInt("PROOF_WORKERS", DefaultProofWorkers()),
		ProofQueueSize:   getEnvInt("PROOF_QUEUE_SIZE", DefaultProofQueueSize),
		ProofTimeout:     getEnvDuration("PROOF_TIMEOUT", DefaultProofTimeout),
		ProverBin:        os.Getenv("PROVER_BIN"),
		NodeID:           getEnv("NODE_ID", DefaultNodeID),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable. A missing weights file
// and a missing DATABASE_URL are deliberately non-fatal; only values that
// make the pipeline inoperable are rejected.
func (c *Config) Validate() error {
	if c.IngestBufferSize <= 0 {
		return fmt.Errorf("INGEST_BUFFER_SIZE must be positive, got %d", c.IngestBufferSize)
	}
	if c.ProofWorkers <= 0 {
		return fmt.Errorf("PROOF_WORKERS must be positive, got %d", c.ProofWorkers)
	}
	if c.ProofQueueSize <= 0 {
		return fmt.Errorf("PROOF_QUEUE_SIZE must be positive, got %d", c.ProofQueueSize)
	}
	if c.ProofTimeout <= 0 {
		return fmt.Errorf("PROOF_TIMEOUT must be positive, got %s", c.ProofTimeout)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
