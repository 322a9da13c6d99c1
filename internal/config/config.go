// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	DevMode  bool
	LogLevel string

	// Event fabric
	DedupWindow   time.Duration // How long (source, event-id) fingerprints are retained
	DLQMaxRetries int           // Consecutive consumer failures before dead-lettering
	CreditWindow  int           // Per-stream publish credit window

	// Calculation engines
	DriftCheckInterval time.Duration // Periodic full-recompute verification
	LadderDays         int           // Settlement ladder horizon (SD0..SDn-1)
	IncludePendingCA   bool          // Include pending-corporate-action positions in totals

	// Workflow deadlines
	ShortSellDeadline  time.Duration // Hard SLA for short-sell validation
	LocateRuleDeadline time.Duration // Auto-rule evaluation budget; timeout routes to review
	LocateRequestTTL   time.Duration // Zero means end of business date

	// Snapshot archive (optional; archiver disabled when bucket is empty)
	Archive ArchiveConfig
}

// ArchiveConfig holds cloud snapshot archive settings
type ArchiveConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RetainCount     int
}

// Enabled reports whether snapshot archiving is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("INVENTORY_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DedupWindow:   getEnvAsDuration("DEDUP_WINDOW", 24*time.Hour),
		DLQMaxRetries: getEnvAsInt("DLQ_MAX_RETRIES", 5),
		CreditWindow:  getEnvAsInt("FABRIC_CREDIT_WINDOW", 65536),

		DriftCheckInterval: getEnvAsDuration("RECOMPUTE_DRIFT_CHECK_INTERVAL", 5*time.Minute),
		LadderDays:         getEnvAsInt("LADDER_DAYS", 5),
		IncludePendingCA:   getEnvAsBool("CORPORATE_ACTION_INCLUDE_PENDING", true),

		ShortSellDeadline:  getEnvAsDuration("SHORT_SELL_DEADLINE", 150*time.Millisecond),
		LocateRuleDeadline: getEnvAsDuration("LOCATE_RULE_DEADLINE", 50*time.Millisecond),
		LocateRequestTTL:   getEnvAsDuration("LOCATE_REQUEST_TTL", 0),

		Archive: ArchiveConfig{
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
			Region:          getEnv("ARCHIVE_REGION", "auto"),
			AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
			RetainCount:     getEnvAsInt("ARCHIVE_RETAIN_COUNT", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.LadderDays < 1 {
		return fmt.Errorf("ladder days must be at least 1, got %d", c.LadderDays)
	}
	if c.DLQMaxRetries < 1 {
		return fmt.Errorf("dlq max retries must be at least 1, got %d", c.DLQMaxRetries)
	}
	if c.ShortSellDeadline <= 0 {
		return fmt.Errorf("short-sell deadline must be positive")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
