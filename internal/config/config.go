// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// SMTPConfig holds outbound email configuration for the alert dispatcher
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string // Default recipient for alert emails
}

// Enabled reports whether the SMTP channel is configured
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && s.From != "" && s.To != ""
}

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for the database (always absolute)
	DatabasePath     string // Resolved path of the SQLite database file
	Port             int
	LogLevel         string
	DevMode          bool
	SMTP             SMTPConfig
	MonitorCadence   time.Duration   // Grid monitor tick interval
	DispatchCadence  time.Duration   // Alert dispatcher interval
	BoundaryBuffer   decimal.Decimal // Fraction of price considered "near" a grid boundary
	MilestoneSteps   []decimal.Decimal
	DedupWindow      time.Duration // Alert dedup suppression window
	MarketDataAPIURL string        // Base URL of the quote service
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("GRIDTRADER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	boundaryBuffer, err := decimal.NewFromString(getEnv("BOUNDARY_BUFFER_PCT", "0.005"))
	if err != nil {
		return nil, fmt.Errorf("invalid BOUNDARY_BUFFER_PCT: %w", err)
	}

	milestones, err := parseMilestoneSteps(getEnv("MILESTONE_STEPS", "5000,15000,30000"))
	if err != nil {
		return nil, fmt.Errorf("invalid MILESTONE_STEPS: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		DatabasePath:     filepath.Join(absDataDir, "gridtrader.db"),
		Port:             getEnvAsInt("GO_PORT", 8001),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		MonitorCadence:   getEnvAsDuration("MONITOR_CADENCE", 2*time.Minute),
		DispatchCadence:  getEnvAsDuration("DISPATCH_CADENCE", 30*time.Second),
		BoundaryBuffer:   boundaryBuffer,
		MilestoneSteps:   milestones,
		DedupWindow:      getEnvAsDuration("DEDUP_WINDOW", time.Hour),
		MarketDataAPIURL: getEnv("MARKET_DATA_API_URL", "https://query1.finance.yahoo.com"),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			To:       getEnv("ALERT_EMAIL_TO", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane
func (c *Config) Validate() error {
	if c.MonitorCadence < 10*time.Second {
		return fmt.Errorf("monitor cadence %s is below the 10s minimum", c.MonitorCadence)
	}
	if c.DispatchCadence < time.Second {
		return fmt.Errorf("dispatch cadence %s is below the 1s minimum", c.DispatchCadence)
	}
	if !c.BoundaryBuffer.IsPositive() {
		return fmt.Errorf("boundary buffer must be positive, got %s", c.BoundaryBuffer)
	}
	return nil
}

func parseMilestoneSteps(raw string) ([]decimal.Decimal, error) {
	parts := strings.Split(raw, ",")
	steps := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("bad milestone step %q: %w", p, err)
		}
		if !d.IsPositive() {
			return nil, fmt.Errorf("milestone step %s must be positive", d)
		}
		steps = append(steps, d)
	}
	return steps, nil
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
