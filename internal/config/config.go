// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Backing services (all optional; in-memory fallbacks are used when unset)
	DatabaseURL  string
	RedisURL     string
	OTelEndpoint string

	// OTelSampleRatio is the fraction of new traces recorded.
	OTelSampleRatio float64

	// CORSAllowedOrigins is empty or ["*"] to allow any origin.
	CORSAllowedOrigins []string

	// IP reputation lists. Entries are addresses or CIDR prefixes.
	TrustedIPs     []string
	BlacklistedIPs []string
	WhitelistedIPs []string

	// Transfer limits
	LimitSingleTransaction decimal.Decimal
	LimitDaily             decimal.Decimal
	LimitMonthly           decimal.Decimal
	MaxTransfersPerDay     int

	// Risk and fraud policy
	RiskBlockThreshold    int
	RiskReviewThreshold   int
	FraudBlockLevel       string
	TransferMinRiskScore  int
	HighValueReviewAmount decimal.Decimal

	// Anti-bruteforce
	BruteforceMaxAttempts   int
	BruteforceWindow        time.Duration
	BruteforceBlockDuration time.Duration
}

// Defaults
const (
	DefaultPort                    = "8080"
	DefaultEnv                     = "development"
	DefaultLogLevel                = "info"
	DefaultLogFormat               = "json"
	DefaultLimitSingleTransaction  = "100000"
	DefaultLimitDaily              = "50000"
	DefaultLimitMonthly            = "500000"
	DefaultMaxTransfersPerDay      = 20
	DefaultRiskBlockThreshold      = 70
	DefaultRiskReviewThreshold     = 40
	DefaultFraudBlockLevel         = "CRITICAL"
	DefaultTransferMinRiskScore    = 70
	DefaultHighValueReviewAmount   = "50000"
	DefaultBruteforceMaxAttempts   = 5
	DefaultBruteforceWindow        = 15 * time.Minute
	DefaultBruteforceBlockDuration = 15 * time.Minute
	DefaultOTelSampleRatio         = 1.0
)

var fraudLevels = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		OTelEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelSampleRatio:         getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultOTelSampleRatio),
		CORSAllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		TrustedIPs:              getEnvList("TRUSTED_IPS"),
		BlacklistedIPs:          getEnvList("BLACKLISTED_IPS"),
		WhitelistedIPs:          getEnvList("WHITELISTED_IPS"),
		LimitSingleTransaction:  getEnvDecimal("LIMIT_SINGLE_TRANSACTION", DefaultLimitSingleTransaction),
		LimitDaily:              getEnvDecimal("LIMIT_DAILY", DefaultLimitDaily),
		LimitMonthly:            getEnvDecimal("LIMIT_MONTHLY", DefaultLimitMonthly),
		MaxTransfersPerDay:      int(getEnvInt64("LIMIT_MAX_TRANSFERS_PER_DAY", DefaultMaxTransfersPerDay)),
		RiskBlockThreshold:      int(getEnvInt64("RISK_BLOCK_THRESHOLD", DefaultRiskBlockThreshold)),
		RiskReviewThreshold:     int(getEnvInt64("RISK_REVIEW_THRESHOLD", DefaultRiskReviewThreshold)),
		FraudBlockLevel:         strings.ToUpper(getEnv("FRAUD_BLOCK_LEVEL", DefaultFraudBlockLevel)),
		TransferMinRiskScore:    int(getEnvInt64("TRANSFER_MIN_RISK_SCORE", DefaultTransferMinRiskScore)),
		HighValueReviewAmount:   getEnvDecimal("HIGH_VALUE_REVIEW_AMOUNT", DefaultHighValueReviewAmount),
		BruteforceMaxAttempts:   int(getEnvInt64("BRUTEFORCE_MAX_ATTEMPTS", DefaultBruteforceMaxAttempts)),
		BruteforceWindow:        getEnvDuration("BRUTEFORCE_WINDOW", DefaultBruteforceWindow),
		BruteforceBlockDuration: getEnvDuration("BRUTEFORCE_BLOCK_DURATION", DefaultBruteforceBlockDuration),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if !c.LimitSingleTransaction.IsPositive() || !c.LimitDaily.IsPositive() || !c.LimitMonthly.IsPositive() {
		return fmt.Errorf("transfer limits must be positive")
	}
	if c.MaxTransfersPerDay <= 0 {
		return fmt.Errorf("LIMIT_MAX_TRANSFERS_PER_DAY must be positive")
	}
	if c.RiskReviewThreshold < 0 || c.RiskBlockThreshold > 100 || c.RiskReviewThreshold >= c.RiskBlockThreshold {
		return fmt.Errorf("risk thresholds must satisfy 0 <= RISK_REVIEW_THRESHOLD < RISK_BLOCK_THRESHOLD <= 100")
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within 0..1")
	}
	if c.TransferMinRiskScore < 0 || c.TransferMinRiskScore > 100 {
		return fmt.Errorf("TRANSFER_MIN_RISK_SCORE must be within 0..100")
	}
	if !fraudLevels[c.FraudBlockLevel] {
		return fmt.Errorf("FRAUD_BLOCK_LEVEL must be one of LOW, MEDIUM, HIGH, CRITICAL")
	}
	if c.BruteforceMaxAttempts <= 0 || c.BruteforceWindow <= 0 || c.BruteforceBlockDuration <= 0 {
		return fmt.Errorf("bruteforce settings must be positive")
	}
	for name, list := range map[string][]string{
		"TRUSTED_IPS":     c.TrustedIPs,
		"BLACKLISTED_IPS": c.BlacklistedIPs,
		"WHITELISTED_IPS": c.WhitelistedIPs,
	} {
		for _, entry := range list {
			if !validIPEntry(entry) {
				return fmt.Errorf("%s: invalid entry %q", name, entry)
			}
		}
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

func validIPEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, err := netip.ParsePrefix(entry)
		return err == nil
	}
	_, err := netip.ParseAddr(entry)
	return err == nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
