// Package config loads process-wide CGR configuration from the environment,
// applying the same plain os.Getenv-with-defaults style used throughout the
// runtime rather than an external configuration library.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

var anchorPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Config holds runtime configuration for every CGR component.
type Config struct {
	Port     string
	LogLevel string

	ConstitutionalAnchor string

	JWTSecret string

	DatabaseURL   string
	LedgerBackend string // "redis" | "postgres" | "sqlite"
	SQLitePath    string // used when LedgerBackend == "sqlite"

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ImpactThreshold  float64
	SnapshotInterval int
	LedgerBatchSize  int
	LedgerQueueCap   int
	RetentionTTL     time.Duration
	AnchorBackend    string // "none" | "s3"; cmd/cgr logs any other value as unsupported
	AnchorBucket     string
	AnchorRegion     string
	AnchorEndpoint   string
	AnchorPrefix     string

	DefaultEscalationTimeoutMinutes int
	MaxEscalations                  int
	EscalationPollInterval          time.Duration
	WarningThresholdPct             float64

	ApprovalChainFile string // optional YAML file of named approval chains; empty uses the built-in default

	OTLPEndpoint string // OTLP gRPC collector address; empty disables stage tracing/metrics export

	PipelineTimeout  time.Duration
	SanitizeTimeout  time.Duration
	GovernTimeout    time.Duration
	SandboxTimeout   time.Duration
	VerifyTimeout    time.Duration

	ShadowMode bool
}

// Load reads configuration from the environment, applying documented
// defaults. It does not validate the constitutional anchor — callers use
// cfg.ValidateAnchor for that.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "INFO"),

		ConstitutionalAnchor: getEnv("CGR_CONSTITUTIONAL_ANCHOR", "0000000000000000"),

		JWTSecret: getEnv("CGR_JWT_SECRET", ""),

		DatabaseURL:   getEnv("DATABASE_URL", "postgres://cgr@localhost:5433/cgr?sslmode=disable"),
		LedgerBackend: getEnv("CGR_LEDGER_BACKEND", "redis"),
		SQLitePath:    getEnv("CGR_SQLITE_PATH", "cgr_ledger.db"),

		RedisAddr:     getEnv("CGR_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("CGR_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("CGR_REDIS_DB", 0),

		ImpactThreshold:  getEnvFloat("CGR_IMPACT_THRESHOLD", 0.8),
		SnapshotInterval: getEnvInt("CGR_SNAPSHOT_INTERVAL", 100),
		LedgerBatchSize:  getEnvInt("CGR_LEDGER_BATCH_SIZE", 100),
		LedgerQueueCap:   getEnvInt("CGR_LEDGER_QUEUE_CAP", 10000),
		RetentionTTL:     getEnvDuration("CGR_RETENTION_TTL", 30*24*time.Hour),
		AnchorBackend:    getEnv("CGR_ANCHOR_BACKEND", "none"),
		AnchorBucket:     getEnv("CGR_ANCHOR_BUCKET", ""),
		AnchorRegion:     getEnv("CGR_ANCHOR_REGION", "us-east-1"),
		AnchorEndpoint:   getEnv("CGR_ANCHOR_ENDPOINT", ""),
		AnchorPrefix:     getEnv("CGR_ANCHOR_PREFIX", "checkpoints/"),

		DefaultEscalationTimeoutMinutes: getEnvInt("CGR_DEFAULT_ESCALATION_TIMEOUT_MINUTES", 30),
		MaxEscalations:                  getEnvInt("CGR_MAX_ESCALATIONS", 3),
		EscalationPollInterval:          getEnvDuration("CGR_ESCALATION_POLL_INTERVAL", 5*time.Second),
		WarningThresholdPct:             getEnvFloat("CGR_WARNING_THRESHOLD_PCT", 0.75),

		ApprovalChainFile: getEnv("CGR_APPROVAL_CHAIN_FILE", ""),

		OTLPEndpoint: getEnv("CGR_OTLP_ENDPOINT", ""),

		PipelineTimeout: getEnvDuration("CGR_PIPELINE_TIMEOUT", 15*time.Second),
		SanitizeTimeout: getEnvDuration("CGR_SANITIZE_TIMEOUT", 1*time.Second),
		GovernTimeout:   getEnvDuration("CGR_GOVERN_TIMEOUT", 5*time.Second),
		SandboxTimeout:  getEnvDuration("CGR_SANDBOX_TIMEOUT", 10*time.Second),
		VerifyTimeout:   getEnvDuration("CGR_VERIFY_TIMEOUT", 2*time.Second),

		ShadowMode: getEnv("SHADOW_MODE", "") == "true",
	}
}

// ValidateAnchor checks that the configured anchor is well-formed.
func (c *Config) ValidateAnchor() error {
	if !anchorPattern.MatchString(c.ConstitutionalAnchor) {
		return fmt.Errorf("CGR_CONSTITUTIONAL_ANCHOR %q is not 16 lowercase hex characters", c.ConstitutionalAnchor)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
