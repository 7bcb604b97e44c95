// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Bus selection: "memory" or "redis".
	BusBackend string
	RedisURL   string

	// Archive selection: "memory", "sql", "s3", or "gcs".
	ArchiveBackend string
	DatabaseURL    string
	S3Bucket       string
	GCSBucket      string
	RetentionDays  int
	RetentionMode  string

	// Policy bundle file loaded at startup.
	PolicyBundlePath string

	// Default roster file used when a start request names no participants.
	RosterPath string

	// Operator token verification for hold resolution.
	JWTSecret string

	// Timestamp authority endpoint; empty selects the local authority.
	TSAEndpoint string

	// Coordinator timing.
	HumanWindow      time.Duration
	VoteTimeout      time.Duration
	SessionRetention time.Duration

	// Agent capability endpoints, keyed by participant ID. Parsed from
	// AGENT_ENDPOINTS as "id=url,id=url".
	AgentEndpoints map[string]string

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:             envOr("PORT", "8080"),
		LogLevel:         envOr("LOG_LEVEL", "INFO"),
		BusBackend:       envOr("BUS_BACKEND", "memory"),
		RedisURL:         envOr("REDIS_URL", "redis://localhost:6379/0"),
		ArchiveBackend:   envOr("ARCHIVE_BACKEND", "memory"),
		DatabaseURL:      envOr("DATABASE_URL", "file:concord.db?mode=rwc"),
		S3Bucket:         os.Getenv("ARCHIVE_S3_BUCKET"),
		GCSBucket:        os.Getenv("ARCHIVE_GCS_BUCKET"),
		RetentionDays:    envInt("RETENTION_DAYS", 2555), // ~7 years
		RetentionMode:    envOr("RETENTION_MODE", "compliance"),
		PolicyBundlePath: os.Getenv("POLICY_BUNDLE"),
		RosterPath:       os.Getenv("ROSTER_PATH"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		TSAEndpoint:      os.Getenv("TSA_ENDPOINT"),
		HumanWindow:      envDuration("HUMAN_WINDOW", 15*time.Second),
		VoteTimeout:      envDuration("VOTE_TIMEOUT", 60*time.Second),
		SessionRetention: envDuration("SESSION_RETENTION", time.Hour),
		AgentEndpoints:   envMap("AGENT_ENDPOINTS"),
		OTLPEndpoint:     envOr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("TELEMETRY_ENABLED") == "true",
	}
	return cfg
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

func envMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k != "" && v != "" {
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return out
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
