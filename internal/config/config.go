package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	DatabaseURL string

	// Step infrastructure invoker (serverless function gateway).
	InvokerURL     string
	InvokerTimeout time.Duration

	// Object storage for deployment artifacts and audit exports.
	ArtifactBucket string
	ArtifactPrefix string

	// Audit compliance stream.
	KafkaBrokers []string
	AuditTopic   string

	// Auth.
	JWTSecret       string
	AllowDebugActor bool

	AnalyticsInterval time.Duration
}

const (
	defaultAddr              = ":8072"
	defaultInvokerTimeout    = 60 * time.Second
	defaultAnalyticsInterval = 5 * time.Minute
	defaultAuditTopic        = "cortex.audit"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:              getEnv("ORCH_ADDR", defaultAddr),
		DatabaseURL:       firstNonEmpty(os.Getenv("ORCH_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		InvokerURL:        os.Getenv("ORCH_INVOKER_URL"),
		InvokerTimeout:    getDuration("ORCH_INVOKER_TIMEOUT", defaultInvokerTimeout),
		ArtifactBucket:    os.Getenv("ORCH_ARTIFACT_BUCKET"),
		ArtifactPrefix:    getEnv("ORCH_ARTIFACT_PREFIX", "deployments"),
		KafkaBrokers:      splitNonEmpty(os.Getenv("ORCH_KAFKA_BROKERS")),
		AuditTopic:        getEnv("ORCH_AUDIT_TOPIC", defaultAuditTopic),
		JWTSecret:         os.Getenv("ORCH_JWT_SECRET"),
		AllowDebugActor:   getBool("ORCH_ALLOW_DEBUG_ACTOR", false),
		AnalyticsInterval: getDuration("ORCH_ANALYTICS_INTERVAL", defaultAnalyticsInterval),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or ORCH_DATABASE_URL required")
	}
	if cfg.JWTSecret == "" && !cfg.AllowDebugActor {
		return Config{}, fmt.Errorf("ORCH_JWT_SECRET required unless ORCH_ALLOW_DEBUG_ACTOR=true")
	}
	if os.Getenv("ORCH_ENV") == "production" && cfg.AllowDebugActor {
		return Config{}, fmt.Errorf("ORCH_ALLOW_DEBUG_ACTOR=true is forbidden in production")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
