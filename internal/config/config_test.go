package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orchestrator")
	t.Setenv("ORCH_JWT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8072" {
		t.Fatalf("addr = %s", cfg.Addr)
	}
	if cfg.AuditTopic != "cortex.audit" {
		t.Fatalf("topic = %s", cfg.AuditTopic)
	}
	if cfg.InvokerTimeout != 60*time.Second || cfg.AnalyticsInterval != 5*time.Minute {
		t.Fatalf("timeouts = %s/%s", cfg.InvokerTimeout, cfg.AnalyticsInterval)
	}
	if cfg.ArtifactPrefix != "deployments" {
		t.Fatalf("prefix = %s", cfg.ArtifactPrefix)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ORCH_DATABASE_URL", "")
	t.Setenv("ORCH_JWT_SECRET", "secret")

	if _, err := Load(); err == nil {
		t.Fatalf("missing database url must fail")
	}
}

func TestLoadRequiresAuthConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orchestrator")
	t.Setenv("ORCH_JWT_SECRET", "")
	t.Setenv("ORCH_ALLOW_DEBUG_ACTOR", "")

	if _, err := Load(); err == nil {
		t.Fatalf("no jwt secret and no debug actor must fail")
	}

	t.Setenv("ORCH_ALLOW_DEBUG_ACTOR", "true")
	if _, err := Load(); err != nil {
		t.Fatalf("debug actor mode: %v", err)
	}
}

func TestLoadForbidsDebugActorInProduction(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orchestrator")
	t.Setenv("ORCH_JWT_SECRET", "secret")
	t.Setenv("ORCH_ALLOW_DEBUG_ACTOR", "true")
	t.Setenv("ORCH_ENV", "production")

	if _, err := Load(); err == nil {
		t.Fatalf("debug actor in production must fail")
	}
}

func TestKafkaBrokersParsing(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/orchestrator")
	t.Setenv("ORCH_JWT_SECRET", "secret")
	t.Setenv("ORCH_KAFKA_BROKERS", "broker-1:9092, broker-2:9092,,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "broker-1:9092" || cfg.KafkaBrokers[1] != "broker-2:9092" {
		t.Fatalf("brokers = %v", cfg.KafkaBrokers)
	}
}
