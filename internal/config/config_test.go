package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := fromEnv()
	if err != nil {
		t.Fatalf("defaults should load cleanly: %v", err)
	}
	if cfg.Match.MaxReserveAttempts != 5 || cfg.Match.Workers != 4 {
		t.Fatalf("unexpected match defaults %+v", cfg.Match)
	}
	if cfg.KafkaEventsTopic != "ride-events" || cfg.RedisGeoKey != "drivers_geo" {
		t.Fatalf("unexpected topic/key defaults %+v", cfg)
	}
}

func TestOverridesFromEnv(t *testing.T) {
	t.Setenv("MATCH_WORKERS", "8")
	t.Setenv("MATCH_TIMEOUT", "45s")
	t.Setenv("MATCH_MAX_PICKUP_DISTANCE_M", "2500")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := fromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Match.Workers != 8 || cfg.Match.Timeout != 45*time.Second || cfg.Match.MaxPickupDistance != 2500 {
		t.Fatalf("overrides not applied: %+v", cfg.Match)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.CORSOrigins) != 1 || !cfg.RunMigrations {
		t.Fatalf("unexpected cors/migrate %+v", cfg)
	}
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("MATCH_TIMEOUT", "soon")
	t.Setenv("MATCH_WORKERS", "0")
	_, err := fromEnv()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "MATCH_TIMEOUT") || !strings.Contains(msg, "MATCH_WORKERS") {
		t.Fatalf("expected both problems reported, got %q", msg)
	}
}
