package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaLocationsTopic string
	KafkaGroup          string

	PGDSN string

	Match MatchConfig

	LocationRetention time.Duration
	PruneInterval     time.Duration
	EventBuffer       int

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	StripeAPIKey   string
	StripeCurrency string

	PushEndpoint string
	PushKey      string

	JWTSecret   string
	CORSOrigins []string

	LogLevel      string
	RunMigrations bool
}

// MatchConfig is the dispatch policy. Everything here is tunable because
// tie-breaking and timeouts are product decisions, not invariants.
type MatchConfig struct {
	Workers            int
	MaxReserveAttempts int
	// Timeout is how long a ride may wait for a driver before the rider is
	// told no drivers are nearby.
	Timeout           time.Duration
	RetryInterval     time.Duration
	MaxPickupDistance float64
	CommitAttempts    int
	CommitBackoff     time.Duration
}

func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		Workers:            4,
		MaxReserveAttempts: 5,
		Timeout:            2 * time.Minute,
		RetryInterval:      5 * time.Second,
		CommitAttempts:     3,
		CommitBackoff:      100 * time.Millisecond,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaEventsTopic:    "ride-events",
		KafkaLocationsTopic: "driver-locations",
		KafkaGroup:          "ride-dispatch",
		Match:               DefaultMatchConfig(),
		LocationRetention:   7 * 24 * time.Hour,
		PruneInterval:       time.Hour,
		EventBuffer:         64,
		ETACacheTTL:         30 * time.Second,
		DefaultSpeedMps:     10,
		StripeCurrency:      "usd",
		CORSOrigins:         []string{"*"},
		LogLevel:            "info",
	}
}

// LoadServerConfig reads a .env file when one exists, then the environment.
func LoadServerConfig() (ServerConfig, error) {
	var errs []error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("load .env: %w", err))
	}
	cfg, err := fromEnv()
	return cfg, errors.Join(append(errs, err)...)
}

func fromEnv() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setIntFromEnv(&cfg.Match.Workers, "MATCH_WORKERS", &errs)
	setIntFromEnv(&cfg.Match.MaxReserveAttempts, "MATCH_MAX_RESERVE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Match.Timeout, "MATCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Match.RetryInterval, "MATCH_RETRY_INTERVAL", &errs)
	setFloatFromEnv(&cfg.Match.MaxPickupDistance, "MATCH_MAX_PICKUP_DISTANCE_M", &errs)
	setIntFromEnv(&cfg.Match.CommitAttempts, "COMMIT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Match.CommitBackoff, "COMMIT_BACKOFF", &errs)

	setDurationFromEnv(&cfg.LocationRetention, "LOCATION_RETENTION", &errs)
	setDurationFromEnv(&cfg.PruneInterval, "PRUNE_INTERVAL", &errs)
	setIntFromEnv(&cfg.EventBuffer, "EVENT_BUFFER", &errs)

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	cfg.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Match.Workers <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_WORKERS must be > 0"))
	}
	if cfg.Match.MaxReserveAttempts <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_RESERVE_ATTEMPTS must be > 0"))
	}
	if cfg.Match.CommitAttempts <= 0 {
		errs = append(errs, fmt.Errorf("COMMIT_ATTEMPTS must be > 0"))
	}
	if cfg.Match.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RETRY_INTERVAL must be > 0"))
	}
	if cfg.Match.MaxPickupDistance < 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_PICKUP_DISTANCE_M must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
