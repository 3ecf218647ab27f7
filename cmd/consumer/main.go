// Command consumer projects the ride-events topic into Redis hashes so
// read-heavy clients can poll ride status without touching the dispatch
// service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// finishedTTL bounds how long a terminal ride stays in the projection.
const finishedTTL = 24 * time.Hour

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projection_messages_consumed_total",
		Help: "Total ride event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projection_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projection_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "projection_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel).With("component", "projection")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	redisAddr := cfg.RedisAddr
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	group := cfg.KafkaGroup + "-projection"

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: cfg.KafkaEventsTopic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("projection consuming", "topic", cfg.KafkaEventsTopic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down projection")
				return
			}
			logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev models.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RideID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid ride event", "offset", m.Offset, "error", err)
			continue
		}
		if ev.Type == models.EventNoDriver {
			continue
		}

		if err := updateRideStatusWithRetry(ctx, radapter, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "ride_id", ev.RideID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// RedisUpdater is the subset of redis used by the projection.
type RedisUpdater interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

func (r *redisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.c.Expire(ctx, key, ttl).Err()
}

func rideKey(id string) string { return "ride:status:" + id }

func projection(ev models.Event) map[string]interface{} {
	v := map[string]interface{}{
		"status":     string(ev.NewStatus),
		"rider_id":   ev.RiderID,
		"updated_at": ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.DriverID != "" {
		v["driver_id"] = ev.DriverID
	}
	if ev.ETASeconds != nil {
		v["eta_seconds"] = *ev.ETASeconds
	}
	return v
}

// updateRideStatusWithRetry writes the ride's projection, retrying with
// doubling delay. Terminal rides get a TTL.
func updateRideStatusWithRetry(ctx context.Context, rc RedisUpdater, ev models.Event, attempts int, delay time.Duration) error {
	key := rideKey(ev.RideID)
	values := projection(ev)
	var err error
	for i := 0; i < attempts; i++ {
		if err = rc.HSet(ctx, key, values); err == nil && ev.NewStatus.Terminal() {
			err = rc.Expire(ctx, key, finishedTTL)
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
