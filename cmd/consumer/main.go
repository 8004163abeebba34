// Command consumer folds the driver position topic into the Redis geo index
// that the dispatch server reads during discovery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var positionsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ride_dispatch",
	Subsystem: "consumer",
	Name:      "positions_total",
	Help:      "Driver position messages by result (applied, invalid, stale, redis_error)",
}, []string{"result"})

func init() {
	prometheus.MustRegister(positionsHandled)
}

var errInvalidPosition = errors.New("invalid position message")

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()

	ops := serveOps(cfg.MetricsAddr, rc, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ops.Shutdown(shutdownCtx)
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	c := &consumer{
		redis:    &redisAdapter{c: rc},
		geoKey:   cfg.RedisGeoKey,
		attempts: cfg.RetryAttempts,
		delay:    cfg.RetryDelay,
		logger:   logger,
		seen:     make(map[string]time.Time),
	}
	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	c.run(ctx, reader)
	logger.Info("consumer stopped")
}

// serveOps exposes /metrics, /healthz and a Redis backed /ready check.
func serveOps(addr string, rc *redis.Client, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("ops server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server stopped", "err", err)
		}
	}()
	return srv
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

type consumer struct {
	redis    RedisUpdater
	geoKey   string
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	// last applied timestamp per driver; partitions are keyed by driver id
	// so this only guards against redelivery after a rebalance
	seen map[string]time.Time
}

func (c *consumer) run(ctx context.Context, r messageReader) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read error", "err", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		if err := c.handle(ctx, m); err != nil {
			c.logger.Warn("position not applied", "offset", m.Offset, "key", string(m.Key), "err", err)
		}
	}
}

// handle decodes one message and applies it to Redis. Stale updates for a
// driver are skipped.
func (c *consumer) handle(ctx context.Context, m kafka.Message) error {
	var u models.PositionUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil {
		positionsHandled.WithLabelValues("invalid").Inc()
		return errors.Join(errInvalidPosition, err)
	}
	if u.DriverID == "" {
		positionsHandled.WithLabelValues("invalid").Inc()
		return errInvalidPosition
	}
	if last, ok := c.seen[u.DriverID]; ok && !u.At.IsZero() && u.At.Before(last) {
		positionsHandled.WithLabelValues("stale").Inc()
		return nil
	}
	if err := updateRedisWithRetry(ctx, c.redis, c.geoKey, u, c.attempts, c.delay); err != nil {
		positionsHandled.WithLabelValues("redis_error").Inc()
		return err
	}
	if !u.At.IsZero() {
		c.seen[u.DriverID] = u.At
	}
	positionsHandled.WithLabelValues("applied").Inc()
	return nil
}

// RedisUpdater is the slice of go-redis the consumer writes through.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// metaFields mirrors the hash geo.RedisGeo reads back during discovery.
func metaFields(u models.PositionUpdate) map[string]interface{} {
	available := u.RideID == ""
	if u.Available != nil {
		available = *u.Available
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	return map[string]interface{}{
		"available": strconv.FormatBool(available),
		"updated":   at.UTC().Format(time.RFC3339),
	}
}

// updateRedisWithRetry writes the geo member and its meta hash, doubling the
// delay between attempts.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, u models.PositionUpdate, attempts int, delay time.Duration) error {
	write := func() error {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: u.Loc.Lon, Latitude: u.Loc.Lat, Name: u.DriverID}); err != nil {
			return err
		}
		return rc.HSet(ctx, geo.MetaKey(u.DriverID), metaFields(u))
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = write(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
