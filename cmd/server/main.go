package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/acceptance"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/position"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

const migrationFile = "001_init.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var (
		g      geo.Geo
		checks []func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rc.Close() })
		g = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("geo index: redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		g = geo.NewIndex()
		logger.Info("geo index: in-memory")
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, func() { _ = ps.Close() })
		if cfg.RunMigrations {
			if err := migrate(ctx, ps.DB(), logger); err != nil {
				return err
			}
		}
		checks = append(checks, ps.DB().PingContext)
		store = ps
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set; rides and bookings are kept in memory")
	}

	hub := dispatch.NewHub(logger)
	closers = append(closers, hub.CloseAll)
	var notifier dispatch.Notifier = hub
	if cfg.FCMEndpoint != "" {
		notifier = dispatch.NewPushDispatcher(hub, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey), logger)
	}

	var posOpts []position.Option
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, func() { _ = kp.Close() })
		posOpts = append(posOpts, position.WithPublisher(kp))
	}
	switch {
	case cfg.GoogleMapsAPIKey != "":
		gr, err := eta.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		posOpts = append(posOpts, position.WithRouter(gr))
	case cfg.OSRMURL != "":
		posOpts = append(posOpts, position.WithRouter(eta.NewOSRMClient(cfg.OSRMURL)))
	}
	positions := position.NewService(g, store, notifier, logger, position.Config{
		MinInterval: cfg.PositionMinInterval,
		RouteTTL:    cfg.RouteCacheTTL,
	}, posOpts...)
	closers = append(closers, positions.Close)

	reg := registry.New(cfg.RequestTTL,
		registry.WithTombstone(cfg.TombstoneTTL),
		registry.WithExpiry(rides.ExpiryNotifier(notifier, logger)))
	closers = append(closers, reg.Close)

	engine := pricing.NewEngine(pricing.Config{
		RatePerSeatPerKm:   cfg.RatePerSeatPerKm,
		FallbackDistanceKm: cfg.FallbackDistanceKm,
		MaxMultiplier:      cfg.SurgeMaxMultiplier,
		Sensitivity:        cfg.SurgeSensitivity,
		PeakFactor:         cfg.SurgePeakFactor,
		Zones:              cfg.SurgeZones,
	})
	m := &matcher.Service{
		Geo:      g,
		Vehicles: store,
		Weights: matcher.Weights{
			AvgSpeedKmh:    cfg.AvgSpeedKmh,
			DistanceWeight: cfg.DistanceWeight,
			ETAWeight:      cfg.ETAWeight,
		},
		DefaultRadiusKm: cfg.DispatchRadiusKm,
		DefaultMax:      cfg.MaxCandidates,
	}
	coord := &acceptance.Coordinator{
		Requests: reg,
		Geo:      g,
		Store:    store,
		Pricing:  engine,
		Notifier: notifier,
		Binder:   positions,
		Logger:   logger,
	}
	if cfg.StripeAPIKey != "" {
		coord.Payments = payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency)
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Rides: &rides.Service{
			Matcher:   m,
			Requests:  reg,
			Pricing:   engine,
			Notifier:  notifier,
			Logger:    logger,
			RadiusKm:  cfg.DispatchRadiusKm,
			MaxCands:  cfg.MaxCandidates,
			NotifyTop: cfg.NotifyTopN,
		},
		Claims:    coord,
		Positions: positions,
		Hub:       hub,
		Auth:      auth.NewVerifier(cfg.JWTSecret),
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// migrate applies migrations/001_init.sql.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	b, err := os.ReadFile(filepath.Join("migrations", migrationFile))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("migration exec: %w", err)
	}
	logger.Info("migration applied", "file", migrationFile)
	return nil
}
