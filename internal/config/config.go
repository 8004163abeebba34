package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
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

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	DispatchRadiusKm   float64
	MaxCandidates      int
	NotifyTopN         int
	RequestTTL         time.Duration
	TombstoneTTL       time.Duration
	AvgSpeedKmh        float64
	DistanceWeight     float64
	ETAWeight          float64
	RatePerSeatPerKm   float64
	FallbackDistanceKm float64
	SurgeMaxMultiplier float64
	SurgeSensitivity   float64
	SurgePeakFactor    float64
	SurgeZones         []pricing.Zone

	PositionMinInterval time.Duration
	RouteCacheTTL       time.Duration
	OSRMURL             string
	GoogleMapsAPIKey    string

	FCMEndpoint string
	FCMKey      string

	StripeAPIKey   string
	StripeCurrency string

	JWTSecret string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		LogLevel:        "info",

		DispatchRadiusKm:   10,
		MaxCandidates:      10,
		NotifyTopN:         5,
		RequestTTL:         60 * time.Second,
		TombstoneTTL:       2 * time.Minute,
		AvgSpeedKmh:        30,
		DistanceWeight:     1,
		ETAWeight:          0.5,
		RatePerSeatPerKm:   1.5,
		FallbackDistanceKm: 10,
		SurgeMaxMultiplier: 3.0,
		SurgeSensitivity:   0.25,
		SurgePeakFactor:    1.2,

		PositionMinInterval: 2 * time.Second,
		RouteCacheTTL:       10 * time.Second,
		StripeCurrency:      "usd",
	}
}

func LoadServerConfig() (ServerConfig, error) {
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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setIntFromEnv(&cfg.NotifyTopN, "DISPATCH_NOTIFY_TOP_N", &errs)
	setDurationFromEnv(&cfg.RequestTTL, "DISPATCH_REQUEST_TTL", &errs)
	setDurationFromEnv(&cfg.TombstoneTTL, "DISPATCH_TOMBSTONE_TTL", &errs)
	setFloatFromEnv(&cfg.AvgSpeedKmh, "MATCHER_AVG_SPEED_KMH", &errs)
	setFloatFromEnv(&cfg.DistanceWeight, "MATCHER_DISTANCE_WEIGHT", &errs)
	setFloatFromEnv(&cfg.ETAWeight, "MATCHER_ETA_WEIGHT", &errs)

	setFloatFromEnv(&cfg.RatePerSeatPerKm, "PRICING_RATE_PER_SEAT_KM", &errs)
	setFloatFromEnv(&cfg.FallbackDistanceKm, "PRICING_FALLBACK_DISTANCE_KM", &errs)
	setFloatFromEnv(&cfg.SurgeMaxMultiplier, "SURGE_MAX_MULTIPLIER", &errs)
	setFloatFromEnv(&cfg.SurgeSensitivity, "SURGE_SENSITIVITY", &errs)
	setFloatFromEnv(&cfg.SurgePeakFactor, "SURGE_PEAK_FACTOR", &errs)
	if v := strings.TrimSpace(os.Getenv("SURGE_ZONES")); v != "" {
		zones, err := parseZones(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SURGE_ZONES: %w", err))
		}
		cfg.SurgeZones = zones
	}

	setDurationFromEnv(&cfg.PositionMinInterval, "POSITION_MIN_INTERVAL", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setStringFromEnv(&cfg.GoogleMapsAPIKey, "GOOGLE_MAPS_API_KEY")

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMKey, "FCM_KEY")

	setStringFromEnv(&cfg.StripeAPIKey, "STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	setStringFromEnv(&cfg.JWTSecret, "AUTH_JWT_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if cfg.NotifyTopN <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_NOTIFY_TOP_N must be > 0"))
	}
	if cfg.RequestTTL <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_REQUEST_TTL must be > 0"))
	}
	if cfg.TombstoneTTL < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TOMBSTONE_TTL must be >= 0"))
	}
	if cfg.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_AVG_SPEED_KMH must be > 0"))
	}
	if cfg.SurgeMaxMultiplier < 1 {
		errs = append(errs, fmt.Errorf("SURGE_MAX_MULTIPLIER must be >= 1"))
	}
	if cfg.SurgeSensitivity < 0 {
		errs = append(errs, fmt.Errorf("SURGE_SENSITIVITY must be >= 0"))
	}
	if cfg.PositionMinInterval <= 0 {
		errs = append(errs, fmt.Errorf("POSITION_MIN_INTERVAL must be > 0"))
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

// parseZones reads "name:lat:lon:radius_km:factor" entries separated by ';'.
func parseZones(v string) ([]pricing.Zone, error) {
	var zones []pricing.Zone
	for _, raw := range strings.Split(v, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("zone %q: want name:lat:lon:radius_km:factor", raw)
		}
		var nums [4]float64
		for i, p := range parts[1:] {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", raw, err)
			}
			nums[i] = f
		}
		z := pricing.Zone{
			Name:     strings.TrimSpace(parts[0]),
			Center:   models.Coord{Lat: nums[0], Lon: nums[1]},
			RadiusKm: nums[2],
			Factor:   nums[3],
		}
		switch {
		case z.Center.Lat < -90 || z.Center.Lat > 90 || z.Center.Lon < -180 || z.Center.Lon > 180:
			return nil, fmt.Errorf("zone %q: coordinates out of range", raw)
		case z.RadiusKm <= 0:
			return nil, fmt.Errorf("zone %q: radius must be > 0", raw)
		case z.Factor < 1:
			return nil, fmt.Errorf("zone %q: factor must be >= 1", raw)
		}
		zones = append(zones, z)
	}
	return zones, nil
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

// ConsumerConfig drives cmd/consumer, which folds the location topic into
// the Redis geo index.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroup:    "ride-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}
