// Package rides turns a passenger's trip request into a priced, pending
// ride request offered to the best nearby drivers.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
)

type Discoverer interface {
	Discover(ctx context.Context, q matcher.Query) ([]models.DriverCandidate, error)
	CountAvailable(ctx context.Context, center models.Coord, radiusKm float64) (int, error)
}

// Requests is the registry surface used when creating requests.
type Requests interface {
	Create(req models.RideRequest) (models.RideRequest, error)
	PendingNear(center models.Coord, radiusKm float64) int
}

type Input struct {
	PassengerID string
	Pickup      models.Coord
	Destination models.Destination
	DepartureAt time.Time
	Seats       int
}

type Result struct {
	Request             models.RideRequest
	EstimatedETAMinutes float64
}

type Service struct {
	Matcher   Discoverer
	Requests  Requests
	Pricing   *pricing.Engine
	Notifier  dispatch.Notifier
	Logger    *slog.Logger
	RadiusKm  float64
	MaxCands  int
	NotifyTop int
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RequestRide prices the trip, registers a pending request and offers it to
// the top candidates. It returns models.ErrNoDrivers when nobody qualifies;
// no request is registered in that case.
func (s *Service) RequestRide(ctx context.Context, in Input) (Result, error) {
	if err := validate(in); err != nil {
		observability.RideRequestsTotal.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	if in.Seats == 0 {
		in.Seats = 1
	}
	logger := s.Logger.With("passenger_id", in.PassengerID)

	cands, err := s.Matcher.Discover(ctx, matcher.Query{Pickup: in.Pickup, Seats: in.Seats, RadiusKm: s.RadiusKm, Max: s.MaxCands})
	if err != nil {
		observability.RideRequestsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("discover drivers: %w", err)
	}
	if len(cands) == 0 {
		observability.RideRequestsTotal.WithLabelValues("no_drivers").Inc()
		logger.Info("no eligible drivers", "pickup_lat", in.Pickup.Lat, "pickup_lon", in.Pickup.Lon, "seats", in.Seats)
		return Result{}, models.ErrNoDrivers
	}

	demand := s.Requests.PendingNear(in.Pickup, s.RadiusKm) + 1
	supply, err := s.Matcher.CountAvailable(ctx, in.Pickup, s.RadiusKm)
	if err != nil {
		logger.Warn("supply count failed, assuming candidates only", "err", err)
		supply = len(cands)
	}
	now := s.now()
	m := s.Pricing.SurgeMultiplier(demand, supply, now, in.Pickup)
	distance := s.Pricing.TripDistanceKm(in.Pickup, in.Destination)
	base := s.Pricing.BaseFare(distance, in.Seats)
	observability.SurgeMultiplier.Observe(m)

	top := cands
	if s.NotifyTop > 0 && len(top) > s.NotifyTop {
		top = top[:s.NotifyTop]
	}
	notified := make([]string, 0, len(top))
	for _, c := range top {
		notified = append(notified, c.DriverID)
	}

	req, err := s.Requests.Create(models.RideRequest{
		ID:              "rr_" + uuid.NewString(),
		PassengerID:     in.PassengerID,
		Pickup:          in.Pickup,
		Destination:     in.Destination,
		Seats:           in.Seats,
		DepartureAt:     in.DepartureAt,
		Notified:        notified,
		BaseFare:        base,
		SurgeMultiplier: m,
		FinalFare:       pricing.ApplySurge(base, m),
		CreatedAt:       now,
	})
	if err != nil {
		observability.RideRequestsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("register ride request: %w", err)
	}
	logger = logger.With("ride_request_id", req.ID)
	logger.Info("ride request created",
		"drivers_notified", len(notified), "surge_multiplier", m, "demand", demand, "supply", supply)

	for _, c := range top {
		ev := dispatch.Event{Name: dispatch.EventNewRideRequest, Data: dispatch.NewRideRequest{
			RequestID:       req.ID,
			PassengerID:     req.PassengerID,
			Pickup:          req.Pickup,
			Destination:     req.Destination,
			Seats:           req.Seats,
			DepartureAt:     req.DepartureAt,
			DistanceKm:      c.DistanceKm,
			ETAMinutes:      c.ETAMinutes,
			DriverScore:     c.Score,
			VehicleID:       c.VehicleID,
			BaseFare:        req.BaseFare,
			SurgeMultiplier: req.SurgeMultiplier,
			FinalFare:       req.FinalFare,
			ExpiresAt:       req.ExpiresAt,
		}}
		if err := s.Notifier.NotifyDriver(ctx, c.DriverID, ev); err != nil {
			logger.Warn("offer delivery failed", "driver_id", c.DriverID, "err", err)
		}
	}
	observability.RideRequestsTotal.WithLabelValues("created").Inc()
	return Result{Request: req, EstimatedETAMinutes: top[0].ETAMinutes}, nil
}

// ExpiryNotifier tells the passenger and every notified driver that a
// request timed out.
func ExpiryNotifier(n dispatch.Notifier, logger *slog.Logger) func(models.RideRequest) {
	return func(req models.RideRequest) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l := logger.With("ride_request_id", req.ID)
		l.Info("ride request expired")
		ev := dispatch.Event{Name: dispatch.EventRequestExpired, Data: dispatch.Notice{
			RequestID: req.ID,
			Reason:    "expired",
			Message:   "no driver accepted the ride request in time",
		}}
		if err := n.NotifyPassenger(ctx, req.PassengerID, ev); err != nil {
			l.Warn("expiry notice to passenger failed", "passenger_id", req.PassengerID, "err", err)
		}
		dispatch.NotifyDrivers(ctx, n, l, req.Notified, "", ev)
	}
}

func validate(in Input) error {
	var errs []error
	if in.PassengerID == "" {
		errs = append(errs, models.Validationf("passenger_id is required"))
	}
	if in.Pickup.Lat < -90 || in.Pickup.Lat > 90 || in.Pickup.Lon < -180 || in.Pickup.Lon > 180 {
		errs = append(errs, models.Validationf("pickup coordinates out of range"))
	}
	if in.Destination.Name == "" {
		errs = append(errs, models.Validationf("destination is required"))
	}
	if (in.Destination.Lat == nil) != (in.Destination.Lon == nil) {
		errs = append(errs, models.Validationf("destination_lat and destination_lon go together"))
	}
	if in.Seats < 0 {
		errs = append(errs, models.Validationf("number_of_people must be positive"))
	}
	return errors.Join(errs...)
}
