// Package acceptance turns a driver's accept into a committed ride and
// booking, and tells everyone involved how it went.
package acceptance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/position"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

// Requests is the registry surface the coordinator needs.
type Requests interface {
	Get(requestID string) (models.RideRequest, bool)
	TryAccept(requestID, driverID string) (models.RideRequest, error)
	NoteTaken(requestID, driverID string) bool
}

// Binder is the position service surface. Reserve pins a driver unavailable
// while its claim is being committed; Bind and Release end the reservation.
type Binder interface {
	Reserve(driverID string)
	Release(driverID string)
	Bind(driverID string, b position.Binding)
}

type PaymentHolder interface {
	Hold(ctx context.Context, h payments.Hold) (string, error)
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Claim struct {
	RequestID string `json:"request_id"`
	DriverID  string `json:"driver_id"`
	VehicleID string `json:"vehicle_id,omitempty"`
}

const commitFailedMessage = "could not confirm ride; please request again"

type Coordinator struct {
	Requests Requests
	Geo      geo.Geo
	Store    storage.Store
	Pricing  *pricing.Engine
	Notifier dispatch.Notifier
	Binder   Binder        // optional
	Payments PaymentHolder // optional
	Logger   *slog.Logger
}

// Claim resolves one driver's attempt to accept a pending request. A nil
// error means this driver won and the assignment is durable.
func (c *Coordinator) Claim(ctx context.Context, cl Claim) (models.Assignment, error) {
	logger := c.Logger.With("ride_request_id", cl.RequestID, "driver_id", cl.DriverID)

	req, ok := c.Requests.Get(cl.RequestID)
	if !ok {
		err := &registry.ClaimError{RequestID: cl.RequestID, Reason: registry.ReasonNotFound}
		c.reject(ctx, logger, cl, err)
		return models.Assignment{}, err
	}

	// cheap prechecks; TryAccept re-checks under the registry lock
	switch {
	case !req.WasNotified(cl.DriverID):
		err := &registry.ClaimError{RequestID: cl.RequestID, Reason: registry.ReasonNotEligible}
		c.reject(ctx, logger, cl, err)
		return models.Assignment{}, err
	case req.Status != models.StatusPending:
		err := &registry.ClaimError{RequestID: cl.RequestID, Reason: registry.ReasonAlreadyTaken}
		c.reject(ctx, logger, cl, err)
		return models.Assignment{}, err
	}

	// a refused vehicle leaves the request pending
	vehicle, err := c.pickVehicle(ctx, cl, req.Seats)
	if err != nil {
		c.reject(ctx, logger, cl, err)
		return models.Assignment{}, err
	}

	req, err = c.Requests.TryAccept(cl.RequestID, cl.DriverID)
	if err != nil {
		c.reject(ctx, logger, cl, err)
		return models.Assignment{}, err
	}
	logger.Info("ride request accepted", "vehicle_id", vehicle.ID)

	if c.Binder != nil {
		c.Binder.Reserve(cl.DriverID)
	}
	c.setAvailability(ctx, logger, cl.DriverID, false)

	distance := c.Pricing.TripDistanceKm(req.Pickup, req.Destination)
	base := c.Pricing.BaseFare(distance, req.Seats)
	commit := models.RideCommit{
		RequestID:       req.ID,
		DriverID:        cl.DriverID,
		PassengerID:     req.PassengerID,
		Vehicle:         vehicle,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		DepartureAt:     req.DepartureAt,
		Seats:           req.Seats,
		DistanceKm:      distance,
		BaseFare:        base,
		SurgeMultiplier: req.SurgeMultiplier,
		FinalFare:       pricing.ApplySurge(base, req.SurgeMultiplier),
	}
	assignment, err := c.Store.CommitAssignment(ctx, commit)
	if err != nil {
		return models.Assignment{}, c.commitFailed(ctx, logger, req, cl, err)
	}
	observability.ClaimsTotal.WithLabelValues("assigned").Inc()

	assigned := dispatch.Event{Name: dispatch.EventRideAssigned, Data: dispatch.RideAssigned{
		Assignment:      assignment,
		SurgeMultiplier: req.SurgeMultiplier,
	}}
	if err := c.Notifier.NotifyDriver(ctx, cl.DriverID, assigned); err != nil {
		logger.Warn("notify winner failed", "err", err)
	}
	if err := c.Notifier.NotifyPassenger(ctx, req.PassengerID, assigned); err != nil {
		logger.Warn("notify passenger failed", "passenger_id", req.PassengerID, "err", err)
	}
	c.notifyTaken(ctx, logger, req, cl.DriverID, "ride request was accepted by another driver")

	if c.Binder != nil {
		b := position.Binding{RideID: assignment.RideID, PassengerID: req.PassengerID}
		if dc, ok := req.Destination.Coord(); ok {
			b.Destination = &dc
		}
		c.Binder.Bind(cl.DriverID, b)
	}
	c.holdPayment(ctx, logger, assignment)
	return assignment, nil
}

func (c *Coordinator) pickVehicle(ctx context.Context, cl Claim, seats int) (models.Vehicle, error) {
	byDriver, err := c.Store.VehiclesForDrivers(ctx, []string{cl.DriverID})
	if err != nil {
		return models.Vehicle{}, fmt.Errorf("driver vehicles: %w", err)
	}
	vs := byDriver[cl.DriverID]
	if cl.VehicleID == "" {
		v, ok := matcher.BestFit(vs, seats)
		if !ok {
			return models.Vehicle{}, fmt.Errorf("%w: no vehicle seats %d passengers", models.ErrCapacity, seats)
		}
		return v, nil
	}
	for _, v := range vs {
		if v.ID != cl.VehicleID {
			continue
		}
		if !v.Fits(seats) {
			return models.Vehicle{}, fmt.Errorf("%w: vehicle %s capacity %d for %d seats", models.ErrCapacity, v.ID, v.Capacity, seats)
		}
		return v, nil
	}
	return models.Vehicle{}, models.Validationf("vehicle %s does not belong to driver %s", cl.VehicleID, cl.DriverID)
}

// reject tells the driver why the claim failed. Losing the race is a
// ride_request_taken notice, anything else is ride_accept_error.
func (c *Coordinator) reject(ctx context.Context, logger *slog.Logger, cl Claim, err error) {
	name := dispatch.EventAcceptError
	result := "error"
	reason := ""
	var ce *registry.ClaimError
	switch {
	case errors.As(err, &ce):
		reason = string(ce.Reason)
		result = reason
		if ce.Reason == registry.ReasonAlreadyTaken {
			name = dispatch.EventRequestTaken
			// the reply goes out regardless; marking keeps the fan-out from repeating it
			c.Requests.NoteTaken(cl.RequestID, cl.DriverID)
		}
	case errors.Is(err, models.ErrCapacity):
		reason, result = "capacity", "capacity"
	case errors.Is(err, models.ErrValidation):
		reason, result = "invalid_vehicle", "invalid_vehicle"
	}
	observability.ClaimsTotal.WithLabelValues(result).Inc()
	logger.Info("claim rejected", "reason", reason, "err", err)

	ev := dispatch.Event{Name: name, Data: dispatch.Notice{RequestID: cl.RequestID, Reason: reason, Message: err.Error()}}
	if nerr := c.Notifier.NotifyDriver(ctx, cl.DriverID, ev); nerr != nil {
		logger.Warn("notify rejected driver failed", "err", nerr)
	}
}

// commitFailed keeps the request ACCEPTED (transitions never go back), frees
// the driver and tells both sides to start over.
func (c *Coordinator) commitFailed(ctx context.Context, logger *slog.Logger, req models.RideRequest, cl Claim, err error) error {
	observability.ClaimsTotal.WithLabelValues("commit_failed").Inc()
	logger.Error("durable commit failed", "err", err)
	if c.Binder != nil {
		c.Binder.Release(cl.DriverID)
	}
	c.setAvailability(ctx, logger, cl.DriverID, true)

	notice := dispatch.Notice{RequestID: req.ID, Reason: "commit_failed", Message: commitFailedMessage}
	if nerr := c.Notifier.NotifyDriver(ctx, cl.DriverID, dispatch.Event{Name: dispatch.EventAcceptError, Data: notice}); nerr != nil {
		logger.Warn("notify driver failed", "err", nerr)
	}
	if nerr := c.Notifier.NotifyPassenger(ctx, req.PassengerID, dispatch.Event{Name: dispatch.EventRequestExpired, Data: notice}); nerr != nil {
		logger.Warn("notify passenger failed", "passenger_id", req.PassengerID, "err", nerr)
	}
	c.notifyTaken(ctx, logger, req, cl.DriverID, "ride request is no longer available")
	if errors.Is(err, models.ErrDurableCommit) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrDurableCommit, err)
}

// notifyTaken sends ride_request_taken to every notified driver except the
// claimer, at most once per driver.
func (c *Coordinator) notifyTaken(ctx context.Context, logger *slog.Logger, req models.RideRequest, claimer, message string) {
	ids := make([]string, 0, len(req.Notified))
	for _, id := range req.Notified {
		if id != claimer && c.Requests.NoteTaken(req.ID, id) {
			ids = append(ids, id)
		}
	}
	dispatch.NotifyDrivers(ctx, c.Notifier, logger, ids, claimer, dispatch.Event{
		Name: dispatch.EventRequestTaken,
		Data: dispatch.Notice{RequestID: req.ID, Reason: string(registry.ReasonAlreadyTaken), Message: message},
	})
}

func (c *Coordinator) setAvailability(ctx context.Context, logger *slog.Logger, driverID string, available bool) {
	if err := c.Geo.SetAvailable(ctx, driverID, available); err != nil {
		logger.Warn("geo availability update failed", "available", available, "err", err)
	}
	if err := c.Store.SetDriverAvailability(ctx, driverID, available); err != nil {
		logger.Warn("store availability update failed", "available", available, "err", err)
	}
}

func (c *Coordinator) holdPayment(ctx context.Context, logger *slog.Logger, a models.Assignment) {
	if c.Payments == nil {
		return
	}
	id, err := c.Payments.Hold(ctx, payments.Hold{
		BookingID:   a.BookingID,
		RequestID:   a.RequestID,
		PassengerID: a.PassengerID,
		Fare:        a.FinalFare,
	})
	if err != nil {
		logger.Warn("payment hold failed", "booking_id", a.BookingID, "err", err)
		return
	}
	if err := c.Store.AttachPaymentHold(ctx, a.BookingID, id); err != nil {
		logger.Warn("attach payment hold failed", "booking_id", a.BookingID, "err", err)
		if cerr := c.Payments.Cancel(ctx, id); cerr != nil {
			logger.Error("release payment hold failed", "payment_intent_id", id, "err", cerr)
		}
	}
}
