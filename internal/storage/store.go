package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// Store defines the durable operations dispatch depends on.
type Store interface {
	VehiclesForDrivers(ctx context.Context, driverIDs []string) (map[string][]models.Vehicle, error)
	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
	UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord, available bool) error
	// CommitAssignment creates the ride and the booking atomically.
	CommitAssignment(ctx context.Context, c models.RideCommit) (models.Assignment, error)
	AttachPaymentHold(ctx context.Context, bookingID, holdID string) error
}

const (
	RideScheduled    = "scheduled"
	BookingConfirmed = "confirmed"
)

type driverRow struct {
	loc       models.Coord
	available bool
	updated   time.Time
}

type rideRow struct {
	id             string
	driverID       string
	vehicleID      string
	pickup         models.Coord
	destination    models.Destination
	departureAt    time.Time
	availableSeats int
	status         string
}

type bookingRow struct {
	id              string
	rideID          string
	requestID       string
	passengerID     string
	seats           int
	fare            float64
	status          string
	paymentIntentID string
}

// MemoryStore is the in-process Store used by tests and local runs without PG_DSN.
type MemoryStore struct {
	mu       sync.RWMutex
	drivers  map[string]driverRow
	vehicles map[string][]models.Vehicle
	rides    map[string]rideRow
	bookings map[string]bookingRow
	// one booking per request
	byRequest map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drivers:   make(map[string]driverRow),
		vehicles:  make(map[string][]models.Vehicle),
		rides:     make(map[string]rideRow),
		bookings:  make(map[string]bookingRow),
		byRequest: make(map[string]string),
	}
}

// AddVehicle registers a vehicle for its driver.
func (m *MemoryStore) AddVehicle(v models.Vehicle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.DriverID] = append(m.vehicles[v.DriverID], v)
}

func (m *MemoryStore) VehiclesForDrivers(_ context.Context, driverIDs []string) (map[string][]models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]models.Vehicle, len(driverIDs))
	for _, id := range driverIDs {
		if vs := m.vehicles[id]; len(vs) > 0 {
			cp := make([]models.Vehicle, len(vs))
			copy(cp, vs)
			sort.Slice(cp, func(i, j int) bool { return cp[i].ID < cp[j].ID })
			out[id] = cp
		}
	}
	return out, nil
}

func (m *MemoryStore) SetDriverAvailability(_ context.Context, driverID string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[driverID]
	d.available = available
	d.updated = time.Now()
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, driverID string, loc models.Coord, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driverID] = driverRow{loc: loc, available: available, updated: time.Now()}
	return nil
}

func (m *MemoryStore) CommitAssignment(_ context.Context, c models.RideCommit) (models.Assignment, error) {
	if c.AvailableSeats() < 0 {
		return models.Assignment{}, fmt.Errorf("%w: %w", models.ErrDurableCommit, models.ErrCapacity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byRequest[c.RequestID]; dup {
		return models.Assignment{}, fmt.Errorf("%w: booking already exists for %s", models.ErrDurableCommit, c.RequestID)
	}
	ride := rideRow{
		id:             "ride_" + uuid.NewString(),
		driverID:       c.DriverID,
		vehicleID:      c.Vehicle.ID,
		pickup:         c.Pickup,
		destination:    c.Destination,
		departureAt:    c.DepartureAt,
		availableSeats: c.AvailableSeats(),
		status:         RideScheduled,
	}
	booking := bookingRow{
		id:          "bk_" + uuid.NewString(),
		rideID:      ride.id,
		requestID:   c.RequestID,
		passengerID: c.PassengerID,
		seats:       c.Seats,
		fare:        c.FinalFare,
		status:      BookingConfirmed,
	}
	m.rides[ride.id] = ride
	m.bookings[booking.id] = booking
	m.byRequest[c.RequestID] = booking.id
	return assignmentFrom(c, ride.id, booking.id), nil
}

func (m *MemoryStore) AttachPaymentHold(_ context.Context, bookingID, holdID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return models.ErrNotFound
	}
	b.paymentIntentID = holdID
	m.bookings[bookingID] = b
	return nil
}

// DriverAvailable reports the last persisted availability of a driver.
func (m *MemoryStore) DriverAvailable(driverID string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	return d.available, ok
}

// Bookings returns how many bookings were committed for a request.
func (m *MemoryStore) Bookings(requestID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.byRequest[requestID]; ok {
		return 1
	}
	return 0
}

// RideSeats returns the remaining seats on a committed ride.
func (m *MemoryStore) RideSeats(rideID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	return r.availableSeats, ok
}

func assignmentFrom(c models.RideCommit, rideID, bookingID string) models.Assignment {
	return models.Assignment{
		RequestID:   c.RequestID,
		BookingID:   bookingID,
		RideID:      rideID,
		DriverID:    c.DriverID,
		PassengerID: c.PassengerID,
		VehicleID:   c.Vehicle.ID,
		Pickup:      c.Pickup,
		Destination: c.Destination,
		DistanceKm:  c.DistanceKm,
		FinalFare:   c.FinalFare,
	}
}
