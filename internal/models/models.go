package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Destination carries the passenger-supplied name; coordinates are optional.
type Destination struct {
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

// Coord returns the destination coordinates when both are known.
func (d Destination) Coord() (Coord, bool) {
	if d.Lat == nil || d.Lon == nil {
		return Coord{}, false
	}
	return Coord{Lat: *d.Lat, Lon: *d.Lon}, true
}

type Driver struct {
	ID        string    `json:"id"`
	Loc       Coord     `json:"loc"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}

type Vehicle struct {
	ID       string `json:"id"`
	DriverID string `json:"driver_id"`
	Capacity int    `json:"capacity"` // includes the driver's seat
}

// Fits reports whether the vehicle can carry seats passengers next to the driver.
func (v Vehicle) Fits(seats int) bool {
	return v.Capacity > seats
}

type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusAccepted RequestStatus = "ACCEPTED"
	StatusExpired  RequestStatus = "EXPIRED"
)

type RideRequest struct {
	ID              string        `json:"request_id"`
	PassengerID     string        `json:"passenger_id"`
	Pickup          Coord         `json:"pickup"`
	Destination     Destination   `json:"destination"`
	Seats           int           `json:"seats"`
	DepartureAt     time.Time     `json:"departure_at"`
	Notified        []string      `json:"drivers_notified"`
	Status          RequestStatus `json:"status"`
	BaseFare        float64       `json:"base_fare"`
	SurgeMultiplier float64       `json:"surge_multiplier"`
	FinalFare       float64       `json:"final_fare"`
	CreatedAt       time.Time     `json:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
	AcceptedBy      string        `json:"accepted_by,omitempty"`
}

// WasNotified reports whether driverID is in the notified set.
func (r RideRequest) WasNotified(driverID string) bool {
	for _, id := range r.Notified {
		if id == driverID {
			return true
		}
	}
	return false
}

type DriverCandidate struct {
	DriverID        string  `json:"driver_id"`
	Location        Coord   `json:"location"`
	VehicleID       string  `json:"vehicle_id"`
	VehicleCapacity int     `json:"vehicle_capacity"`
	DistanceKm      float64 `json:"distance_km"`
	ETAMinutes      float64 `json:"eta_minutes"`
	Score           float64 `json:"score"`
}

// RideCommit is everything the storage layer needs to create the ride and
// booking rows for an accepted request in one transaction.
type RideCommit struct {
	RequestID       string
	DriverID        string
	PassengerID     string
	Vehicle         Vehicle
	Pickup          Coord
	Destination     Destination
	DepartureAt     time.Time
	Seats           int
	DistanceKm      float64
	BaseFare        float64
	SurgeMultiplier float64
	FinalFare       float64
}

// AvailableSeats is what is left on the ride after the driver and this booking.
func (c RideCommit) AvailableSeats() int {
	return c.Vehicle.Capacity - 1 - c.Seats
}

type Assignment struct {
	RequestID   string      `json:"request_id"`
	BookingID   string      `json:"booking_id"`
	RideID      string      `json:"ride_id"`
	DriverID    string      `json:"driver_id"`
	PassengerID string      `json:"passenger_id"`
	VehicleID   string      `json:"vehicle_id"`
	Pickup      Coord       `json:"pickup"`
	Destination Destination `json:"destination"`
	DistanceKm  float64     `json:"distance_km"`
	FinalFare   float64     `json:"final_fare"`
}

type PositionUpdate struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	RideID    string    `json:"ride_id,omitempty"`
	Available *bool     `json:"available,omitempty"`
	At        time.Time `json:"at"`
}
