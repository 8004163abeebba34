package dispatch

import (
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

// Realtime event names carried in the envelope.
const (
	EventDriverRegister  = "driver_register"
	EventUserRegister    = "user_register"
	EventRegistered      = "registered"
	EventNewRideRequest  = "new_ride_request"
	EventDriverAccept    = "driver_accept_ride"
	EventRideAssigned    = "ride_assigned"
	EventAcceptError     = "ride_accept_error"
	EventRequestTaken    = "ride_request_taken"
	EventRequestExpired  = "ride_request_expired"
	EventDriverUpdatePos = "driver_update_position"
	EventDriverPosition  = "driver:position"
	EventError           = "error"
)

// Event is the envelope for every realtime message in both directions.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

type NewRideRequest struct {
	RequestID       string             `json:"request_id"`
	PassengerID     string             `json:"passenger_id"`
	Pickup          models.Coord       `json:"pickup"`
	Destination     models.Destination `json:"destination"`
	Seats           int                `json:"seats"`
	DepartureAt     time.Time          `json:"departure_at"`
	DistanceKm      float64            `json:"distance_km"` // driver to pickup
	ETAMinutes      float64            `json:"eta_minutes"`
	DriverScore     float64            `json:"driver_score"`
	VehicleID       string             `json:"vehicle_id"`
	BaseFare        float64            `json:"base_fare"`
	SurgeMultiplier float64            `json:"surge_multiplier"`
	FinalFare       float64            `json:"final_fare"`
	ExpiresAt       time.Time          `json:"expires_at"`
}

type RideAssigned struct {
	models.Assignment
	SurgeMultiplier float64 `json:"surge_multiplier"`
}

// Notice carries accept errors, taken and expired notifications.
type Notice struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message"`
}

type DriverPosition struct {
	DriverID string     `json:"driver_id"`
	RideID   string     `json:"ride_id"`
	Lat      float64    `json:"lat"`
	Lon      float64    `json:"lon"`
	TS       time.Time  `json:"ts"`
	Route    *eta.Route `json:"route,omitempty"`
}

type Registered struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}
