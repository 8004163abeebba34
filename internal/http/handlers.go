package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/acceptance"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
)

type RideRequester interface {
	RequestRide(ctx context.Context, in rides.Input) (rides.Result, error)
}

type Claimer interface {
	Claim(ctx context.Context, c acceptance.Claim) (models.Assignment, error)
}

type PositionUpdater interface {
	Update(ctx context.Context, u models.PositionUpdate) (bool, error)
}

type Deps struct {
	Rides     RideRequester
	Claims    Claimer
	Positions PositionUpdater
	Hub       *dispatch.Hub
	Auth      *auth.Verifier // nil disables auth
	Ready     func(ctx context.Context) error
	Logger    *slog.Logger
}

type Server struct {
	rides     RideRequester
	claims    Claimer
	positions PositionUpdater
	hub       *dispatch.Hub
	auth      *auth.Verifier
	ready     func(ctx context.Context) error
	logger    *slog.Logger
	validate  *validator.Validate
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		rides:     d.Rides,
		claims:    d.Claims,
		positions: d.Positions,
		hub:       d.Hub,
		auth:      d.Auth,
		ready:     d.Ready,
		logger:    d.Logger,
		validate:  newValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// mobile clients send no Origin; browsers are gated by the token
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type rideRequestBody struct {
	PassengerID    string   `json:"passenger_id" validate:"required"`
	SourceLat      *float64 `json:"source_lat" validate:"required,latitude"`
	SourceLon      *float64 `json:"source_lon" validate:"required,longitude"`
	Destination    string   `json:"destination" validate:"required"`
	DestinationLat *float64 `json:"destination_lat" validate:"omitempty,latitude"`
	DestinationLon *float64 `json:"destination_lon" validate:"omitempty,longitude"`
	Date           string   `json:"date" validate:"required,datetime=2006-01-02"`
	Time           string   `json:"time" validate:"required,datetime=15:04"`
	NumberOfPeople *int     `json:"number_of_people" validate:"omitempty,min=1,max=8"`
}

type rideRequestResponse struct {
	RequestID           string    `json:"request_id"`
	DriversNotified     []string  `json:"drivers_notified"`
	SurgeMultiplier     float64   `json:"surge_multiplier"`
	BaseFare            float64   `json:"base_fare"`
	FinalFare           float64   `json:"final_fare"`
	EstimatedETAMinutes float64   `json:"estimated_eta_minutes"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := s.readAndValidate(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.auth.Enabled() {
		status, err := s.authorize(r, body.PassengerID)
		if err != nil {
			writeError(w, status, err)
			return
		}
	}
	departure, err := time.ParseInLocation("2006-01-02 15:04", body.Date+" "+body.Time, time.Local)
	if err != nil {
		writeError(w, http.StatusBadRequest, models.Validationf("date/time: %v", err))
		return
	}
	in := rides.Input{
		PassengerID: body.PassengerID,
		Pickup:      models.Coord{Lat: *body.SourceLat, Lon: *body.SourceLon},
		Destination: models.Destination{Name: body.Destination, Lat: body.DestinationLat, Lon: body.DestinationLon},
		DepartureAt: departure,
		Seats:       1,
	}
	if body.NumberOfPeople != nil {
		in.Seats = *body.NumberOfPeople
	}

	res, err := s.rides.RequestRide(r.Context(), in)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNoDrivers):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no drivers available", "drivers_notified": []string{}})
		return
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
		return
	default:
		s.logger.Error("ride request failed", "request_id", requestIDFromContext(r.Context()), "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, rideRequestResponse{
		RequestID:           res.Request.ID,
		DriversNotified:     res.Request.Notified,
		SurgeMultiplier:     res.Request.SurgeMultiplier,
		BaseFare:            res.Request.BaseFare,
		FinalFare:           res.Request.FinalFare,
		EstimatedETAMinutes: res.EstimatedETAMinutes,
		ExpiresAt:           res.Request.ExpiresAt,
	})
}

type locationBody struct {
	DriverID  string   `json:"driver_id" validate:"required"`
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lon       *float64 `json:"lon" validate:"required,longitude"`
	RideID    string   `json:"ride_id"`
	Available *bool    `json:"available"`
}

// handleDriverLocation is the HTTP twin of driver_update_position for
// drivers without a socket, e.g. background location services.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := s.readAndValidate(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.auth.Enabled() {
		if status, err := s.authorize(r, body.DriverID); err != nil {
			writeError(w, status, err)
			return
		}
	}
	accepted, err := s.positions.Update(r.Context(), models.PositionUpdate{
		DriverID:  body.DriverID,
		Loc:       models.Coord{Lat: *body.Lat, Lon: *body.Lon},
		RideID:    body.RideID,
		Available: body.Available,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.Error("position update failed", "driver_id", body.DriverID, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	if !accepted {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// authorize checks the bearer token subject against the acting user id.
func (s *Server) authorize(r *http.Request, userID string) (int, error) {
	tok, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return http.StatusUnauthorized, err
	}
	claims, err := s.auth.Verify(tok)
	if err != nil {
		return http.StatusUnauthorized, err
	}
	if claims.Subject != userID {
		return http.StatusForbidden, errors.New("token does not match user")
	}
	return 0, nil
}
