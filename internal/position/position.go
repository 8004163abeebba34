// Package position ingests driver location updates and forwards them to the
// passenger of the ride the driver is serving.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// LocationStore persists the last known driver location.
type LocationStore interface {
	UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord, available bool) error
}

type Publisher interface {
	PublishPosition(ctx context.Context, u models.PositionUpdate) error
}

// Binding ties a driver to the ride whose passenger receives its positions.
type Binding struct {
	RideID      string
	PassengerID string
	Destination *models.Coord
}

type Config struct {
	MinInterval  time.Duration
	RouteTTL     time.Duration
	RouteTimeout time.Duration
	// IdleAfter is how long a driver may stay silent before its throttle
	// state is dropped.
	IdleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{MinInterval: 2 * time.Second, RouteTTL: 10 * time.Second, RouteTimeout: 3 * time.Second, IdleAfter: 10 * time.Minute}
}

// driverState is the per-driver throttle plus the claim reservation.
// reserved is written with both mu and Service.mu held.
type driverState struct {
	mu       sync.Mutex // orders availability writes against Reserve
	limiter  *rate.Limiter
	lastSeen time.Time
	reserved bool
}

type Service struct {
	geo       geo.Geo
	store     LocationStore
	notifier  dispatch.Notifier
	publisher Publisher  // optional
	router    eta.Router // optional
	logger    *slog.Logger
	cfg       Config

	mu        sync.Mutex
	drivers   map[string]*driverState
	bindings  map[string]Binding
	lastSweep time.Time

	routes *eta.Cache[eta.Route]
	group  singleflight.Group
	wg     sync.WaitGroup
	closed bool
}

type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithRouter(r eta.Router) Option { return func(s *Service) { s.router = r } }

func NewService(g geo.Geo, store LocationStore, n dispatch.Notifier, logger *slog.Logger, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = def.RouteTTL
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = def.RouteTimeout
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.IdleAfter < cfg.MinInterval {
		cfg.IdleAfter = cfg.MinInterval
	}
	s := &Service{
		geo:       g,
		store:     store,
		notifier:  n,
		logger:    logger,
		cfg:       cfg,
		drivers:   make(map[string]*driverState),
		bindings:  make(map[string]Binding),
		lastSweep: time.Now(),
		routes:    eta.NewCache[eta.Route](cfg.RouteTTL),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reserve keeps driverID unavailable until Bind or Release. Position updates
// cannot raise availability in between.
func (s *Service) Reserve(driverID string) { s.setReserved(driverID, true) }

func (s *Service) Release(driverID string) { s.setReserved(driverID, false) }

func (s *Service) setReserved(driverID string, reserved bool) {
	st := s.state(driverID)
	st.mu.Lock()
	s.mu.Lock()
	st.reserved = reserved
	s.mu.Unlock()
	st.mu.Unlock()
}

// Bind replaces whatever ride driverID was previously bound to and clears
// any reservation.
func (s *Service) Bind(driverID string, b Binding) {
	st := s.state(driverID)
	st.mu.Lock()
	s.mu.Lock()
	s.bindings[driverID] = b
	st.reserved = false
	s.mu.Unlock()
	st.mu.Unlock()
}

func (s *Service) Unbind(driverID string) {
	s.mu.Lock()
	b, ok := s.bindings[driverID]
	delete(s.bindings, driverID)
	s.mu.Unlock()
	if ok {
		s.routes.Delete(b.RideID)
	}
}

func (s *Service) Binding(driverID string) (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[driverID]
	return b, ok
}

// state returns the driver's entry, creating it on first sight, and sweeps
// idle entries at most once per IdleAfter.
func (s *Service) state(driverID string) *driverState {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= s.cfg.IdleAfter {
		s.sweep(now)
	}
	st, ok := s.drivers[driverID]
	if !ok {
		st = &driverState{limiter: rate.NewLimiter(rate.Every(s.cfg.MinInterval), 1)}
		s.drivers[driverID] = st
	}
	st.lastSeen = now
	return st
}

// sweep drops idle drivers that hold no reservation or binding. Caller holds mu.
func (s *Service) sweep(now time.Time) {
	s.lastSweep = now
	for id, st := range s.drivers {
		if st.reserved || now.Sub(st.lastSeen) < s.cfg.IdleAfter {
			continue
		}
		if _, bound := s.bindings[id]; bound {
			continue
		}
		delete(s.drivers, id)
	}
}

func (s *Service) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.drivers)
}

// Update applies one driver position. It returns false when the update was
// dropped by the per-driver throttle.
func (s *Service) Update(ctx context.Context, u models.PositionUpdate) (bool, error) {
	if u.DriverID == "" {
		return false, models.Validationf("driver_id is required")
	}
	if !validCoord(u.Loc) {
		return false, models.Validationf("invalid coordinates %f,%f", u.Loc.Lat, u.Loc.Lon)
	}
	st := s.state(u.DriverID)
	if !st.limiter.Allow() {
		observability.PositionUpdatesTotal.WithLabelValues("throttled").Inc()
		return false, nil
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	logger := s.logger.With("driver_id", u.DriverID)

	// held across the writes so a concurrent Reserve lands after them
	st.mu.Lock()
	s.mu.Lock()
	b, bound := s.bindings[u.DriverID]
	reserved := st.reserved
	s.mu.Unlock()

	available := !bound && !reserved
	if u.Available != nil && !reserved {
		available = *u.Available
	}
	// a bound driver going available again has finished the ride
	finished := bound && available
	u.Available = &available
	if bound && u.RideID == "" {
		u.RideID = b.RideID
	}

	if err := s.geo.Upsert(ctx, models.Driver{ID: u.DriverID, Loc: u.Loc, Available: available, Updated: u.At}); err != nil {
		st.mu.Unlock()
		observability.PositionUpdatesTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("geo upsert: %w", err)
	}
	if err := s.store.UpdateDriverLocation(ctx, u.DriverID, u.Loc, available); err != nil {
		logger.Warn("persist driver location failed", "err", err)
	}
	st.mu.Unlock()

	if s.publisher != nil {
		if err := s.publisher.PublishPosition(ctx, u); err != nil {
			logger.Warn("publish driver location failed", "err", err)
		}
	}
	observability.PositionUpdatesTotal.WithLabelValues("accepted").Inc()

	if finished {
		s.Unbind(u.DriverID)
		return true, nil
	}
	if !bound {
		return true, nil
	}
	payload := dispatch.DriverPosition{DriverID: u.DriverID, RideID: b.RideID, Lat: u.Loc.Lat, Lon: u.Loc.Lon, TS: u.At}
	if r, ok := s.routes.Get(b.RideID); ok {
		payload.Route = &r
	} else if s.router != nil && b.Destination != nil {
		s.refreshRoute(b.RideID, u.Loc, *b.Destination)
	}
	if err := s.notifier.NotifyPassenger(ctx, b.PassengerID, dispatch.Event{Name: dispatch.EventDriverPosition, Data: payload}); err != nil {
		logger.Debug("position broadcast failed", "passenger_id", b.PassengerID, "err", err)
	}
	return true, nil
}

// refreshRoute fetches the route in the background; the broadcast that
// triggered it goes out without one.
func (s *Service) refreshRoute(rideID string, from, to models.Coord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_, err, _ := s.group.Do(rideID, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RouteTimeout)
			defer cancel()
			r, err := s.router.Route(ctx, from, to)
			if err != nil {
				return nil, err
			}
			s.routes.Set(rideID, r)
			return r, nil
		})
		if err != nil {
			s.logger.Warn("route enrichment skipped", "ride_id", rideID, "err", err)
		}
	}()
}

// Close waits for in-flight route fetches.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func validCoord(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}
