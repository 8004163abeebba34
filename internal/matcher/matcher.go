package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// VehicleSource is the part of storage.Store discovery needs.
type VehicleSource interface {
	VehiclesForDrivers(ctx context.Context, driverIDs []string) (map[string][]models.Vehicle, error)
}

type Query struct {
	Pickup   models.Coord
	Seats    int
	RadiusKm float64
	Max      int
}

// Scoring weights. Score is 1/(1 + DistanceWeight*km + ETAWeight*minutes).
type Weights struct {
	AvgSpeedKmh    float64
	DistanceWeight float64
	ETAWeight      float64
}

func DefaultWeights() Weights {
	return Weights{AvgSpeedKmh: 30, DistanceWeight: 1, ETAWeight: 0.5}
}

type Service struct {
	Geo             geo.Geo
	Vehicles        VehicleSource
	Weights         Weights
	DefaultRadiusKm float64
	DefaultMax      int
}

func (s *Service) defaults(q Query) Query {
	if q.RadiusKm <= 0 {
		q.RadiusKm = s.DefaultRadiusKm
		if q.RadiusKm <= 0 {
			q.RadiusKm = 10
		}
	}
	if q.Max <= 0 {
		q.Max = s.DefaultMax
		if q.Max <= 0 {
			q.Max = 10
		}
	}
	return q
}

// Discover returns eligible drivers near the pickup, best first. An empty
// result is not an error.
func (s *Service) Discover(ctx context.Context, q Query) ([]models.DriverCandidate, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	q = s.defaults(q)
	if q.Seats <= 0 {
		return nil, models.Validationf("seats must be positive")
	}
	near, err := s.Geo.Nearby(ctx, q.Pickup, q.RadiusKm, 0)
	if err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}
	if len(near) == 0 {
		return []models.DriverCandidate{}, nil
	}
	ids := make([]string, 0, len(near))
	for _, n := range near {
		ids = append(ids, n.Driver.ID)
	}
	vehicles, err := s.Vehicles.VehiclesForDrivers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("driver vehicles: %w", err)
	}

	w := s.Weights
	out := make([]models.DriverCandidate, 0, len(near))
	for _, n := range near {
		// recheck: an index may hand back stale entries
		if !n.Driver.Available || n.DistanceKm > q.RadiusKm {
			continue
		}
		v, ok := BestFit(vehicles[n.Driver.ID], q.Seats)
		if !ok {
			continue
		}
		etaMin := eta.EstimateMinutes(n.DistanceKm, w.AvgSpeedKmh)
		out = append(out, models.DriverCandidate{
			DriverID:        n.Driver.ID,
			Location:        n.Driver.Loc,
			VehicleID:       v.ID,
			VehicleCapacity: v.Capacity,
			DistanceKm:      n.DistanceKm,
			ETAMinutes:      etaMin,
			Score:           1 / (1 + w.DistanceWeight*n.DistanceKm + w.ETAWeight*etaMin),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.DriverID < b.DriverID
	})
	if len(out) > q.Max {
		out = out[:q.Max]
	}
	return out, nil
}

// CountAvailable is the supply figure for surge pricing.
func (s *Service) CountAvailable(ctx context.Context, center models.Coord, radiusKm float64) (int, error) {
	if radiusKm <= 0 {
		radiusKm = s.defaults(Query{}).RadiusKm
	}
	near, err := s.Geo.Nearby(ctx, center, radiusKm, 0)
	if err != nil {
		return 0, fmt.Errorf("nearby drivers: %w", err)
	}
	return len(near), nil
}

// BestFit picks the smallest vehicle whose capacity strictly exceeds seats.
func BestFit(vs []models.Vehicle, seats int) (models.Vehicle, bool) {
	var best models.Vehicle
	found := false
	for _, v := range vs {
		if !v.Fits(seats) {
			continue
		}
		if !found || v.Capacity < best.Capacity || (v.Capacity == best.Capacity && v.ID < best.ID) {
			best, found = v, true
		}
	}
	return best, found
}
