package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Geo is the driver location index used by discovery, acceptance and the
// position service.
type Geo interface {
	Upsert(ctx context.Context, d models.Driver) error
	SetAvailable(ctx context.Context, driverID string, available bool) error
	// Nearby returns available drivers within radiusKm ordered by distance.
	// limit <= 0 means no limit.
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error)
}

type Nearby struct {
	Driver     models.Driver
	DistanceKm float64
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.ErrNotFound
	}
	d.Available = available
	g.drivers[driverID] = d
	return nil
}

func (g *Index) Get(driverID string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	return d, ok
}

// naive scan; fine for a single-city index, RedisGeo covers the rest
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	out := make([]Nearby, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Available {
			continue
		}
		dist := DistanceKm(center, d.Loc)
		if dist > radiusKm {
			continue
		}
		out = append(out, Nearby{Driver: d, DistanceKm: dist})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in kilometers
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
