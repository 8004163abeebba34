// Package pricing computes trip fares and the surge multiplier applied to them.
package pricing

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Zone raises the multiplier for requests picked up inside it.
type Zone struct {
	Name     string
	Center   models.Coord
	RadiusKm float64
	Factor   float64
}

type Config struct {
	RatePerSeatPerKm   float64
	FallbackDistanceKm float64
	MaxMultiplier      float64
	Sensitivity        float64
	PeakFactor         float64
	Zones              []Zone
}

func DefaultConfig() Config {
	return Config{
		RatePerSeatPerKm:   1.5,
		FallbackDistanceKm: 10,
		MaxMultiplier:      3.0,
		Sensitivity:        0.25,
		PeakFactor:         1.2,
	}
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxMultiplier < 1 {
		cfg.MaxMultiplier = 1
	}
	if cfg.PeakFactor < 1 {
		cfg.PeakFactor = 1
	}
	return &Engine{cfg: cfg}
}

// SurgeMultiplier maps demand and supply near a pickup to a multiplier in
// [1, MaxMultiplier]. For a fixed time and location it never decreases as
// demand/supply grows.
func (e *Engine) SurgeMultiplier(demand, supply int, at time.Time, loc models.Coord) float64 {
	if supply < 1 {
		supply = 1
	}
	if demand < 0 {
		demand = 0
	}
	ratio := float64(demand) / float64(supply)
	m := 1 + math.Max(0, ratio-1)*e.cfg.Sensitivity
	if IsPeakHour(at) {
		m *= e.cfg.PeakFactor
	}
	m *= e.zoneFactor(loc)
	return Round2(math.Min(math.Max(m, 1), e.cfg.MaxMultiplier))
}

func (e *Engine) zoneFactor(loc models.Coord) float64 {
	f := 1.0
	for _, z := range e.cfg.Zones {
		if z.Factor > f && geo.DistanceKm(loc, z.Center) <= z.RadiusKm {
			f = z.Factor
		}
	}
	return f
}

// ApplySurge returns base*m rounded to cents.
func ApplySurge(base, m float64) float64 {
	return Round2(base * m)
}

func (e *Engine) BaseFare(distanceKm float64, seats int) float64 {
	return Round2(e.cfg.RatePerSeatPerKm * distanceKm * float64(seats))
}

// TripDistanceKm is the pickup->destination distance, or the configured
// fallback when the destination has no coordinates.
func (e *Engine) TripDistanceKm(pickup models.Coord, dest models.Destination) float64 {
	if c, ok := dest.Coord(); ok {
		return geo.DistanceKm(pickup, c)
	}
	return e.cfg.FallbackDistanceKm
}

// IsPeakHour is true 07:00-10:00 and 17:00-20:00 in at's location.
func IsPeakHour(at time.Time) bool {
	h := at.Hour()
	return (h >= 7 && h < 10) || (h >= 17 && h < 20)
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
