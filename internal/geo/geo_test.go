package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(12.0, 77.0, 13.0, 77.0)
	if math.Abs(d-111.19) > 0.1 {
		t.Fatalf("expected ~111.19km, got %f", d)
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	a := models.Coord{Lat: 12.90, Lon: 77.60}
	b := models.Coord{Lat: 12.95, Lon: 77.65}
	if DistanceKm(a, b) != DistanceKm(b, a) {
		t.Fatal("distance should be symmetric")
	}
}

func TestIndexNearbyFiltersRadiusAndAvailability(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 12.90, Lon: 77.60}
	_ = idx.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 12.905, Lon: 77.60}, Available: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "busy", Loc: models.Coord{Lat: 12.901, Lon: 77.60}, Available: false})
	_ = idx.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 13.10, Lon: 77.60}, Available: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "mid", Loc: models.Coord{Lat: 12.92, Lon: 77.60}, Available: true})

	got, err := idx.Nearby(ctx, center, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 drivers, got %d", len(got))
	}
	if got[0].Driver.ID != "near" || got[1].Driver.ID != "mid" {
		t.Fatalf("unexpected order: %s, %s", got[0].Driver.ID, got[1].Driver.ID)
	}

	got, _ = idx.Nearby(ctx, center, 10, 1)
	if len(got) != 1 {
		t.Fatalf("limit not applied, got %d", len(got))
	}
}

func TestIndexSetAvailable(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Driver{ID: "d1", Available: true})
	if err := idx.SetAvailable(ctx, "d1", false); err != nil {
		t.Fatal(err)
	}
	if d, _ := idx.Get("d1"); d.Available {
		t.Fatal("expected driver to be unavailable")
	}
	if err := idx.SetAvailable(ctx, "ghost", false); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
