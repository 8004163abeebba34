package rides

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type recorder struct {
	mu      sync.Mutex
	drivers map[string][]string
	pax     map[string][]string
	offers  map[string]dispatch.Event
}

func newRecorder() *recorder {
	return &recorder{drivers: map[string][]string{}, pax: map[string][]string{}, offers: map[string]dispatch.Event{}}
}

func (r *recorder) NotifyDriver(_ context.Context, id string, ev dispatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[id] = append(r.drivers[id], ev.Name)
	if ev.Name == dispatch.EventNewRideRequest {
		r.offers[id] = ev
	}
	return nil
}

func (r *recorder) offer(id string) (dispatch.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.offers[id]
	return ev, ok
}

func (r *recorder) NotifyPassenger(_ context.Context, id string, ev dispatch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pax[id] = append(r.pax[id], ev.Name)
	return nil
}

func (r *recorder) driverEvents(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.drivers[id]...)
}

func (r *recorder) passengerEvents(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.pax[id]...)
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var noon = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, ttl time.Duration) (*Service, *registry.Registry, *recorder, *geo.Index, *storage.MemoryStore) {
	t.Helper()
	idx := geo.NewIndex()
	store := storage.NewMemoryStore()
	rec := newRecorder()
	reg := registry.New(ttl, registry.WithExpiry(ExpiryNotifier(rec, discard())))
	t.Cleanup(reg.Close)
	m := &matcher.Service{Geo: idx, Vehicles: store, Weights: matcher.DefaultWeights()}
	s := &Service{
		Matcher:   m,
		Requests:  reg,
		Pricing:   pricing.NewEngine(pricing.DefaultConfig()),
		Notifier:  rec,
		Logger:    discard(),
		RadiusKm:  10,
		MaxCands:  10,
		NotifyTop: 2,
		Now:       func() time.Time { return noon },
	}
	return s, reg, rec, idx, store
}

func addDriver(idx *geo.Index, store *storage.MemoryStore, id string, lat float64, capacity int) {
	_ = idx.Upsert(context.Background(), models.Driver{ID: id, Loc: models.Coord{Lat: lat, Lon: 77.60}, Available: true})
	store.AddVehicle(models.Vehicle{ID: "v-" + id, DriverID: id, Capacity: capacity})
}

func input(seats int) Input {
	return Input{
		PassengerID: "P1",
		Pickup:      models.Coord{Lat: 12.90, Lon: 77.60},
		Destination: models.Destination{Name: "Airport"},
		DepartureAt: noon.Add(time.Hour),
		Seats:       seats,
	}
}

func TestRequestRideNotifiesTopCandidates(t *testing.T) {
	s, reg, rec, idx, store := setup(t, time.Minute)
	addDriver(idx, store, "D1", 12.9045, 4)
	addDriver(idx, store, "D2", 12.918, 2)
	addDriver(idx, store, "D3", 12.91, 6)
	addDriver(idx, store, "D4", 12.92, 6)

	res, err := s.RequestRide(context.Background(), input(2))
	if err != nil {
		t.Fatal(err)
	}
	got := res.Request.Notified
	if len(got) != 2 || got[0] != "D1" || got[1] != "D3" {
		t.Fatalf("unexpected notified set %v", got)
	}
	if len(rec.driverEvents("D1")) != 1 || len(rec.driverEvents("D2")) != 0 || len(rec.driverEvents("D4")) != 0 {
		t.Fatal("only the top candidates should be offered the ride")
	}
	if res.Request.Status != models.StatusPending || reg.Pending() != 1 {
		t.Fatal("expected one pending request")
	}
	// fallback distance 10km * 2 seats * 1.5
	if res.Request.BaseFare != 30 {
		t.Fatalf("unexpected base fare %v", res.Request.BaseFare)
	}
	if res.Request.FinalFare != pricing.ApplySurge(res.Request.BaseFare, res.Request.SurgeMultiplier) {
		t.Fatal("final fare must be base fare with surge applied")
	}
	if res.EstimatedETAMinutes <= 0 {
		t.Fatal("expected an eta estimate")
	}
}

func TestRequestRideNoDrivers(t *testing.T) {
	s, reg, _, idx, store := setup(t, time.Minute)
	addDriver(idx, store, "D2", 12.918, 2)

	_, err := s.RequestRide(context.Background(), input(2))
	if !errors.Is(err, models.ErrNoDrivers) || !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected no drivers error, got %v", err)
	}
	if reg.Pending() != 0 {
		t.Fatal("no registry entry should be created")
	}
}

func TestRequestRideValidation(t *testing.T) {
	s, _, _, _, _ := setup(t, time.Minute)
	in := input(1)
	in.PassengerID = ""
	in.Destination.Name = ""
	if _, err := s.RequestRide(context.Background(), in); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRequestRideExpiresOnce(t *testing.T) {
	s, _, rec, idx, store := setup(t, 30*time.Millisecond)
	addDriver(idx, store, "D1", 12.9045, 4)

	if _, err := s.RequestRide(context.Background(), input(1)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.passengerEvents("P1")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expiry notice never sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	evs := rec.passengerEvents("P1")
	if len(evs) != 1 || evs[0] != dispatch.EventRequestExpired {
		t.Fatalf("expected exactly one expiry notice, got %v", evs)
	}
	d1 := rec.driverEvents("D1")
	if len(d1) != 2 || d1[1] != dispatch.EventRequestExpired {
		t.Fatalf("driver should be told the offer expired, got %v", d1)
	}
}

func TestSurgeRisesWithPendingDemand(t *testing.T) {
	s, _, _, idx, store := setup(t, time.Minute)
	addDriver(idx, store, "D1", 12.9045, 4)

	var last float64
	for i := 0; i < 6; i++ {
		res, err := s.RequestRide(context.Background(), input(1))
		if err != nil {
			t.Fatal(err)
		}
		if res.Request.SurgeMultiplier < last {
			t.Fatalf("surge dropped from %v to %v", last, res.Request.SurgeMultiplier)
		}
		last = res.Request.SurgeMultiplier
	}
	if last <= 1 {
		t.Fatalf("expected surge with 6 pending requests and one driver, got %v", last)
	}
}

func TestOfferPayloadCarriesFareAndScore(t *testing.T) {
	s, _, rec, idx, store := setup(t, time.Minute)
	addDriver(idx, store, "D1", 12.9045, 4)

	res, err := s.RequestRide(context.Background(), input(2))
	if err != nil {
		t.Fatal(err)
	}
	ev, ok := rec.offer("D1")
	if !ok {
		t.Fatal("D1 received no offer")
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var envelope struct {
		Event string                     `json:"event"`
		Data  map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Event != "new_ride_request" {
		t.Fatalf("unexpected event name %q", envelope.Event)
	}
	for _, key := range []string{"request_id", "pickup", "destination", "seats", "base_fare", "surge_multiplier", "final_fare", "driver_score", "eta_minutes", "distance_km"} {
		if _, ok := envelope.Data[key]; !ok {
			t.Errorf("offer is missing %q", key)
		}
	}

	var offer struct {
		Data struct {
			BaseFare    float64 `json:"base_fare"`
			DriverScore float64 `json:"driver_score"`
			DistanceKm  float64 `json:"distance_km"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &offer); err != nil {
		t.Fatal(err)
	}
	data := offer.Data
	if data.BaseFare != res.Request.BaseFare || data.BaseFare <= 0 {
		t.Fatalf("base_fare = %v, want %v", data.BaseFare, res.Request.BaseFare)
	}
	if data.DriverScore <= 0 || data.DriverScore > 1 {
		t.Fatalf("driver_score out of range: %v", data.DriverScore)
	}
	if data.DistanceKm < 0.4 || data.DistanceKm > 0.6 {
		t.Fatalf("distance_km = %v, want about 0.5", data.DistanceKm)
	}
}
