package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/acceptance"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/position"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func newStack(t *testing.T) *httptest.Server {
	t.Helper()
	logger := discard()
	idx := geo.NewIndex()
	store := storage.NewMemoryStore()
	for _, d := range []struct {
		id  string
		lat float64
	}{{"D1", 12.9045}, {"D2", 12.918}} {
		_ = idx.Upsert(context.Background(), models.Driver{ID: d.id, Loc: models.Coord{Lat: d.lat, Lon: 77.60}, Available: true})
		store.AddVehicle(models.Vehicle{ID: "v-" + d.id, DriverID: d.id, Capacity: 4})
	}
	hub := dispatch.NewHub(logger)
	reg := registry.New(time.Minute, registry.WithTombstone(time.Minute), registry.WithExpiry(rides.ExpiryNotifier(hub, logger)))
	t.Cleanup(reg.Close)
	engine := pricing.NewEngine(pricing.DefaultConfig())
	positions := position.NewService(idx, store, hub, logger, position.DefaultConfig())
	t.Cleanup(positions.Close)

	srv := NewServer(Deps{
		Rides: &rides.Service{
			Matcher:   &matcher.Service{Geo: idx, Vehicles: store, Weights: matcher.DefaultWeights()},
			Requests:  reg,
			Pricing:   engine,
			Notifier:  hub,
			Logger:    logger,
			RadiusKm:  10,
			MaxCands:  10,
			NotifyTop: 5,
		},
		Claims: &acceptance.Coordinator{
			Requests: reg,
			Geo:      idx,
			Store:    store,
			Pricing:  engine,
			Notifier: hub,
			Binder:   positions,
			Logger:   logger,
		},
		Positions: positions,
		Hub:       hub,
		Logger:    logger,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatal(err)
	}
}

// expect reads until an event with the given name arrives.
func expect(t *testing.T, conn *websocket.Conn, name string) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev envelope
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if ev.Event == name {
			return ev
		}
	}
}

func register(t *testing.T, ts *httptest.Server, event string, data map[string]string) *websocket.Conn {
	t.Helper()
	conn := dial(t, ts)
	send(t, conn, event, data)
	expect(t, conn, dispatch.EventRegistered)
	return conn
}

func TestRealtimeAcceptRace(t *testing.T) {
	ts := newStack(t)
	d1 := register(t, ts, dispatch.EventDriverRegister, map[string]string{"driver_id": "D1"})
	d2 := register(t, ts, dispatch.EventDriverRegister, map[string]string{"driver_id": "D2"})
	p1 := register(t, ts, dispatch.EventUserRegister, map[string]string{"user_id": "P1"})

	resp, err := http.Post(ts.URL+"/rides/request", "application/json", bytes.NewBufferString(validBody))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out rideRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.DriversNotified) != 2 || out.DriversNotified[0] != "D1" {
		t.Fatalf("unexpected notified drivers %v", out.DriversNotified)
	}

	offer := expect(t, d1, dispatch.EventNewRideRequest)
	var nr dispatch.NewRideRequest
	_ = json.Unmarshal(offer.Data, &nr)
	if nr.RequestID != out.RequestID {
		t.Fatalf("offer for %s, expected %s", nr.RequestID, out.RequestID)
	}
	expect(t, d2, dispatch.EventNewRideRequest)

	send(t, d1, dispatch.EventDriverAccept, map[string]string{"request_id": out.RequestID})
	assigned := expect(t, d1, dispatch.EventRideAssigned)
	var ra dispatch.RideAssigned
	_ = json.Unmarshal(assigned.Data, &ra)
	if ra.DriverID != "D1" || ra.RequestID != out.RequestID || ra.BookingID == "" {
		t.Fatalf("unexpected assignment %+v", ra)
	}
	expect(t, d2, dispatch.EventRequestTaken)
	expect(t, p1, dispatch.EventRideAssigned)

	// late accept from the loser
	send(t, d2, dispatch.EventDriverAccept, map[string]string{"request_id": out.RequestID})
	expect(t, d2, dispatch.EventRequestTaken)

	// winner's positions reach the passenger
	send(t, d1, dispatch.EventDriverUpdatePos, map[string]any{"lat": 12.903, "lon": 77.60})
	pos := expect(t, p1, dispatch.EventDriverPosition)
	var dp dispatch.DriverPosition
	_ = json.Unmarshal(pos.Data, &dp)
	if dp.DriverID != "D1" || dp.RideID != ra.RideID {
		t.Fatalf("unexpected position %+v", dp)
	}
}

func TestRealtimeRejectsUnregisteredAccept(t *testing.T) {
	ts := newStack(t)
	conn := dial(t, ts)
	send(t, conn, dispatch.EventDriverAccept, map[string]string{"request_id": "rr_x"})
	ev := expect(t, conn, dispatch.EventError)
	if !strings.Contains(string(ev.Data), "register") {
		t.Fatalf("unexpected error payload %s", ev.Data)
	}
}
