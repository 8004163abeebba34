package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	geoKey   string
	meta     map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.geoKey = key
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.meta = values
	return nil
}

func update(id string) models.PositionUpdate {
	return models.PositionUpdate{DriverID: id, Loc: models.Coord{Lat: 1, Lon: 2}, At: time.Now()}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", update("d1"), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.geoKey != "drivers_geo" || f.meta["available"] != "true" {
		t.Fatalf("unexpected write key=%s meta=%v", f.geoKey, f.meta)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_geo", update("d1"), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestMetaFieldsAvailability(t *testing.T) {
	onRide := update("d1")
	onRide.RideID = "ride_1"
	if got := metaFields(onRide)["available"]; got != "false" {
		t.Fatalf("driver on a ride should be unavailable, got %v", got)
	}
	yes := true
	onRide.Available = &yes
	if got := metaFields(onRide)["available"]; got != "true" {
		t.Fatalf("explicit availability should win, got %v", got)
	}
}

func newTestConsumer(f *fakeUpdater) *consumer {
	return &consumer{
		redis:    f,
		geoKey:   "drivers_geo",
		attempts: 2,
		delay:    time.Millisecond,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		seen:     make(map[string]time.Time),
	}
}

func message(t *testing.T, u models.PositionUpdate) kafka.Message {
	t.Helper()
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Key: []byte(u.DriverID), Value: b}
}

func TestHandleRejectsInvalidMessages(t *testing.T) {
	f := &fakeUpdater{}
	c := newTestConsumer(f)
	if err := c.handle(context.Background(), kafka.Message{Value: []byte("{not json")}); !errors.Is(err, errInvalidPosition) {
		t.Fatalf("expected invalid position, got %v", err)
	}
	if err := c.handle(context.Background(), message(t, models.PositionUpdate{Loc: models.Coord{Lat: 1, Lon: 1}})); !errors.Is(err, errInvalidPosition) {
		t.Fatalf("expected invalid position for missing driver, got %v", err)
	}
	if f.geoCalls != 0 {
		t.Fatalf("invalid messages must not reach redis, got %d writes", f.geoCalls)
	}
}

func TestHandleSkipsStaleUpdates(t *testing.T) {
	f := &fakeUpdater{}
	c := newTestConsumer(f)
	newer := update("d1")
	older := newer
	older.At = newer.At.Add(-time.Minute)

	if err := c.handle(context.Background(), message(t, newer)); err != nil {
		t.Fatal(err)
	}
	if err := c.handle(context.Background(), message(t, older)); err != nil {
		t.Fatal(err)
	}
	if f.geoCalls != 1 {
		t.Fatalf("expected the stale update to be skipped, got %d writes", f.geoCalls)
	}
}
