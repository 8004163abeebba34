package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestCommitAssignmentOncePerRequest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	c := models.RideCommit{
		RequestID:   "rr_1",
		DriverID:    "D1",
		PassengerID: "P1",
		Vehicle:     models.Vehicle{ID: "V1", DriverID: "D1", Capacity: 4},
		Seats:       2,
		FinalFare:   12.5,
	}
	a, err := m.CommitAssignment(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	if seats, ok := m.RideSeats(a.RideID); !ok || seats != 1 {
		t.Fatalf("expected 1 remaining seat, got %d", seats)
	}
	if _, err := m.CommitAssignment(ctx, c); !errors.Is(err, models.ErrDurableCommit) {
		t.Fatalf("expected durable commit error on duplicate, got %v", err)
	}
	if m.Bookings("rr_1") != 1 {
		t.Fatal("expected exactly one booking")
	}
	if err := m.AttachPaymentHold(ctx, a.BookingID, "pi_1"); err != nil {
		t.Fatal(err)
	}
}

func TestVehiclesForDrivers(t *testing.T) {
	m := NewMemoryStore()
	m.AddVehicle(models.Vehicle{ID: "V2", DriverID: "D1", Capacity: 6})
	m.AddVehicle(models.Vehicle{ID: "V1", DriverID: "D1", Capacity: 4})
	m.AddVehicle(models.Vehicle{ID: "V3", DriverID: "D2", Capacity: 2})

	got, err := m.VehiclesForDrivers(context.Background(), []string{"D1", "D3"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || len(got["D1"]) != 2 || got["D1"][0].ID != "V1" {
		t.Fatalf("unexpected vehicles %+v", got)
	}
}
