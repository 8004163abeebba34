package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) VehiclesForDrivers(ctx context.Context, driverIDs []string) (map[string][]models.Vehicle, error) {
	out := make(map[string][]models.Vehicle, len(driverIDs))
	if len(driverIDs) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, driver_id, capacity FROM vehicles WHERE driver_id = ANY($1) ORDER BY driver_id, id`,
		pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v models.Vehicle
		if err := rows.Scan(&v.ID, &v.DriverID, &v.Capacity); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		out[v.DriverID] = append(out[v.DriverID], v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetDriverAvailability(ctx context.Context, driverID string, available bool) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE drivers SET available=$1, updated_at=now() WHERE id=$2`, available, driverID)
	return err
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord, available bool) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO drivers(id, lat, lon, available, updated_at) VALUES($1,$2,$3,$4,now())
		 ON CONFLICT (id) DO UPDATE SET lat=EXCLUDED.lat, lon=EXCLUDED.lon, available=EXCLUDED.available, updated_at=now()`,
		driverID, loc.Lat, loc.Lon, available)
	return err
}

func (p *PostgresStore) CommitAssignment(ctx context.Context, c models.RideCommit) (models.Assignment, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Assignment{}, fmt.Errorf("%w: begin: %v", models.ErrDurableCommit, err)
	}
	defer func() { _ = tx.Rollback() }()

	rideID := "ride_" + uuid.NewString()
	bookingID := "bk_" + uuid.NewString()
	var destLat, destLon sql.NullFloat64
	if dc, ok := c.Destination.Coord(); ok {
		destLat = sql.NullFloat64{Float64: dc.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: dc.Lon, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rides(id, driver_id, vehicle_id, pickup_lat, pickup_lon, destination, dest_lat, dest_lon, departure_at, available_seats, distance_km, status)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rideID, c.DriverID, c.Vehicle.ID, c.Pickup.Lat, c.Pickup.Lon, c.Destination.Name, destLat, destLon,
		c.DepartureAt, c.AvailableSeats(), c.DistanceKm, RideScheduled); err != nil {
		return models.Assignment{}, fmt.Errorf("%w: insert ride: %v", models.ErrDurableCommit, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bookings(id, ride_id, request_id, passenger_id, seats, base_fare, surge_multiplier, fare, status)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		bookingID, rideID, c.RequestID, c.PassengerID, c.Seats, c.BaseFare, c.SurgeMultiplier, c.FinalFare, BookingConfirmed); err != nil {
		return models.Assignment{}, fmt.Errorf("%w: insert booking: %v", models.ErrDurableCommit, err)
	}
	if err := tx.Commit(); err != nil {
		return models.Assignment{}, fmt.Errorf("%w: commit: %v", models.ErrDurableCommit, err)
	}
	return assignmentFrom(c, rideID, bookingID), nil
}

func (p *PostgresStore) AttachPaymentHold(ctx context.Context, bookingID, holdID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET payment_intent_id=$1 WHERE id=$2`, holdID, bookingID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}
