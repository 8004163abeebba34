package dispatch

import (
	"context"
	"log/slog"
)

// Notifier delivers realtime events to drivers and passengers.
type Notifier interface {
	NotifyDriver(ctx context.Context, driverID string, ev Event) error
	NotifyPassenger(ctx context.Context, passengerID string, ev Event) error
}

// NotifyDrivers fans ev out to every id, skipping skip. Delivery failures are
// logged and counted; the returned slice holds the ids that were reached.
func NotifyDrivers(ctx context.Context, n Notifier, logger *slog.Logger, ids []string, skip string, ev Event) []string {
	reached := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == skip {
			continue
		}
		if err := n.NotifyDriver(ctx, id, ev); err != nil {
			logger.Warn("driver notification failed", "driver_id", id, "event", ev.Name, "err", err)
			continue
		}
		reached = append(reached, id)
	}
	return reached
}
