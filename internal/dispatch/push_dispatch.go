package dispatch

import (
	"context"
	"log/slog"
)

// Pusher delivers an event to a driver device when no socket is open.
type Pusher interface {
	Push(ctx context.Context, driverID string, ev Event) error
}

// PushDispatcher tries the websocket hub first and falls back to device push
// for drivers. Passengers are only reachable over the socket.
type PushDispatcher struct {
	WS     *Hub
	Push   Pusher
	Logger *slog.Logger
}

func NewPushDispatcher(ws *Hub, push Pusher, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{WS: ws, Push: push, Logger: logger}
}

func (p *PushDispatcher) NotifyDriver(ctx context.Context, driverID string, ev Event) error {
	err := p.WS.NotifyDriver(ctx, driverID, ev)
	if err == nil || p.Push == nil || !IsNoSession(err) {
		return err
	}
	p.Logger.Debug("driver offline, falling back to push", "driver_id", driverID, "event", ev.Name)
	return p.Push.Push(ctx, driverID, ev)
}

func (p *PushDispatcher) NotifyPassenger(ctx context.Context, passengerID string, ev Event) error {
	return p.WS.NotifyPassenger(ctx, passengerID, ev)
}
