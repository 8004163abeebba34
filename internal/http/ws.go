package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/acceptance"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type registerData struct {
	DriverID    string `json:"driver_id"`
	UserID      string `json:"user_id"`
	PassengerID string `json:"passenger_id"`
}

type acceptData struct {
	RequestID string `json:"request_id" validate:"required"`
	VehicleID string `json:"vehicle_id"`
}

type positionData struct {
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lon       *float64 `json:"lon" validate:"required,longitude"`
	RideID    string   `json:"ride_id"`
	Available *bool    `json:"available"`
}

// wsConn is the per-socket state: who registered on it and the session the
// hub knows it by.
type wsConn struct {
	s       *Server
	conn    *websocket.Conn
	session *dispatch.WSSession
	claims  *auth.Claims
	role    dispatch.Role
	id      string
	logger  *slog.Logger
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var claims *auth.Claims
	if s.auth.Enabled() {
		tok := r.URL.Query().Get("token")
		if tok == "" {
			tok, _ = auth.BearerToken(r.Header.Get("Authorization"))
		}
		c, err := s.auth.Verify(tok)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		claims = c
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	c := &wsConn{
		s:       s,
		conn:    conn,
		session: dispatch.NewWSSession(conn),
		claims:  claims,
		logger:  s.logger.With("remote_addr", remoteIP(r), "request_id", requestIDFromContext(r.Context())),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.pinger(ctx)
	c.readLoop(ctx)
}

func (c *wsConn) pinger(ctx context.Context) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.session.Ping(); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer func() {
		if c.id != "" {
			c.s.hub.Remove(c.role, c.id, c.session)
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("ws read ended", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(ctx, msg)
	}
}

func (c *wsConn) handle(ctx context.Context, msg inbound) {
	switch msg.Event {
	case dispatch.EventDriverRegister:
		c.register(dispatch.RoleDriver, msg.Data)
	case dispatch.EventUserRegister:
		c.register(dispatch.RolePassenger, msg.Data)
	case dispatch.EventDriverAccept:
		c.accept(ctx, msg.Data)
	case dispatch.EventDriverUpdatePos:
		c.updatePosition(ctx, msg.Data)
	default:
		c.fail("", "unknown event "+msg.Event)
	}
}

func (c *wsConn) register(role dispatch.Role, raw json.RawMessage) {
	var d registerData
	if err := json.Unmarshal(raw, &d); err != nil {
		c.fail("", "invalid register payload")
		return
	}
	id := d.DriverID
	if role == dispatch.RolePassenger {
		id = d.UserID
		if id == "" {
			id = d.PassengerID
		}
	}
	if id == "" {
		c.fail("", "missing id")
		return
	}
	if c.claims != nil && c.claims.Subject != id {
		c.fail("", "token does not match id")
		return
	}
	if c.id != "" && (c.id != id || c.role != role) {
		c.s.hub.Remove(c.role, c.id, c.session)
	}
	c.role, c.id = role, id
	c.logger = c.logger.With("role", string(role), "id", id)
	c.s.hub.Add(role, id, c.session)
	if err := c.session.Send(dispatch.Event{Name: dispatch.EventRegistered, Data: dispatch.Registered{Role: string(role), ID: id}}); err != nil {
		c.logger.Warn("registered ack failed", "err", err)
	}
}

func (c *wsConn) accept(ctx context.Context, raw json.RawMessage) {
	if c.role != dispatch.RoleDriver {
		c.fail("", "register as a driver first")
		return
	}
	var d acceptData
	if err := json.Unmarshal(raw, &d); err != nil {
		c.fail("", "invalid accept payload")
		return
	}
	if err := c.s.validateStruct(&d); err != nil {
		c.fail(d.RequestID, err.Error())
		return
	}
	// the coordinator notifies this driver of the outcome either way
	_, err := c.s.claims.Claim(ctx, acceptance.Claim{RequestID: d.RequestID, DriverID: c.id, VehicleID: d.VehicleID})
	if err != nil && errors.Is(err, models.ErrDurableCommit) {
		c.logger.Error("accept commit failed", "ride_request_id", d.RequestID, "err", err)
	}
}

func (c *wsConn) updatePosition(ctx context.Context, raw json.RawMessage) {
	if c.role != dispatch.RoleDriver {
		c.fail("", "register as a driver first")
		return
	}
	var d positionData
	if err := json.Unmarshal(raw, &d); err != nil {
		c.fail("", "invalid position payload")
		return
	}
	if err := c.s.validateStruct(&d); err != nil {
		c.fail("", err.Error())
		return
	}
	_, err := c.s.positions.Update(ctx, models.PositionUpdate{
		DriverID:  c.id,
		Loc:       models.Coord{Lat: *d.Lat, Lon: *d.Lon},
		RideID:    d.RideID,
		Available: d.Available,
	})
	if err != nil {
		c.logger.Warn("position update failed", "err", err)
		if errors.Is(err, models.ErrValidation) {
			c.fail("", err.Error())
		}
	}
}

func (c *wsConn) fail(requestID, msg string) {
	ev := dispatch.Event{Name: dispatch.EventError, Data: dispatch.Notice{RequestID: requestID, Message: msg}}
	if err := c.session.Send(ev); err != nil {
		c.logger.Debug("ws error reply failed", "err", err)
	}
}
