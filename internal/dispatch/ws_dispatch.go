package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

const writeWait = 5 * time.Second

// WSSession represents a connected driver or passenger socket.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSSession(conn *websocket.Conn) *WSSession { return &WSSession{conn: conn} }

func (s *WSSession) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"), time.Now().Add(time.Second))
	return s.conn.Close()
}

type sessionKey struct {
	role Role
	id   string
}

// Hub holds the live sessions, one per role and id. A reconnect replaces the
// previous session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[sessionKey]*WSSession
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{sessions: make(map[sessionKey]*WSSession), logger: logger}
}

func (h *Hub) Add(role Role, id string, s *WSSession) {
	h.mu.Lock()
	old, replaced := h.sessions[sessionKey{role, id}]
	h.sessions[sessionKey{role, id}] = s
	h.mu.Unlock()

	if replaced && old != s {
		_ = old.Close()
		return
	}
	if role == RoleDriver && !replaced {
		observability.DriversOnline.Inc()
	}
}

// Remove drops s if it is still the current session for role/id.
func (h *Hub) Remove(role Role, id string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := sessionKey{role, id}
	if cur, ok := h.sessions[k]; ok && cur == s {
		delete(h.sessions, k)
		if role == RoleDriver {
			observability.DriversOnline.Dec()
		}
	}
}

func (h *Hub) Send(role Role, id string, ev Event) error {
	h.mu.RLock()
	s, ok := h.sessions[sessionKey{role, id}]
	h.mu.RUnlock()
	if !ok {
		observability.NotificationsTotal.WithLabelValues("ws", "no_session").Inc()
		return ErrNoSession
	}
	if err := s.Send(ev); err != nil {
		h.logger.Warn("ws send error", "role", role, "id", id, "event", ev.Name, "err", err)
		observability.NotificationsTotal.WithLabelValues("ws", "error").Inc()
		return err
	}
	observability.NotificationsTotal.WithLabelValues("ws", "ok").Inc()
	return nil
}

func (h *Hub) NotifyDriver(_ context.Context, driverID string, ev Event) error {
	return h.Send(RoleDriver, driverID, ev)
}

func (h *Hub) NotifyPassenger(_ context.Context, passengerID string, ev Event) error {
	return h.Send(RolePassenger, passengerID, ev)
}

// CloseAll closes every session; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[sessionKey]*WSSession)
	h.mu.Unlock()
	for k, s := range sessions {
		_ = s.Close()
		if k.role == RoleDriver {
			observability.DriversOnline.Dec()
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

// IsNoSession reports whether err means the recipient is not connected.
func IsNoSession(err error) bool {
	var ns *NoSessionError
	return errors.As(err, &ns)
}
