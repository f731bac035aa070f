package notify

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Notifier is the one-way push channel to driver, passenger and admin
// sessions. Delivery is best-effort; a missing session is not fatal.
type Notifier interface {
	PushToDriver(driverID string, msg any) error
	PushToPassenger(passengerID string, msg any) error
	PushToAdmins(msg any)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }

// WSSession wraps one connected websocket with a write lock, since
// gorilla/websocket permits only one concurrent writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Hub holds live sessions per role and is the production Notifier.
type Hub struct {
	mu         sync.RWMutex
	drivers    map[string]*WSSession
	passengers map[string]*WSSession
	admins     map[string]*WSSession

	Fallback *FCMDispatcher // optional push when a driver has no socket
	Logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		drivers:    make(map[string]*WSSession),
		passengers: make(map[string]*WSSession),
		admins:     make(map[string]*WSSession),
		Logger:     logger,
	}
}

func (h *Hub) AddDriver(id string, conn *websocket.Conn)    { h.add(h.drivers, id, conn) }
func (h *Hub) AddPassenger(id string, conn *websocket.Conn) { h.add(h.passengers, id, conn) }
func (h *Hub) AddAdmin(id string, conn *websocket.Conn)     { h.add(h.admins, id, conn) }

func (h *Hub) add(m map[string]*WSSession, id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m[id] = &WSSession{conn: conn}
}

// Remove drops the session for id only while it still wraps conn. A reader
// goroutine tearing down a stale connection cannot evict a reconnect that
// replaced the session in the meantime.
func (h *Hub) RemoveDriver(id string, conn *websocket.Conn)    { h.remove(h.drivers, id, conn) }
func (h *Hub) RemovePassenger(id string, conn *websocket.Conn) { h.remove(h.passengers, id, conn) }
func (h *Hub) RemoveAdmin(id string, conn *websocket.Conn)     { h.remove(h.admins, id, conn) }

func (h *Hub) remove(m map[string]*WSSession, id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := m[id]; ok && s.conn == conn {
		delete(m, id)
	}
}

func (h *Hub) PushToDriver(driverID string, msg any) error {
	h.mu.RLock()
	s, ok := h.drivers[driverID]
	h.mu.RUnlock()
	if !ok {
		if h.Fallback != nil {
			return h.Fallback.Push(driverID, msg)
		}
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		h.logSendError("driver", driverID, err)
		return err
	}
	return nil
}

func (h *Hub) PushToPassenger(passengerID string, msg any) error {
	h.mu.RLock()
	s, ok := h.passengers[passengerID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(msg); err != nil {
		h.logSendError("passenger", passengerID, err)
		return err
	}
	return nil
}

func (h *Hub) PushToAdmins(msg any) {
	h.mu.RLock()
	sessions := make([]*WSSession, 0, len(h.admins))
	for _, s := range h.admins {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		if err := s.Send(msg); err != nil {
			h.logSendError("admin", "", err)
		}
	}
}

func (h *Hub) logSendError(role, id string, err error) {
	if h.Logger != nil {
		h.Logger.Warn("ws send error", "role", role, "id", id, "error", err)
	}
}
