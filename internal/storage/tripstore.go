package storage

import (
	"errors"
	"sync"

	"github.com/quartermasters/taxi-dispatch/internal/models"
)

var ErrTripNotFound = errors.New("trip not found")

// TripStore defines persistence operations for trips.
type TripStore interface {
	SaveTrip(t *models.Trip) error
	UpdateTrip(t *models.Trip) error
	GetTrip(id string) (*models.Trip, error)
}

// EventLog is the append-only audit trail of lifecycle transitions.
// Entries are write-once; there is no update or delete.
type EventLog interface {
	Append(e models.Event) error
	ListByTrip(tripID string) ([]models.Event, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]models.Trip
	events map[string][]models.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:  make(map[string]models.Trip),
		events: make(map[string][]models.Event),
	}
}

func (m *MemoryStore) SaveTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) UpdateTrip(t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; !ok {
		return ErrTripNotFound
	}
	m.trips[t.ID] = *t
	return nil
}

func (m *MemoryStore) GetTrip(id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrTripNotFound
	}
	cp := t
	return &cp, nil
}

func (m *MemoryStore) Append(e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.TripID] = append(m.events[e.TripID], e)
	return nil
}

func (m *MemoryStore) ListByTrip(tripID string) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Event, len(m.events[tripID]))
	copy(out, m.events[tripID])
	return out, nil
}
