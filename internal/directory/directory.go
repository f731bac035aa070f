package directory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/quartermasters/taxi-dispatch/internal/geo"
	"github.com/quartermasters/taxi-dispatch/internal/models"
	"github.com/quartermasters/taxi-dispatch/internal/observability"
)

var ErrUnknownDriver = errors.New("unknown driver")

// adjustIdleGauge keeps the idle-driver gauge in step with status flips,
// wherever they originate (API endpoints, broker accepts, trip completion).
func adjustIdleGauge(from, to models.DriverStatus) {
	if from == to {
		return
	}
	if to == models.DriverIdle {
		observability.DriversIdle.Inc()
	} else if from == models.DriverIdle {
		observability.DriversIdle.Dec()
	}
}

// Directory is the query and status surface over the driver fleet consumed
// by the offer broker and the lifecycle machine.
type Directory interface {
	// FindIdleCandidates returns a fresh snapshot of idle drivers within
	// radiusKm of pickup, ordered by ascending IdleSince so the
	// longest-waiting driver is offered first. Staleness is acceptable.
	FindIdleCandidates(pickup models.Coord, radiusKm float64) []models.Driver
	MarkBusy(driverID string) error
	// MarkIdle sets the driver idle and refreshes IdleSince to now.
	MarkIdle(driverID string) error
	SetOffline(driverID string) error
	UpdateLocation(driverID string, lat, lng float64)
	Get(driverID string) (models.Driver, bool)
}

// Memory is the single-process in-memory directory.
type Memory struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemory() *Memory {
	return &Memory{drivers: make(map[string]models.Driver)}
}

func (m *Memory) FindIdleCandidates(pickup models.Coord, radiusKm float64) []models.Driver {
	m.mu.RLock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Status != models.DriverIdle || d.Lat == nil || d.Lng == nil {
			continue
		}
		if geo.HaversineKm(pickup.Lat, pickup.Lng, *d.Lat, *d.Lng) > radiusKm {
			continue
		}
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].IdleSince.Before(out[j].IdleSince) })
	return out
}

func (m *Memory) MarkBusy(driverID string) error {
	return m.setStatus(driverID, models.DriverBusy, false)
}

func (m *Memory) MarkIdle(driverID string) error {
	return m.setStatus(driverID, models.DriverIdle, true)
}

func (m *Memory) SetOffline(driverID string) error {
	return m.setStatus(driverID, models.DriverOffline, false)
}

func (m *Memory) setStatus(driverID string, s models.DriverStatus, refreshIdle bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		if s == models.DriverIdle {
			// first contact: a driver going online is allowed to not exist yet
			d = models.Driver{ID: driverID}
		} else {
			return ErrUnknownDriver
		}
	}
	adjustIdleGauge(d.Status, s)
	d.Status = s
	if refreshIdle {
		d.IdleSince = time.Now()
	}
	m.drivers[driverID] = d
	return nil
}

func (m *Memory) UpdateLocation(driverID string, lat, lng float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		d = models.Driver{ID: driverID, Status: models.DriverOffline}
	}
	d.Lat, d.Lng = &lat, &lng
	m.drivers[driverID] = d
}

func (m *Memory) Get(driverID string) (models.Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[driverID]
	return d, ok
}
