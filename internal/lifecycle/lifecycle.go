package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quartermasters/taxi-dispatch/internal/directory"
	"github.com/quartermasters/taxi-dispatch/internal/models"
	"github.com/quartermasters/taxi-dispatch/internal/notify"
	"github.com/quartermasters/taxi-dispatch/internal/observability"
	"github.com/quartermasters/taxi-dispatch/internal/payments"
	"github.com/quartermasters/taxi-dispatch/internal/storage"
)

// InvalidTransitionError reports a lifecycle call against an incompatible
// current state. It indicates an ordering bug upstream and is always
// surfaced to the caller, never retried.
type InvalidTransitionError struct {
	TripID    string
	Current   models.TripStatus
	Attempted models.TripStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("trip %s: invalid transition %s -> %s", e.TripID, e.Current, e.Attempted)
}

// Machine owns every trip status mutation. A trip record is only ever
// changed through one of its transition methods, each of which validates
// the current state, persists the update, appends exactly one audit event
// and pushes exactly one realtime notification per affected party.
type Machine struct {
	mu       sync.Mutex
	store    storage.TripStore
	events   storage.EventLog
	dir      directory.Directory
	notifier notify.Notifier
	payments payments.Client
	log      *slog.Logger

	// onCancel lets the wiring drop any in-flight dispatch state when a
	// trip is cancelled, without a package cycle back into the broker.
	onCancel func(tripID string)
}

func NewMachine(store storage.TripStore, events storage.EventLog, dir directory.Directory, notifier notify.Notifier, pay payments.Client, log *slog.Logger) *Machine {
	return &Machine{store: store, events: events, dir: dir, notifier: notifier, payments: pay, log: log}
}

// SetCancelHook registers the callback invoked when a trip is cancelled.
func (m *Machine) SetCancelHook(fn func(tripID string)) { m.onCancel = fn }

// Create persists a new trip in the requested state and records the
// trip_created audit event. Dispatch is kicked off separately.
func (m *Machine) Create(t *models.Trip) error {
	now := time.Now()
	t.Status = models.TripRequested
	t.CreatedAt, t.UpdatedAt = now, now
	if err := m.store.SaveTrip(t); err != nil {
		return err
	}
	m.appendEvent(t.ID, models.EventTripCreated, "")
	observability.TripsByStatus.WithLabelValues(string(models.TripRequested)).Inc()
	return nil
}

// Assign moves a requested trip to assigned and marks the driver busy as
// one logical operation under the machine lock, so trip assignment and
// driver status never diverge.
func (m *Machine) Assign(tripID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return err
	}
	if t.Status != models.TripRequested {
		return &InvalidTransitionError{TripID: tripID, Current: t.Status, Attempted: models.TripAssigned}
	}
	if driverID == "" {
		return fmt.Errorf("trip %s: assign requires a driver id", tripID)
	}
	if d, ok := m.dir.Get(driverID); !ok || d.Status != models.DriverIdle {
		return fmt.Errorf("trip %s: driver %s is not idle", tripID, driverID)
	}

	if err := m.dir.MarkBusy(driverID); err != nil {
		return err
	}
	t.DriverID = driverID
	if err := m.applyStatus(t, models.TripAssigned); err != nil {
		// roll the driver back so busy never points at an unassigned trip
		_ = m.dir.MarkIdle(driverID)
		return err
	}
	m.appendEvent(tripID, models.EventTripAssigned, driverID)

	msg := notify.NewJobAccepted(tripID, driverID)
	_ = m.notifier.PushToPassenger(t.PassengerID, msg)
	m.notifier.PushToAdmins(msg)
	return nil
}

// Depart records the driver heading to pickup.
func (m *Machine) Depart(tripID string) error {
	return m.simpleTransition(tripID, models.TripEnroute, models.EventDriverEnroute, models.TripAssigned)
}

// Arrive records the driver at the pickup point. Allowed straight from
// assigned as well, since short hops often skip the enroute report.
func (m *Machine) Arrive(tripID string) error {
	return m.simpleTransition(tripID, models.TripArrived, models.EventDriverArrived, models.TripAssigned, models.TripEnroute)
}

// Start records the passenger picked up.
func (m *Machine) Start(tripID string) error {
	return m.simpleTransition(tripID, models.TripOngoing, models.EventTripStarted, models.TripArrived)
}

// Complete finishes the trip, captures the held fare and releases the
// driver back to the idle pool.
func (m *Machine) Complete(ctx context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return err
	}
	if t.Status != models.TripOngoing {
		return &InvalidTransitionError{TripID: tripID, Current: t.Status, Attempted: models.TripCompleted}
	}
	if err := m.applyStatus(t, models.TripCompleted); err != nil {
		return err
	}
	m.appendEvent(tripID, models.EventTripCompleted, t.DriverID)

	if err := m.dir.MarkIdle(t.DriverID); err != nil {
		m.log.Error("release driver on completion", "trip_id", tripID, "driver_id", t.DriverID, "error", err)
	}

	if m.payments != nil && t.PaymentRef != "" {
		if err := m.payments.Capture(ctx, t.PaymentRef); err != nil {
			// capture is retried out of band; completion stands
			observability.PaymentCapturesTotal.WithLabelValues("error").Inc()
			m.log.Error("payment capture failed", "trip_id", tripID, "payment_ref", t.PaymentRef, "error", err)
		} else {
			observability.PaymentCapturesTotal.WithLabelValues("success").Inc()
			m.appendEvent(tripID, models.EventPaymentCaptured, t.DriverID)
		}
	}

	m.pushStatus(t, t.DriverID)
	return nil
}

// Cancel moves any non-terminal trip to cancelled, drops in-flight dispatch
// state and releases the assigned driver, if any, back to idle.
func (m *Machine) Cancel(ctx context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return &InvalidTransitionError{TripID: tripID, Current: t.Status, Attempted: models.TripCancelled}
	}

	if m.onCancel != nil {
		m.onCancel(tripID)
	}

	// applyStatus clears t.DriverID for cancelled trips; hold on to it so
	// the audit event, the release and the final push still reach the driver
	assignedDriver := t.DriverID
	if err := m.applyStatus(t, models.TripCancelled); err != nil {
		return err
	}
	m.appendEvent(tripID, models.EventTripCancelled, assignedDriver)

	if assignedDriver != "" {
		if err := m.dir.MarkIdle(assignedDriver); err != nil {
			m.log.Error("release driver on cancel", "trip_id", tripID, "driver_id", assignedDriver, "error", err)
		}
	}
	if m.payments != nil && t.PaymentRef != "" {
		if err := m.payments.Cancel(ctx, t.PaymentRef); err != nil {
			m.log.Error("release payment hold", "trip_id", tripID, "payment_ref", t.PaymentRef, "error", err)
		}
	}

	m.pushStatus(t, assignedDriver)
	return nil
}

// Get returns the current trip record.
func (m *Machine) Get(tripID string) (*models.Trip, error) {
	return m.store.GetTrip(tripID)
}

// Events returns the audit trail for a trip, oldest first.
func (m *Machine) Events(tripID string) ([]models.Event, error) {
	return m.events.ListByTrip(tripID)
}

func (m *Machine) simpleTransition(tripID string, to models.TripStatus, eventType string, allowedFrom ...models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.store.GetTrip(tripID)
	if err != nil {
		return err
	}
	allowed := false
	for _, s := range allowedFrom {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return &InvalidTransitionError{TripID: tripID, Current: t.Status, Attempted: to}
	}
	if err := m.applyStatus(t, to); err != nil {
		return err
	}
	m.appendEvent(tripID, eventType, t.DriverID)
	m.pushStatus(t, t.DriverID)
	return nil
}

// applyStatus persists a status change and keeps the record consistent
// with it: DriverID is non-empty exactly when the status carries a driver.
func (m *Machine) applyStatus(t *models.Trip, to models.TripStatus) error {
	from, fromDriver := t.Status, t.DriverID
	t.Status = to
	if !to.HasDriver() {
		t.DriverID = ""
	}
	t.UpdatedAt = time.Now()
	if err := m.store.UpdateTrip(t); err != nil {
		t.Status, t.DriverID = from, fromDriver
		return err
	}
	observability.TripsByStatus.WithLabelValues(string(from)).Dec()
	observability.TripsByStatus.WithLabelValues(string(to)).Inc()
	m.log.Info("trip transition", "trip_id", t.ID, "from", from, "to", to, "driver_id", fromDriver)
	return nil
}

func (m *Machine) appendEvent(tripID, eventType, driverID string) {
	e := models.Event{TripID: tripID, Type: eventType, DriverID: driverID, OccurredAt: time.Now()}
	if err := m.events.Append(e); err != nil {
		m.log.Error("append audit event", "trip_id", tripID, "type", eventType, "error", err)
	}
}

func (m *Machine) pushStatus(t *models.Trip, driverID string) {
	msg := notify.NewStatusUpdate(t.ID, t.Status)
	_ = m.notifier.PushToPassenger(t.PassengerID, msg)
	if driverID != "" {
		_ = m.notifier.PushToDriver(driverID, msg)
	}
	m.notifier.PushToAdmins(msg)
}
