package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/quartermasters/taxi-dispatch/internal/directory"
	"github.com/quartermasters/taxi-dispatch/internal/models"
	"github.com/quartermasters/taxi-dispatch/internal/storage"
)

type recordingNotifier struct {
	mu     sync.Mutex
	pushes []any
}

func (r *recordingNotifier) PushToDriver(driverID string, msg any) error { return r.record(msg) }
func (r *recordingNotifier) PushToPassenger(passengerID string, msg any) error {
	return r.record(msg)
}
func (r *recordingNotifier) PushToAdmins(msg any) { _ = r.record(msg) }

func (r *recordingNotifier) record(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, msg)
	return nil
}

type fakePayments struct {
	held       []string
	captured   []string
	cancelled  []string
	captureErr error
}

func (f *fakePayments) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.held = append(f.held, "pi_test")
	return "pi_test", nil
}

func (f *fakePayments) Capture(ctx context.Context, ref string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captured = append(f.captured, ref)
	return nil
}

func (f *fakePayments) Cancel(ctx context.Context, ref string) error {
	f.cancelled = append(f.cancelled, ref)
	return nil
}

func newMachine(t *testing.T, pay *fakePayments) (*Machine, *storage.MemoryStore, *directory.Memory) {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := directory.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var m *Machine
	if pay != nil {
		m = NewMachine(store, store, dir, &recordingNotifier{}, pay, logger)
	} else {
		m = NewMachine(store, store, dir, &recordingNotifier{}, nil, logger)
	}
	return m, store, dir
}

func seedTrip(t *testing.T, m *Machine, id string) *models.Trip {
	t.Helper()
	trip := &models.Trip{
		ID:          id,
		PassengerID: "p1",
		Pickup:      models.Coord{Lat: 25.2048, Lng: 55.2708},
		Dropoff:     models.Coord{Lat: 25.0805, Lng: 55.1403},
		FareQuote:   2000,
		PaymentRef:  "pi_test",
	}
	if err := m.Create(trip); err != nil {
		t.Fatalf("create: %v", err)
	}
	return trip
}

func seedIdleDriver(dir *directory.Memory, id string) {
	dir.UpdateLocation(id, 25.2048, 55.2708)
	_ = dir.MarkIdle(id)
}

func TestHappyPathToCompletion(t *testing.T) {
	pay := &fakePayments{}
	m, _, dir := newMachine(t, pay)
	seedTrip(t, m, "t1")
	seedIdleDriver(dir, "d1")

	steps := []struct {
		name string
		fn   func() error
		want models.TripStatus
	}{
		{"assign", func() error { return m.Assign("t1", "d1") }, models.TripAssigned},
		{"depart", func() error { return m.Depart("t1") }, models.TripEnroute},
		{"arrive", func() error { return m.Arrive("t1") }, models.TripArrived},
		{"start", func() error { return m.Start("t1") }, models.TripOngoing},
		{"complete", func() error { return m.Complete(context.Background(), "t1") }, models.TripCompleted},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
		trip, err := m.Get("t1")
		if err != nil {
			t.Fatalf("%s: get: %v", s.name, err)
		}
		if trip.Status != s.want {
			t.Fatalf("%s: expected %s, got %s", s.name, s.want, trip.Status)
		}
	}

	d, _ := dir.Get("d1")
	if d.Status != models.DriverIdle {
		t.Fatalf("driver must be idle after completion, got %s", d.Status)
	}
	if len(pay.captured) != 1 || pay.captured[0] != "pi_test" {
		t.Fatalf("expected one payment capture, got %v", pay.captured)
	}

	events, err := m.Events("t1")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	wantEvents := []string{
		models.EventTripCreated, models.EventTripAssigned, models.EventDriverEnroute,
		models.EventDriverArrived, models.EventTripStarted, models.EventTripCompleted,
		models.EventPaymentCaptured,
	}
	if len(events) != len(wantEvents) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantEvents), len(events), events)
	}
	for i, want := range wantEvents {
		if events[i].Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
}

func TestInvalidTransitionSurfaced(t *testing.T) {
	m, _, _ := newMachine(t, nil)
	seedTrip(t, m, "t1")

	err := m.Start("t1")
	if err == nil {
		t.Fatal("start on a requested trip must fail")
	}
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %T: %v", err, err)
	}
	if invalid.Current != models.TripRequested || invalid.Attempted != models.TripOngoing {
		t.Fatalf("error must carry current and attempted state: %+v", invalid)
	}
}

func TestRepeatTransitionFailsNotNoops(t *testing.T) {
	m, _, dir := newMachine(t, nil)
	seedTrip(t, m, "t1")
	seedIdleDriver(dir, "d1")

	if err := m.Assign("t1", "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Depart("t1"); err != nil {
		t.Fatalf("depart: %v", err)
	}
	if err := m.Depart("t1"); err == nil {
		t.Fatal("repeating a transition must fail, not double-apply")
	}
}

func TestAssignRequiresIdleDriver(t *testing.T) {
	m, _, dir := newMachine(t, nil)
	seedTrip(t, m, "t1")
	seedTrip(t, m, "t2")
	seedIdleDriver(dir, "d1")

	if err := m.Assign("t1", "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Assign("t2", "d1"); err == nil {
		t.Fatal("a busy driver must not be assignable to a second trip")
	}
	if err := m.Assign("t2", ""); err == nil {
		t.Fatal("assign requires a driver id")
	}
}

func TestCancelReleasesDriverAndHold(t *testing.T) {
	pay := &fakePayments{}
	m, _, dir := newMachine(t, pay)
	seedTrip(t, m, "t1")
	seedIdleDriver(dir, "d1")

	if err := m.Assign("t1", "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	trip, _ := m.Get("t1")
	if trip.Status != models.TripCancelled {
		t.Fatalf("expected cancelled, got %s", trip.Status)
	}
	d, _ := dir.Get("d1")
	if d.Status != models.DriverIdle {
		t.Fatalf("cancel must release the driver, got %s", d.Status)
	}
	if len(pay.cancelled) != 1 {
		t.Fatalf("cancel must release the payment hold, got %v", pay.cancelled)
	}
}

func TestCancelClearsDriverAssignment(t *testing.T) {
	m, _, dir := newMachine(t, nil)
	seedTrip(t, m, "t1")
	seedIdleDriver(dir, "d1")

	if err := m.Assign("t1", "d1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := m.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	trip, _ := m.Get("t1")
	if trip.Status.HasDriver() {
		t.Fatalf("cancelled must not be a driver-carrying status")
	}
	if trip.DriverID != "" {
		t.Fatalf("cancelled trip must not keep a driver, got %q", trip.DriverID)
	}
	// the audit trail still names the driver who had the trip
	events, _ := m.Events("t1")
	last := events[len(events)-1]
	if last.Type != models.EventTripCancelled || last.DriverID != "d1" {
		t.Fatalf("expected trip_cancelled event for d1, got %+v", last)
	}
}

func TestCancelTerminalTripFails(t *testing.T) {
	m, _, _ := newMachine(t, nil)
	seedTrip(t, m, "t1")

	if err := m.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.Cancel(context.Background(), "t1"); err == nil {
		t.Fatal("cancelling a cancelled trip must fail")
	}
}

func TestCaptureFailureDoesNotBlockCompletion(t *testing.T) {
	pay := &fakePayments{captureErr: errors.New("stripe down")}
	m, _, dir := newMachine(t, pay)
	seedTrip(t, m, "t1")
	seedIdleDriver(dir, "d1")

	for _, fn := range []func() error{
		func() error { return m.Assign("t1", "d1") },
		func() error { return m.Depart("t1") },
		func() error { return m.Arrive("t1") },
		func() error { return m.Start("t1") },
	} {
		if err := fn(); err != nil {
			t.Fatalf("setup transition: %v", err)
		}
	}
	if err := m.Complete(context.Background(), "t1"); err != nil {
		t.Fatalf("completion must stand even when capture fails: %v", err)
	}
	trip, _ := m.Get("t1")
	if trip.Status != models.TripCompleted {
		t.Fatalf("expected completed, got %s", trip.Status)
	}
	events, _ := m.Events("t1")
	for _, e := range events {
		if e.Type == models.EventPaymentCaptured {
			t.Fatal("failed capture must not record a payment_captured event")
		}
	}
}

func TestMissingTripPropagates(t *testing.T) {
	m, _, _ := newMachine(t, nil)
	if err := m.Depart("missing"); !errors.Is(err, storage.ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
}
