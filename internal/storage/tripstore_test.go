package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/quartermasters/taxi-dispatch/internal/models"
)

func TestMemoryStoreTripRoundtrip(t *testing.T) {
	m := NewMemoryStore()
	trip := &models.Trip{ID: "t1", PassengerID: "p1", Status: models.TripRequested}
	if err := m.SaveTrip(trip); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := m.GetTrip("t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// mutating the returned copy must not leak into the store
	got.Status = models.TripCancelled
	again, _ := m.GetTrip("t1")
	if again.Status != models.TripRequested {
		t.Fatal("GetTrip must return a copy")
	}

	if _, err := m.GetTrip("nope"); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("expected ErrTripNotFound, got %v", err)
	}
	if err := m.UpdateTrip(&models.Trip{ID: "nope"}); !errors.Is(err, ErrTripNotFound) {
		t.Fatalf("update missing: expected ErrTripNotFound, got %v", err)
	}
}

func TestMemoryStoreEventsAppendOnlyOrdered(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now()
	for i, typ := range []string{models.EventTripCreated, models.EventTripAssigned, models.EventTripCompleted} {
		if err := m.Append(models.Event{TripID: "t1", Type: typ, OccurredAt: now.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, err := m.ListByTrip("t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].Type != models.EventTripCreated || events[2].Type != models.EventTripCompleted {
		t.Fatalf("unexpected events: %+v", events)
	}
}
