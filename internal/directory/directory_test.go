package directory

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/quartermasters/taxi-dispatch/internal/models"
	"github.com/quartermasters/taxi-dispatch/internal/observability"
)

var pickup = models.Coord{Lat: 25.2048, Lng: 55.2708}

func seed(m *Memory, id string, lat, lng float64) {
	m.UpdateLocation(id, lat, lng)
	_ = m.MarkIdle(id)
}

func TestFindIdleCandidatesOrderedByIdleSince(t *testing.T) {
	m := NewMemory()
	seed(m, "third", pickup.Lat, pickup.Lng)
	time.Sleep(2 * time.Millisecond)
	seed(m, "second", pickup.Lat, pickup.Lng)
	time.Sleep(2 * time.Millisecond)
	// going idle again pushes "third" to the back of the queue
	_ = m.MarkIdle("third")
	time.Sleep(2 * time.Millisecond)
	seed(m, "first", pickup.Lat, pickup.Lng)

	got := m.FindIdleCandidates(pickup, 5)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"second", "third", "first"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestFindIdleCandidatesFiltersRadiusAndStatus(t *testing.T) {
	m := NewMemory()
	seed(m, "near", pickup.Lat, pickup.Lng)
	seed(m, "far", 25.0805, 55.1403) // ~20 km away
	seed(m, "busy", pickup.Lat, pickup.Lng)
	_ = m.MarkBusy("busy")
	seed(m, "offline", pickup.Lat, pickup.Lng)
	_ = m.SetOffline("offline")
	_ = m.MarkIdle("nowhere") // no location yet

	got := m.FindIdleCandidates(pickup, 5)
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected only 'near', got %+v", got)
	}
}

func TestMarkIdleRefreshesIdleSince(t *testing.T) {
	m := NewMemory()
	seed(m, "d1", pickup.Lat, pickup.Lng)
	before, _ := m.Get("d1")
	time.Sleep(2 * time.Millisecond)
	_ = m.MarkIdle("d1")
	after, _ := m.Get("d1")
	if !after.IdleSince.After(before.IdleSince) {
		t.Fatal("MarkIdle must refresh IdleSince")
	}
}

func TestIdleGaugeTracksStatusSetters(t *testing.T) {
	m := NewMemory()
	base := testutil.ToFloat64(observability.DriversIdle)

	seed(m, "g1", pickup.Lat, pickup.Lng)
	if got := testutil.ToFloat64(observability.DriversIdle); got != base+1 {
		t.Fatalf("going idle must raise the gauge: base=%f got=%f", base, got)
	}
	// refreshing an already idle driver is not a second increment
	_ = m.MarkIdle("g1")
	if got := testutil.ToFloat64(observability.DriversIdle); got != base+1 {
		t.Fatalf("idle refresh must not move the gauge: base=%f got=%f", base, got)
	}
	_ = m.MarkBusy("g1")
	if got := testutil.ToFloat64(observability.DriversIdle); got != base {
		t.Fatalf("going busy must lower the gauge: base=%f got=%f", base, got)
	}
	_ = m.MarkIdle("g1")
	_ = m.SetOffline("g1")
	if got := testutil.ToFloat64(observability.DriversIdle); got != base {
		t.Fatalf("going offline must lower the gauge: base=%f got=%f", base, got)
	}
}

func TestStatusTransitions(t *testing.T) {
	m := NewMemory()
	if err := m.MarkBusy("ghost"); err == nil {
		t.Fatal("marking an unknown driver busy must fail")
	}
	seed(m, "d1", pickup.Lat, pickup.Lng)
	if err := m.MarkBusy("d1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}
	d, _ := m.Get("d1")
	if d.Status != models.DriverBusy {
		t.Fatalf("expected busy, got %s", d.Status)
	}
	if err := m.SetOffline("d1"); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	d, _ = m.Get("d1")
	if d.Status != models.DriverOffline {
		t.Fatalf("expected offline, got %s", d.Status)
	}
}
