package geo

import "testing"

func TestHaversineZero(t *testing.T) {
	d := HaversineKm(25.2048, 55.2708, 25.2048, 55.2708)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Dubai downtown to Dubai Marina, roughly 20 km.
	d := HaversineKm(25.2048, 55.2708, 25.0805, 55.1403)
	if d < 18 || d > 21 {
		t.Fatalf("expected ~19-20 km, got %f", d)
	}
}
