package models

import "time"

type Coord struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

// TripStatus values follow the trip through its lifecycle.
type TripStatus string

const (
	TripRequested TripStatus = "requested"
	TripAssigned  TripStatus = "assigned"
	TripEnroute   TripStatus = "enroute"
	TripArrived   TripStatus = "arrived"
	TripOngoing   TripStatus = "ongoing"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

// HasDriver reports whether the status implies a driver is attached.
func (s TripStatus) HasDriver() bool {
	switch s {
	case TripAssigned, TripEnroute, TripArrived, TripOngoing, TripCompleted:
		return true
	}
	return false
}

type Trip struct {
	ID          string     `json:"id"`
	PassengerID string     `json:"passenger_id"`
	DriverID    string     `json:"driver_id,omitempty"` // empty until assigned
	Status      TripStatus `json:"status"`
	Pickup      Coord      `json:"pickup"`
	Dropoff     Coord      `json:"dropoff"`
	FareQuote   int64      `json:"fare_quote"` // minor currency units, opaque to dispatch
	PaymentRef  string     `json:"payment_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverIdle    DriverStatus = "idle"
	DriverBusy    DriverStatus = "busy"
)

type Driver struct {
	ID        string       `json:"id"`
	Status    DriverStatus `json:"status"`
	Lat       *float64     `json:"lat,omitempty"`
	Lng       *float64     `json:"lng,omitempty"`
	IdleSince time.Time    `json:"idle_since"`
}

// JobOffer pairs one trip with one candidate driver for the offer window.
// Uniquely keyed by (TripID, DriverID); never persisted.
type JobOffer struct {
	TripID           string    `json:"trip_id"`
	DriverID         string    `json:"driver_id"`
	PickupDistanceKm float64   `json:"pickup_distance_km"`
	EstimatedFare    int64     `json:"estimated_fare"`
	ExpiresAt        time.Time `json:"expires_at"`
	AttemptNumber    int       `json:"attempt_number"`
}

// Event type names for the append-only trip audit log.
const (
	EventTripCreated     = "trip_created"
	EventTripAssigned    = "trip_assigned"
	EventDriverEnroute   = "driver_enroute"
	EventDriverArrived   = "driver_arrived"
	EventTripStarted     = "trip_started"
	EventTripCompleted   = "trip_completed"
	EventTripCancelled   = "trip_cancelled"
	EventPaymentCaptured = "payment_captured"
)

// Event is one write-once audit record of a lifecycle transition.
type Event struct {
	TripID     string    `json:"trip_id"`
	Type       string    `json:"type"`
	DriverID   string    `json:"driver_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
