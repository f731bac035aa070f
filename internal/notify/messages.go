package notify

import (
	"time"

	"github.com/quartermasters/taxi-dispatch/internal/models"
)

// Wire shapes pushed over the realtime channel. The type field is what
// client apps switch on.

type JobOfferMessage struct {
	Type       string       `json:"type"` // "job_offer"
	TripID     string       `json:"tripId"`
	Pickup     models.Coord `json:"pickup"`
	Dropoff    models.Coord `json:"dropoff"`
	DistanceKm float64      `json:"distanceKm"`
	EstMins    int          `json:"estMins"`
	FareEst    int64        `json:"fareEstimate"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

type JobAcceptedMessage struct {
	Type     string `json:"type"` // "job_accepted"
	TripID   string `json:"tripId"`
	DriverID string `json:"driverId"`
}

type StatusUpdateMessage struct {
	Type   string `json:"type"` // "status_update"
	TripID string `json:"tripId"`
	Status string `json:"status"`
}

type DispatchFailedMessage struct {
	Type     string `json:"type"` // "dispatch_failed"
	TripID   string `json:"tripId"`
	Attempts int    `json:"attempts"`
}

func NewJobOffer(trip *models.Trip, offer models.JobOffer, estMins int) JobOfferMessage {
	return JobOfferMessage{
		Type:       "job_offer",
		TripID:     trip.ID,
		Pickup:     trip.Pickup,
		Dropoff:    trip.Dropoff,
		DistanceKm: offer.PickupDistanceKm,
		EstMins:    estMins,
		FareEst:    offer.EstimatedFare,
		ExpiresAt:  offer.ExpiresAt,
	}
}

func NewJobAccepted(tripID, driverID string) JobAcceptedMessage {
	return JobAcceptedMessage{Type: "job_accepted", TripID: tripID, DriverID: driverID}
}

func NewStatusUpdate(tripID string, status models.TripStatus) StatusUpdateMessage {
	return StatusUpdateMessage{Type: "status_update", TripID: tripID, Status: string(status)}
}

func NewDispatchFailed(tripID string, attempts int) DispatchFailedMessage {
	return DispatchFailedMessage{Type: "dispatch_failed", TripID: tripID, Attempts: attempts}
}
