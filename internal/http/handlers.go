package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quartermasters/taxi-dispatch/internal/ingest"
	"github.com/quartermasters/taxi-dispatch/internal/lifecycle"
	"github.com/quartermasters/taxi-dispatch/internal/models"
	"github.com/quartermasters/taxi-dispatch/internal/storage"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/offer/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/offer/decline", s.handleDeclineOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/events", s.handleTripEvent).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/online", s.handleDriverOnline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createTripRequest struct {
	PassengerID string       `json:"passenger_id"`
	Pickup      models.Coord `json:"pickup"`
	Dropoff     models.Coord `json:"dropoff"`
	CustomerRef string       `json:"customer_ref,omitempty"` // payment customer, if known
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" {
		http.Error(w, "passenger_id required", http.StatusBadRequest)
		return
	}

	trip := &models.Trip{
		ID:          newID(),
		PassengerID: req.PassengerID,
		Pickup:      req.Pickup,
		Dropoff:     req.Dropoff,
		FareQuote:   quoteFare(req.Pickup, req.Dropoff),
	}

	if s.payments != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		ref, err := s.payments.Hold(ctx, trip.FareQuote, "usd", req.CustomerRef)
		if err != nil {
			s.logger.Error("payment hold failed", "passenger_id", req.PassengerID, "error", err)
			http.Error(w, "payment hold failed", http.StatusPaymentRequired)
			return
		}
		trip.PaymentRef = ref
	}

	if err := s.lifecycle.Create(trip); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	go s.broker.Dispatch(trip.ID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(trip)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	trip, err := s.lifecycle.Get(tripID)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	events, _ := s.lifecycle.Events(tripID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"trip": trip, "events": events})
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	if err := s.lifecycle.Cancel(r.Context(), tripID); err != nil {
		writeLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type offerActionRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req offerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	accepted := s.broker.Accept(tripID, req.DriverID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"accepted": accepted})
}

func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req offerActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	s.broker.Decline(tripID, req.DriverID)
	w.WriteHeader(http.StatusNoContent)
}

type tripEventRequest struct {
	Event string `json:"event"` // enroute, arrived, start, complete
}

func (s *Server) handleTripEvent(w http.ResponseWriter, r *http.Request) {
	tripID := mux.Vars(r)["trip_id"]
	var req tripEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var err error
	switch req.Event {
	case "enroute":
		err = s.lifecycle.Depart(tripID)
	case "arrived":
		err = s.lifecycle.Arrive(tripID)
	case "start":
		err = s.lifecycle.Start(tripID)
	case "complete":
		err = s.lifecycle.Complete(r.Context(), tripID)
	default:
		http.Error(w, "unknown event", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if err := s.dir.MarkIdle(driverID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if err := s.dir.SetOffline(driverID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var p ingest.LocationPing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	p.ReportedAt = time.Now()
	if s.kafka != nil {
		if err := s.kafka.PublishLocation(p); err != nil {
			s.logger.Warn("location publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	s.dir.UpdateLocation(p.DriverID, p.Lat, p.Lng)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role, id := vars["role"], vars["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	switch role {
	case "driver":
		s.hub.AddDriver(id, conn)
	case "passenger":
		s.hub.AddPassenger(id, conn)
	case "admin":
		s.hub.AddAdmin(id, conn)
	default:
		_ = conn.Close()
		return
	}
	// reader loop only to detect the peer going away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		switch role {
		case "driver":
			s.hub.RemoveDriver(id, conn)
		case "passenger":
			s.hub.RemovePassenger(id, conn)
		case "admin":
			s.hub.RemoveAdmin(id, conn)
		}
		_ = conn.Close()
	}()
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	var invalid *lifecycle.InvalidTransitionError
	switch {
	case errors.Is(err, storage.ErrTripNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &invalid):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
