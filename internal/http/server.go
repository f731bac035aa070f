package httpapi

import (
	"log/slog"
	"math"

	"github.com/gorilla/mux"

	"github.com/quartermasters/taxi-dispatch/internal/broker"
	"github.com/quartermasters/taxi-dispatch/internal/config"
	"github.com/quartermasters/taxi-dispatch/internal/directory"
	"github.com/quartermasters/taxi-dispatch/internal/geo"
	"github.com/quartermasters/taxi-dispatch/internal/ingest"
	"github.com/quartermasters/taxi-dispatch/internal/lifecycle"
	"github.com/quartermasters/taxi-dispatch/internal/models"
	"github.com/quartermasters/taxi-dispatch/internal/notify"
	"github.com/quartermasters/taxi-dispatch/internal/payments"
)

type Server struct {
	cfg       config.ServerConfig
	logger    *slog.Logger
	lifecycle *lifecycle.Machine
	broker    *broker.Broker
	dir       directory.Directory
	hub       *notify.Hub
	kafka     *ingest.KafkaProducer // optional
	payments  payments.Client       // optional
	mux       *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, lc *lifecycle.Machine, bk *broker.Broker, dir directory.Directory, hub *notify.Hub, kafka *ingest.KafkaProducer, pay payments.Client) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		lifecycle: lc,
		broker:    bk,
		dir:       dir,
		hub:       hub,
		kafka:     kafka,
		payments:  pay,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// quoteFare is the stand-in pricing oracle: flat fee plus a per-km rate on
// the great-circle distance, in minor currency units. Dispatch treats the
// result as opaque.
func quoteFare(pickup, dropoff models.Coord) int64 {
	const base, perKm = 500, 150
	km := geo.HaversineKm(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng)
	return base + int64(math.Round(km*perKm))
}
