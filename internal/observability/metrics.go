package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersIssuedTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_issued_total", Help: "Total job offers pushed to drivers"})
	OffersAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_accepted_total", Help: "Total job offers accepted"})
	OffersDeclinedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_declined_total", Help: "Total job offers declined"})
	OffersExpiredTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "offers_expired_total", Help: "Total job offers that ran out the offer window"})
	DispatchExhausted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "dispatch_exhausted_total", Help: "Trips that exhausted all dispatch attempts"})
	SearchEmptyTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "search_empty_total", Help: "Candidate searches that found no idle driver"})

	TripsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "trips_by_status", Help: "Current trips per lifecycle status"},
		[]string{"status"},
	)
	DriversIdle = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "drivers_idle", Help: "Number of idle drivers"})

	PaymentCapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "payment_captures_total", Help: "Payment capture attempts by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
