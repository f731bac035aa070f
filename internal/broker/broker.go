package broker

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/quartermasters/taxi-dispatch/internal/directory"
	"github.com/quartermasters/taxi-dispatch/internal/eta"
	"github.com/quartermasters/taxi-dispatch/internal/geo"
	"github.com/quartermasters/taxi-dispatch/internal/models"
	"github.com/quartermasters/taxi-dispatch/internal/notify"
	"github.com/quartermasters/taxi-dispatch/internal/observability"
	"github.com/quartermasters/taxi-dispatch/internal/storage"
)

// Config tunes the offer loop. Zero values fall back to production defaults.
type Config struct {
	OfferWindow      time.Duration // how long a driver has to respond
	MaxAttempts      int           // offer attempts per trip before giving up
	SearchRetryDelay time.Duration // wait between empty candidate searches
	SearchRadiusKm   float64
	DefaultSpeedMps  float64 // naive pickup ETA fallback
}

func (c *Config) applyDefaults() {
	if c.OfferWindow <= 0 {
		c.OfferWindow = 12 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.SearchRetryDelay <= 0 {
		c.SearchRetryDelay = 30 * time.Second
	}
	if c.SearchRadiusKm <= 0 {
		c.SearchRadiusKm = 5
	}
}

// Assigner is the single lifecycle operation the broker needs.
type Assigner interface {
	Assign(tripID, driverID string) error
}

// dispatchState is the live bookkeeping for one trip's dispatch sequence.
// Exactly one of these exists per trip between Dispatch and resolution.
// offer is nil while the broker is between candidates (searching).
type dispatchState struct {
	offer *models.JobOffer
	timer *time.Timer // offer expiry, or search retry while offer is nil
}

// Broker owns the live offer table. It trials candidates serially per trip:
// one outstanding offer at a time, resolved by whichever of accept, decline
// or expiry reaches the table first. All resolution paths share one mutex so
// an expiry timer firing just after an accept finds the offer already gone
// and becomes a no-op.
type Broker struct {
	cfg       Config
	store     storage.TripStore
	dir       directory.Directory
	assigner  Assigner
	notifier  notify.Notifier
	etaClient eta.Client // optional routing engine
	etaCache  *eta.Cache // optional
	log       *slog.Logger

	mu        sync.Mutex
	trips     map[string]*dispatchState // keyed by trip id
	byDriver  map[string]string         // driver id -> trip id holding its offer
	exhausted map[string]bool           // trips that already emitted the failure signal
}

func New(cfg Config, store storage.TripStore, dir directory.Directory, assigner Assigner, notifier notify.Notifier, log *slog.Logger) *Broker {
	cfg.applyDefaults()
	return &Broker{
		cfg:       cfg,
		store:     store,
		dir:       dir,
		assigner:  assigner,
		notifier:  notifier,
		log:       log,
		trips:     make(map[string]*dispatchState),
		byDriver:  make(map[string]string),
		exhausted: make(map[string]bool),
	}
}

// SetETA wires an optional routing client and cache for pickup ETAs in the
// offer payload. Without it the naive distance/speed estimate is used.
func (b *Broker) SetETA(c eta.Client, cache *eta.Cache) {
	b.etaClient = c
	b.etaCache = cache
}

// Dispatch starts the offer loop for a trip. It is a no-op if the trip is
// no longer in the requested state or a dispatch sequence is already live.
func (b *Broker) Dispatch(tripID string) {
	b.mu.Lock()
	if _, live := b.trips[tripID]; live {
		b.mu.Unlock()
		return
	}
	// a fresh sequence gets a fresh failure signal if it exhausts too
	delete(b.exhausted, tripID)
	b.trips[tripID] = &dispatchState{}
	b.mu.Unlock()
	b.attempt(tripID, 1)
}

// Accept resolves an offer in the driver's favor. It returns false when no
// active, unexpired offer exists for exactly this (trip, driver) pair; that
// is an expected race with expiry or cancellation, not an error.
func (b *Broker) Accept(tripID, driverID string) bool {
	b.mu.Lock()
	st := b.trips[tripID]
	if st == nil || st.offer == nil || st.offer.DriverID != driverID || time.Now().After(st.offer.ExpiresAt) {
		b.mu.Unlock()
		return false
	}
	// resolve: stop the timer and remove the offer in the same critical
	// section, so a concurrently firing expiry finds nothing to act on
	st.timer.Stop()
	attempt := st.offer.AttemptNumber
	delete(b.byDriver, driverID)
	st.offer = nil
	st.timer = nil
	b.mu.Unlock()

	if err := b.assigner.Assign(tripID, driverID); err != nil {
		// the trip was cancelled under us, or the driver slipped away;
		// resume the loop so the trip is not stranded
		b.log.Warn("assign after accept failed", "trip_id", tripID, "driver_id", driverID, "error", err)
		b.attempt(tripID, attempt+1)
		return false
	}
	b.mu.Lock()
	delete(b.trips, tripID)
	b.mu.Unlock()
	observability.OffersAcceptedTotal.Inc()
	b.log.Info("offer accepted", "trip_id", tripID, "driver_id", driverID, "attempt", attempt)
	return true
}

// Decline resolves an offer against the driver and immediately retries with
// the next candidate. A decline racing an already resolved offer is ignored.
func (b *Broker) Decline(tripID, driverID string) {
	b.mu.Lock()
	st := b.trips[tripID]
	if st == nil || st.offer == nil || st.offer.DriverID != driverID {
		b.mu.Unlock()
		return
	}
	st.timer.Stop()
	attempt := st.offer.AttemptNumber
	delete(b.byDriver, driverID)
	st.offer = nil
	st.timer = nil
	b.mu.Unlock()

	observability.OffersDeclinedTotal.Inc()
	b.log.Info("offer declined", "trip_id", tripID, "driver_id", driverID, "attempt", attempt)
	b.attempt(tripID, attempt+1)
}

// CancelDispatch drops all in-flight state for a trip: a pending offer, its
// expiry timer or a scheduled search retry. The offered driver is free for
// other trips immediately.
func (b *Broker) CancelDispatch(tripID string) {
	b.mu.Lock()
	delete(b.exhausted, tripID)
	st := b.trips[tripID]
	if st == nil {
		b.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	if st.offer != nil {
		delete(b.byDriver, st.offer.DriverID)
	}
	delete(b.trips, tripID)
	b.mu.Unlock()
	b.log.Info("dispatch cancelled", "trip_id", tripID)
}

// ActiveOffer exposes the live offer for a trip, if any. Read-only.
func (b *Broker) ActiveOffer(tripID string) (models.JobOffer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.trips[tripID]
	if st == nil || st.offer == nil {
		return models.JobOffer{}, false
	}
	return *st.offer, true
}

// attempt runs one dispatch cycle: bound check, candidate search, offer.
// Never called with b.mu held.
func (b *Broker) attempt(tripID string, attempt int) {
	if attempt > b.cfg.MaxAttempts {
		b.exhaust(tripID, attempt-1)
		return
	}

	trip, err := b.store.GetTrip(tripID)
	if err != nil {
		if errors.Is(err, storage.ErrTripNotFound) {
			b.CancelDispatch(tripID)
			return
		}
		// transient store failure: keep the sequence alive and retry the
		// same attempt after the search delay
		b.log.Error("trip lookup failed", "trip_id", tripID, "attempt", attempt, "error", err)
		b.mu.Lock()
		if st := b.trips[tripID]; st != nil {
			st.offer = nil
			st.timer = time.AfterFunc(b.cfg.SearchRetryDelay, func() { b.attempt(tripID, attempt) })
		}
		b.mu.Unlock()
		return
	}
	if trip.Status != models.TripRequested {
		// cancelled or assigned while we were between candidates
		b.CancelDispatch(tripID)
		return
	}

	cands := b.dir.FindIdleCandidates(trip.Pickup, b.cfg.SearchRadiusKm)

	b.mu.Lock()
	st := b.trips[tripID]
	if st == nil {
		// dispatch was cancelled while searching
		b.mu.Unlock()
		return
	}
	var chosen *models.Driver
	for i := range cands {
		if _, held := b.byDriver[cands[i].ID]; held {
			continue // already weighing another trip's offer
		}
		chosen = &cands[i]
		break
	}

	if chosen == nil {
		// no market right now: retry later at the SAME attempt number so
		// empty searches do not burn the budget meant for driver rejections
		st.offer = nil
		st.timer = time.AfterFunc(b.cfg.SearchRetryDelay, func() { b.attempt(tripID, attempt) })
		b.mu.Unlock()
		observability.SearchEmptyTotal.Inc()
		b.log.Info("no idle candidates", "trip_id", tripID, "attempt", attempt, "retry_in", b.cfg.SearchRetryDelay)
		return
	}

	distKm := geo.HaversineKm(*chosen.Lat, *chosen.Lng, trip.Pickup.Lat, trip.Pickup.Lng)
	offer := &models.JobOffer{
		TripID:           tripID,
		DriverID:         chosen.ID,
		PickupDistanceKm: distKm,
		EstimatedFare:    trip.FareQuote,
		ExpiresAt:        time.Now().Add(b.cfg.OfferWindow),
		AttemptNumber:    attempt,
	}
	st.offer = offer
	b.byDriver[chosen.ID] = tripID
	st.timer = time.AfterFunc(b.cfg.OfferWindow, func() { b.expire(tripID, offer) })
	b.mu.Unlock()

	estMins := b.pickupETAMins(*chosen, trip.Pickup)
	if err := b.notifier.PushToDriver(chosen.ID, notify.NewJobOffer(trip, *offer, estMins)); err != nil {
		b.log.Warn("offer push failed", "trip_id", tripID, "driver_id", chosen.ID, "error", err)
	}
	observability.OffersIssuedTotal.Inc()
	b.log.Info("offer issued", "trip_id", tripID, "driver_id", chosen.ID, "attempt", attempt,
		"distance_km", distKm, "expires_at", offer.ExpiresAt)
}

// expire is the timer callback for one specific offer. The pointer identity
// check makes a late firing against a newer offer, or against none at all,
// a no-op.
func (b *Broker) expire(tripID string, offer *models.JobOffer) {
	b.mu.Lock()
	st := b.trips[tripID]
	if st == nil || st.offer != offer {
		b.mu.Unlock()
		return
	}
	delete(b.byDriver, offer.DriverID)
	st.offer = nil
	st.timer = nil
	b.mu.Unlock()

	observability.OffersExpiredTotal.Inc()
	b.log.Info("offer expired", "trip_id", tripID, "driver_id", offer.DriverID, "attempt", offer.AttemptNumber)
	b.attempt(tripID, offer.AttemptNumber+1)
}

// exhaust surfaces the terminal dispatch failure exactly once per trip.
// The trip stays requested, pending operator intervention.
func (b *Broker) exhaust(tripID string, attempts int) {
	b.mu.Lock()
	delete(b.trips, tripID)
	already := b.exhausted[tripID]
	b.exhausted[tripID] = true
	b.mu.Unlock()
	if already {
		return
	}
	observability.DispatchExhausted.Inc()
	b.log.Error("dispatch exhausted", "trip_id", tripID, "attempts", attempts)
	b.notifier.PushToAdmins(notify.NewDispatchFailed(tripID, attempts))
}

func (b *Broker) pickupETAMins(d models.Driver, pickup models.Coord) int {
	from := models.Coord{Lat: *d.Lat, Lng: *d.Lng}
	var sec float64
	if b.etaCache != nil {
		if v, ok := b.etaCache.Get(from, pickup); ok {
			sec = v
		}
	}
	if sec == 0 && b.etaClient != nil {
		if v, err := b.etaClient.EstimateSeconds(from, pickup); err == nil {
			sec = v
			if b.etaCache != nil {
				b.etaCache.Set(from, pickup, v)
			}
		}
	}
	if sec == 0 {
		sec = eta.EstimateSeconds(from, pickup, b.cfg.DefaultSpeedMps)
	}
	mins := int(math.Round(sec / 60))
	if mins < 1 {
		mins = 1
	}
	return mins
}
