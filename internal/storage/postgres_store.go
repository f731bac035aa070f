package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/quartermasters/taxi-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveTrip(t *models.Trip) error {
	_, err := p.db.Exec(`INSERT INTO trips(id, passenger_id, driver_id, status, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, fare_quote, payment_ref, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		t.ID, t.PassengerID, nullable(t.DriverID), string(t.Status),
		t.Pickup.Lat, t.Pickup.Lng, t.Pickup.Address,
		t.Dropoff.Lat, t.Dropoff.Lng, t.Dropoff.Address,
		t.FareQuote, nullable(t.PaymentRef), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateTrip(t *models.Trip) error {
	res, err := p.db.Exec(`UPDATE trips SET driver_id=$1, status=$2, updated_at=$3 WHERE id=$4`,
		nullable(t.DriverID), string(t.Status), time.Now(), t.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTripNotFound
	}
	return nil
}

func (p *PostgresStore) GetTrip(id string) (*models.Trip, error) {
	row := p.db.QueryRow(`SELECT id, passenger_id, COALESCE(driver_id,''), status, pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address, fare_quote, COALESCE(payment_ref,''), created_at, updated_at FROM trips WHERE id=$1`, id)
	var t models.Trip
	var status string
	err := row.Scan(&t.ID, &t.PassengerID, &t.DriverID, &status,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Pickup.Address,
		&t.Dropoff.Lat, &t.Dropoff.Lng, &t.Dropoff.Address,
		&t.FareQuote, &t.PaymentRef, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.TripStatus(status)
	return &t, nil
}

func (p *PostgresStore) Append(e models.Event) error {
	_, err := p.db.Exec(`INSERT INTO trip_events(trip_id, event_type, driver_id, occurred_at) VALUES($1,$2,$3,$4)`,
		e.TripID, e.Type, nullable(e.DriverID), e.OccurredAt)
	return err
}

func (p *PostgresStore) ListByTrip(tripID string) ([]models.Event, error) {
	rows, err := p.db.Query(`SELECT trip_id, event_type, COALESCE(driver_id,''), occurred_at FROM trip_events WHERE trip_id=$1 ORDER BY occurred_at`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.TripID, &e.Type, &e.DriverID, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
