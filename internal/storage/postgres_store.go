package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes a schema script as one statement batch.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

type rideRow struct {
	ID              string         `db:"id"`
	RiderID         string         `db:"rider_id"`
	DriverID        sql.NullString `db:"driver_id"`
	Status          string         `db:"status"`
	PickupLat       float64        `db:"pickup_lat"`
	PickupLon       float64        `db:"pickup_lon"`
	PickupAddress   sql.NullString `db:"pickup_address"`
	PickupAt        sql.NullTime   `db:"pickup_at"`
	DropoffLat      float64        `db:"dropoff_lat"`
	DropoffLon      float64        `db:"dropoff_lon"`
	DropoffAddress  sql.NullString `db:"dropoff_address"`
	DropoffAt       sql.NullTime   `db:"dropoff_at"`
	FareAmount      *float64       `db:"fare_amount"`
	DistanceKm      *float64       `db:"distance_km"`
	DurationMinutes *int           `db:"duration_minutes"`
	PaymentMethod   string         `db:"payment_method"`
	PaymentStatus   string         `db:"payment_status"`
	DriverRating    *int           `db:"driver_rating"`
	UserRating      *int           `db:"user_rating"`
	CancelReason    sql.NullString `db:"cancel_reason"`
	RequestedAt     time.Time      `db:"requested_at"`
	AcceptedAt      *time.Time     `db:"accepted_at"`
	StartedAt       *time.Time     `db:"started_at"`
	CompletedAt     *time.Time     `db:"completed_at"`
	CancelledAt     *time.Time     `db:"cancelled_at"`
}

const rideColumns = `id, rider_id, driver_id, status,
	pickup_lat, pickup_lon, pickup_address, pickup_at,
	dropoff_lat, dropoff_lon, dropoff_address, dropoff_at,
	fare_amount, distance_km, duration_minutes, payment_method, payment_status,
	driver_rating, user_rating, cancel_reason,
	requested_at, accepted_at, started_at, completed_at, cancelled_at`

func toRow(r models.Ride) rideRow {
	return rideRow{
		ID:              r.ID,
		RiderID:         r.RiderID,
		DriverID:        nullString(r.DriverID),
		Status:          string(r.Status),
		PickupLat:       r.Pickup.Lat,
		PickupLon:       r.Pickup.Lon,
		PickupAddress:   nullString(r.Pickup.Address),
		PickupAt:        nullTime(r.Pickup.Timestamp),
		DropoffLat:      r.Dropoff.Lat,
		DropoffLon:      r.Dropoff.Lon,
		DropoffAddress:  nullString(r.Dropoff.Address),
		DropoffAt:       nullTime(r.Dropoff.Timestamp),
		FareAmount:      r.FareAmount,
		DistanceKm:      r.DistanceKm,
		DurationMinutes: r.DurationMinutes,
		PaymentMethod:   string(r.PaymentMethod),
		PaymentStatus:   string(r.PaymentStatus),
		DriverRating:    r.DriverRating,
		UserRating:      r.UserRating,
		CancelReason:    nullString(r.CancelReason),
		RequestedAt:     r.RequestedAt,
		AcceptedAt:      r.AcceptedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CancelledAt:     r.CancelledAt,
	}
}

func (row rideRow) ride() models.Ride {
	return models.Ride{
		ID:              row.ID,
		RiderID:         row.RiderID,
		DriverID:        row.DriverID.String,
		Status:          models.RideStatus(row.Status),
		Pickup:          models.Place{Coord: models.Coord{Lat: row.PickupLat, Lon: row.PickupLon}, Address: row.PickupAddress.String, Timestamp: row.PickupAt.Time},
		Dropoff:         models.Place{Coord: models.Coord{Lat: row.DropoffLat, Lon: row.DropoffLon}, Address: row.DropoffAddress.String, Timestamp: row.DropoffAt.Time},
		FareAmount:      row.FareAmount,
		DistanceKm:      row.DistanceKm,
		DurationMinutes: row.DurationMinutes,
		PaymentMethod:   models.PaymentMethod(row.PaymentMethod),
		PaymentStatus:   models.PaymentStatus(row.PaymentStatus),
		DriverRating:    row.DriverRating,
		UserRating:      row.UserRating,
		CancelReason:    row.CancelReason.String,
		RequestedAt:     row.RequestedAt,
		AcceptedAt:      row.AcceptedAt,
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
		CancelledAt:     row.CancelledAt,
	}
}

func (p *PostgresStore) CreateRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO rides(`+rideColumns+`) VALUES(
		:id, :rider_id, :driver_id, :status,
		:pickup_lat, :pickup_lon, :pickup_address, :pickup_at,
		:dropoff_lat, :dropoff_lon, :dropoff_address, :dropoff_at,
		:fare_amount, :distance_km, :duration_minutes, :payment_method, :payment_status,
		:driver_rating, :user_rating, :cancel_reason,
		:requested_at, :accepted_at, :started_at, :completed_at, :cancelled_at)`, toRow(r))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("ride %s exists: %w", r.ID, ErrConflict)
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var row rideRow
	err := p.db.GetContext(ctx, &row, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Ride{}, err
	}
	return row.ride(), nil
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]models.Ride, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.RiderID != "" {
		args = append(args, f.RiderID)
		where = append(where, fmt.Sprintf("rider_id = $%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY requested_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	var rows []rideRow
	if err := p.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]models.Ride, len(rows))
	for i, row := range rows {
		out[i] = row.ride()
	}
	return out, nil
}

type pgTx struct{ tx *sqlx.Tx }

func (t *pgTx) UpdateRide(ctx context.Context, r models.Ride, from models.RideStatus) error {
	row := toRow(r)
	res, err := t.tx.ExecContext(ctx, `UPDATE rides SET
		driver_id = $1, status = $2, fare_amount = $3, payment_status = $4,
		driver_rating = $5, user_rating = $6, cancel_reason = $7,
		accepted_at = $8, started_at = $9, completed_at = $10, cancelled_at = $11
		WHERE id = $12 AND status = $13`,
		row.DriverID, row.Status, row.FareAmount, row.PaymentStatus,
		row.DriverRating, row.UserRating, row.CancelReason,
		row.AcceptedAt, row.StartedAt, row.CompletedAt, row.CancelledAt,
		row.ID, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ride %s not in status %s: %w", r.ID, from, ErrConflict)
	}
	return nil
}

func (t *pgTx) SetDriverRide(ctx context.Context, driverID, rideID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO drivers(id, current_ride_id, updated_at)
		VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET
			current_ride_id = EXCLUDED.current_ride_id,
			updated_at = EXCLUDED.updated_at`,
		driverID, nullString(rideID), at)
	return err
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type driverRow struct {
	ID             string          `db:"id"`
	Available      bool            `db:"is_available"`
	CurrentRideID  sql.NullString  `db:"current_ride_id"`
	LastLat        sql.NullFloat64 `db:"last_lat"`
	LastLon        sql.NullFloat64 `db:"last_lon"`
	LastLocationAt sql.NullTime    `db:"last_location_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (p *PostgresStore) SaveDriverLocation(ctx context.Context, driverID string, loc models.Location) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, last_lat, last_lon, last_location_at, updated_at)
		VALUES($1,$2,$3,$4,$4)
		ON CONFLICT (id) DO UPDATE SET
			last_lat = EXCLUDED.last_lat,
			last_lon = EXCLUDED.last_lon,
			last_location_at = EXCLUDED.last_location_at,
			updated_at = EXCLUDED.updated_at
		WHERE drivers.last_location_at IS NULL OR drivers.last_location_at <= EXCLUDED.last_location_at`,
		driverID, loc.Lat, loc.Lon, loc.At)
	return err
}

func (p *PostgresStore) SaveDriverAvailability(ctx context.Context, driverID string, available bool, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, is_available, updated_at)
		VALUES($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET
			is_available = EXCLUDED.is_available,
			updated_at = EXCLUDED.updated_at`,
		driverID, available, at)
	return err
}

func (p *PostgresStore) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	var rows []driverRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT id, is_available, current_ride_id, last_lat, last_lon, last_location_at, updated_at FROM drivers ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]models.Driver, len(rows))
	for i, row := range rows {
		d := models.Driver{ID: row.ID, Available: row.Available, CurrentRideID: row.CurrentRideID.String, UpdatedAt: row.UpdatedAt}
		if row.LastLat.Valid && row.LastLon.Valid {
			d.LastLocation = &models.Location{Coord: models.Coord{Lat: row.LastLat.Float64, Lon: row.LastLon.Float64}, At: row.LastLocationAt.Time}
		}
		out[i] = d
	}
	return out, nil
}

func (p *PostgresStore) AppendRideLocation(ctx context.Context, l models.RideLocation) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO ride_locations(id, ride_id, latitude, longitude, heading, speed, recorded_at)
		VALUES(:id, :ride_id, :latitude, :longitude, :heading, :speed, :recorded_at)`, l)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return fmt.Errorf("ride %s: %w", l.RideID, models.ErrNotFound)
	}
	return err
}

func (p *PostgresStore) ListRideLocations(ctx context.Context, rideID string) ([]models.RideLocation, error) {
	out := []models.RideLocation{}
	err := p.db.SelectContext(ctx, &out, `SELECT id, ride_id, latitude, longitude, heading, speed, recorded_at
		FROM ride_locations WHERE ride_id = $1 ORDER BY recorded_at`, rideID)
	return out, err
}

func (p *PostgresStore) PruneRideLocations(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM ride_locations WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) DriverStats(ctx context.Context, driverID string) (models.DriverStats, error) {
	var st models.DriverStats
	err := p.db.GetContext(ctx, &st, `SELECT $1::text AS driver_id,
			COUNT(*) AS completed_rides,
			COALESCE(SUM(fare_amount), 0)::float8 AS total_earnings,
			COALESCE(AVG(driver_rating), 0)::float8 AS average_rating,
			COUNT(driver_rating) AS rated_rides
		FROM rides WHERE driver_id = $1 AND status = 'COMPLETED'`, driverID)
	return st, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
