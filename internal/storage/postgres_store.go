package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/oku-ride/internal/models"
	"github.com/example/oku-ride/internal/schedule"
)

// exclusion_violation, raised by the bookings_no_overlap constraint.
const pqExclusionViolation = "23P01"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

const bookingColumns = `id, passenger_id, driver_id, start_time, end_time,
	pickup_label, pickup_lat, pickup_lng, dropoff_label, dropoff_lat, dropoff_lng,
	booking_type, purpose, special_instructions, status, version, created_at, updated_at`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkSlotTx(ctx, tx, b); err != nil {
			return err
		}
		b.Version = 1
		pl, pa, pg := placeArgs(b.Pickup)
		dl, da, dg := placeArgs(b.Dropoff)
		_, err := tx.ExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
			b.ID, b.PassengerID, nullString(b.DriverID), b.StartTime, b.EndTime,
			pl, pa, pg, dl, da, dg,
			b.BookingType, b.Purpose, b.SpecialInstructions, string(b.Status), b.Version, b.CreatedAt, b.UpdatedAt)
		return mapPQError(err)
	})
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking, expectedVersion int64) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkSlotTx(ctx, tx, b); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE bookings
			SET driver_id = $1, status = $2, version = $3, updated_at = $4
			WHERE id = $5 AND version = $6`,
			nullString(b.DriverID), string(b.Status), expectedVersion+1, b.UpdatedAt, b.ID, expectedVersion)
		if err != nil {
			return mapPQError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)`, b.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStale
		}
		b.Version = expectedVersion + 1
		return nil
	})
}

func (p *PostgresStore) ListBookings(ctx context.Context, f models.BookingFilter) ([]*models.Booking, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.PassengerID != "" {
		add("passenger_id", f.PassengerID)
	}
	if f.DriverID != "" {
		add("driver_id", f.DriverID)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY start_time, id`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DriverIntervals(ctx context.Context, driverID, excludeID string) ([]schedule.Interval, error) {
	return driverIntervals(ctx, p.db, driverID, excludeID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func driverIntervals(ctx context.Context, q queryer, driverID, excludeID string) ([]schedule.Interval, error) {
	rows, err := q.QueryContext(ctx, `SELECT start_time, end_time FROM bookings
		WHERE driver_id = $1 AND id <> $2 AND status = ANY($3)`,
		driverID, excludeID, pq.Array(activeStatusStrings()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Interval
	for rows.Next() {
		var iv schedule.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

// checkSlotTx serialises writers per driver with a transaction-scoped advisory
// lock, then checks the driver's other active bookings for overlap. The
// exclusion constraint backs this up for writers outside this process.
func checkSlotTx(ctx context.Context, tx *sql.Tx, b *models.Booking) error {
	if !holdsSlot(b) {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, b.DriverID); err != nil {
		return fmt.Errorf("lock driver %s: %w", b.DriverID, err)
	}
	existing, err := driverIntervals(ctx, tx, b.DriverID, b.ID)
	if err != nil {
		return err
	}
	conflict, err := schedule.HasConflict(intervalOf(b), existing)
	if err != nil {
		return err
	}
	if conflict {
		return ErrSlotConflict
	}
	return nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return mapPQError(tx.Commit())
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.Driver) error {
	if d.Approval == "" {
		d.Approval = models.ApprovalPending
	}
	now := time.Now().UTC()
	row := p.db.QueryRowContext(ctx, `INSERT INTO drivers(id, name, vehicle_type, vehicle_number, approval, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, vehicle_type = EXCLUDED.vehicle_type,
			vehicle_number = EXCLUDED.vehicle_number, approval = EXCLUDED.approval, updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.VehicleType, d.VehicleNumber, string(d.Approval), now)
	return row.Scan(&d.CreatedAt, &d.UpdatedAt)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, name, vehicle_type, vehicle_number, approval, created_at, updated_at
		FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) SetDriverApproval(ctx context.Context, id string, a models.Approval) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE drivers SET approval = $1, updated_at = now()
		WHERE id = $2
		RETURNING id, name, vehicle_type, vehicle_number, approval, created_at, updated_at`, string(a), id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDrivers(ctx context.Context, approval models.Approval) ([]*models.Driver, error) {
	q := `SELECT id, name, vehicle_type, vehicle_number, approval, created_at, updated_at FROM drivers`
	var args []any
	if approval != "" {
		q += ` WHERE approval = $1`
		args = append(args, string(approval))
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Driver, 0)
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*models.Booking, error) {
	var (
		b                      models.Booking
		driverID               sql.NullString
		pickupLat, pickupLng   sql.NullFloat64
		dropoffLat, dropoffLng sql.NullFloat64
		status                 string
	)
	err := s.Scan(&b.ID, &b.PassengerID, &driverID, &b.StartTime, &b.EndTime,
		&b.Pickup.Label, &pickupLat, &pickupLng, &b.Dropoff.Label, &dropoffLat, &dropoffLng,
		&b.BookingType, &b.Purpose, &b.SpecialInstructions, &status, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.DriverID = driverID.String
	b.Status = models.BookingStatus(status)
	b.Pickup.Coord = coordOf(pickupLat, pickupLng)
	b.Dropoff.Coord = coordOf(dropoffLat, dropoffLng)
	return &b, nil
}

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d        models.Driver
		approval string
	)
	if err := s.Scan(&d.ID, &d.Name, &d.VehicleType, &d.VehicleNumber, &approval, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Approval = models.Approval(approval)
	return &d, nil
}

func placeArgs(pl models.Place) (string, sql.NullFloat64, sql.NullFloat64) {
	if pl.Coord == nil {
		return pl.Label, sql.NullFloat64{}, sql.NullFloat64{}
	}
	return pl.Label, sql.NullFloat64{Float64: pl.Coord.Lat, Valid: true}, sql.NullFloat64{Float64: pl.Coord.Lng, Valid: true}
}

func coordOf(lat, lng sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func activeStatusStrings() []string {
	out := make([]string, len(models.ActiveStatuses))
	for i, s := range models.ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqExclusionViolation {
		return ErrSlotConflict
	}
	return err
}
