// ABOUTME: Schedule, booking, product and reservation persistence for SQLStore
// ABOUTME: Bookings rely on a unique (tenant, date, slot) constraint; holds lock the product row

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PutSchedule creates or replaces the schedule for one weekday of a tenant.
func (s *SQLStore) PutSchedule(ctx context.Context, sch *Schedule) error {
	slots, err := json.Marshal(sch.Slots)
	if err != nil {
		return fmt.Errorf("encoding slots: %w", err)
	}
	if sch.UpdatedAt.IsZero() {
		sch.UpdatedAt = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE schedules SET slots = ?, is_active = ?, updated_at = ?
			WHERE tenant_id = ? AND day_of_week = ?
		`, string(slots), boolInt(sch.Active), formatTime(sch.UpdatedAt), sch.TenantID, int(sch.Weekday))
		if err != nil {
			return fmt.Errorf("updating schedule: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO schedules (tenant_id, day_of_week, slots, is_active, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, sch.TenantID, int(sch.Weekday), string(slots), boolInt(sch.Active), formatTime(sch.UpdatedAt))
		if err != nil {
			return fmt.Errorf("inserting schedule: %w", err)
		}
		return nil
	})
}

// GetSchedule returns the schedule of a tenant's weekday, or ErrNotFound.
func (s *SQLStore) GetSchedule(ctx context.Context, tenantID string, weekday time.Weekday) (*Schedule, error) {
	var sch Schedule
	var slots, updatedAt string
	var day int
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, day_of_week, slots, is_active, updated_at
		FROM schedules WHERE tenant_id = ? AND day_of_week = ?
	`, tenantID, int(weekday)).Scan(&sch.TenantID, &day, &slots, &sch.Active, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying schedule: %w", err)
	}
	if err := json.Unmarshal([]byte(slots), &sch.Slots); err != nil {
		return nil, fmt.Errorf("decoding slots: %w", err)
	}
	sch.Weekday = time.Weekday(day)
	sch.UpdatedAt = parseTime(updatedAt)
	return &sch, nil
}

// CreateBooking inserts a booking. The unique (tenant, date, slot) constraint
// makes this the commit point: a second insert for the same slot fails with
// ErrSlotTaken no matter how the calls interleave.
func (s *SQLStore) CreateBooking(ctx context.Context, b *Booking) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (id, tenant_id, customer_id, booking_date, slot, contact_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.TenantID, b.CustomerID, b.Date, b.Slot, b.ContactEmail, formatTime(b.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlotTaken
		}
		return fmt.Errorf("inserting booking: %w", err)
	}
	return nil
}

// GetBooking retrieves a tenant's booking by ID.
func (s *SQLStore) GetBooking(ctx context.Context, tenantID, id string) (*Booking, error) {
	var b Booking
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, booking_date, slot, contact_email, created_at
		FROM bookings WHERE id = ? AND tenant_id = ?
	`, id, tenantID).Scan(&b.ID, &b.TenantID, &b.CustomerID, &b.Date, &b.Slot, &b.ContactEmail, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying booking: %w", err)
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// ListBookedSlots returns the slot labels already booked for a tenant's date.
func (s *SQLStore) ListBookedSlots(ctx context.Context, tenantID, date string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slot FROM bookings WHERE tenant_id = ? AND booking_date = ?
	`, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("querying booked slots: %w", err)
	}
	defer rows.Close()

	var slots []string
	for rows.Next() {
		var slot string
		if err := rows.Scan(&slot); err != nil {
			return nil, fmt.Errorf("scanning slot: %w", err)
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// CreateProduct inserts a catalog product.
func (s *SQLStore) CreateProduct(ctx context.Context, p *Product) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, name, price_cents, stock, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TenantID, p.Name, p.PriceCents, p.Stock, boolInt(p.Active),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting product: %w", err)
	}
	return nil
}

const productColumns = `id, tenant_id, name, price_cents, stock, is_active, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (*Product, error) {
	var p Product
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.PriceCents, &p.Stock, &p.Active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// GetProduct retrieves a tenant's product by ID.
func (s *SQLStore) GetProduct(ctx context.Context, tenantID, id string) (*Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying product: %w", err)
	}
	return p, nil
}

// ListProducts returns a tenant's products ordered by name.
func (s *SQLStore) ListProducts(ctx context.Context, tenantID string, activeOnly bool) ([]*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE tenant_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// CreateReservation places a PENDING hold on product inventory. The product
// row is locked for the duration of the transaction so concurrent holds see
// each other's quantities. Unit and total prices are snapshotted from the
// product. Returns ErrInsufficientStock when the hold does not fit.
func (s *SQLStore) CreateReservation(ctx context.Context, r *Reservation, now time.Time) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("reservation quantity must be positive")
	}
	r.Status = ReservationPending
	r.CreatedAt = now
	r.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET updated_at = updated_at
			WHERE id = ? AND tenant_id = ? AND is_active = 1
		`, r.ProductID, r.TenantID)
		if err != nil {
			return fmt.Errorf("locking product: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		var price int64
		var stock int
		if err := tx.QueryRowContext(ctx, `SELECT price_cents, stock FROM products WHERE id = ?`,
			r.ProductID).Scan(&price, &stock); err != nil {
			return fmt.Errorf("reading product: %w", err)
		}

		held, err := heldQuantity(ctx, tx, r.ProductID, now)
		if err != nil {
			return err
		}
		if held+r.Quantity > stock {
			return ErrInsufficientStock
		}

		r.UnitPriceCents = price
		r.TotalCents = price * int64(r.Quantity)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (id, tenant_id, customer_id, product_id, booking_id, quantity, status,
				unit_price_cents, total_cents, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.TenantID, r.CustomerID, r.ProductID, nullString(r.BookingID), r.Quantity, string(r.Status),
			r.UnitPriceCents, r.TotalCents, formatTime(r.ExpiresAt), formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
		if err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}
		return nil
	})
}

// heldQuantity sums units held against a product: confirmed and completed
// reservations, plus pending ones that have not lapsed.
func heldQuantity(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, productID string, now time.Time) (int, error) {
	var held sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(quantity) FROM reservations
		WHERE product_id = ?
		  AND (status IN (?, ?) OR (status = ? AND expires_at > ?))
	`, productID, string(ReservationConfirmed), string(ReservationCompleted),
		string(ReservationPending), formatTime(now)).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("summing held quantity: %w", err)
	}
	return int(held.Int64), nil
}

// AvailableStock returns how many units of a product can still be held.
func (s *SQLStore) AvailableStock(ctx context.Context, tenantID, productID string, now time.Time) (int, error) {
	p, err := s.GetProduct(ctx, tenantID, productID)
	if err != nil {
		return 0, err
	}
	held, err := heldQuantity(ctx, s.db, productID, now)
	if err != nil {
		return 0, err
	}
	if avail := p.Stock - held; avail > 0 {
		return avail, nil
	}
	return 0, nil
}

// GetReservation retrieves a tenant's reservation by ID.
func (s *SQLStore) GetReservation(ctx context.Context, tenantID, id string) (*Reservation, error) {
	var r Reservation
	var bookingID sql.NullString
	var status, expiresAt, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, customer_id, product_id, booking_id, quantity, status,
			unit_price_cents, total_cents, expires_at, created_at, updated_at
		FROM reservations WHERE id = ? AND tenant_id = ?
	`, id, tenantID).Scan(&r.ID, &r.TenantID, &r.CustomerID, &r.ProductID, &bookingID, &r.Quantity, &status,
		&r.UnitPriceCents, &r.TotalCents, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying reservation: %w", err)
	}
	r.BookingID = bookingID.String
	r.Status = ReservationStatus(status)
	r.ExpiresAt = parseTime(expiresAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// TransitionReservation moves a reservation from one status to another.
// Leaving PENDING additionally requires the hold not to have lapsed at now.
// changed reports whether this call applied the update.
func (s *SQLStore) TransitionReservation(ctx context.Context, tenantID, id string, from, to ReservationStatus, now time.Time) (r *Reservation, changed bool, err error) {
	query := `UPDATE reservations SET status = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?`
	args := []any{string(to), formatTime(now), id, tenantID, string(from)}
	if from == ReservationPending {
		query += ` AND expires_at > ?`
		args = append(args, formatTime(now))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("updating reservation: %w", err)
	}
	n, _ := res.RowsAffected()

	r, err = s.GetReservation(ctx, tenantID, id)
	if err != nil {
		return nil, false, err
	}
	return r, n > 0, nil
}
