// ABOUTME: Inventory holds with expiry and price snapshot
// ABOUTME: PENDING holds lapse on their own; confirm and complete are idempotent

package booking

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/2389/hearth/internal/mail"
	"github.com/2389/hearth/internal/store"
)

// ReserveRequest asks to hold Quantity units of a product.
type ReserveRequest struct {
	TenantID     string
	CustomerID   string
	ProductID    string
	BookingID    string
	Quantity     int
	ContactEmail string
}

// ReserveResult is a placed hold.
type ReserveResult struct {
	Reservation *store.Reservation
	MailWarning string
}

// Reserve places a PENDING hold that lapses after the configured hold TTL.
// Insufficient stock returns ErrConflict; an unknown or inactive product
// returns store.ErrNotFound.
func (c *Coordinator) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", req.Quantity)
	}
	if req.BookingID != "" {
		b, err := c.store.GetBooking(ctx, req.TenantID, req.BookingID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && b.CustomerID != req.CustomerID) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBooking, req.BookingID)
		}
		if err != nil {
			return nil, err
		}
	}

	now := c.now()
	r := &store.Reservation{
		TenantID:   req.TenantID,
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		BookingID:  req.BookingID,
		Quantity:   req.Quantity,
		ExpiresAt:  now.Add(c.holdTTL),
	}
	if err := c.store.CreateReservation(ctx, r, now); err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return nil, err
	}

	c.logger.Info("reservation placed",
		"tenant_id", r.TenantID,
		"reservation_id", r.ID,
		"product_id", r.ProductID,
		"quantity", r.Quantity)

	result := &ReserveResult{Reservation: r}
	if req.ContactEmail != "" {
		data := map[string]string{
			"reservation_id": r.ID,
			"quantity":       strconv.Itoa(r.Quantity),
			"total":          formatCents(r.TotalCents),
			"expires_at":     r.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"),
		}
		if p, err := c.store.GetProduct(ctx, r.TenantID, r.ProductID); err == nil {
			data["product_name"] = p.Name
		}
		if err := c.sendMail(ctx, r.TenantID, req.ContactEmail, mail.KindReservationPlaced, data); err != nil {
			c.logger.Warn("reservation mail failed", "reservation_id", r.ID, "error", err)
			result.MailWarning = "reservation placed, but the email could not be sent"
		}
	}
	return result, nil
}

// ConfirmReservation moves a hold from PENDING to CONFIRMED. Confirming an
// already confirmed reservation returns it unchanged; a lapsed hold returns
// ErrHoldExpired.
func (c *Coordinator) ConfirmReservation(ctx context.Context, tenantID, id string) (*store.Reservation, error) {
	return c.advance(ctx, tenantID, id, store.ReservationPending, store.ReservationConfirmed)
}

// CompleteReservation moves a reservation from CONFIRMED to COMPLETED.
func (c *Coordinator) CompleteReservation(ctx context.Context, tenantID, id string) (*store.Reservation, error) {
	return c.advance(ctx, tenantID, id, store.ReservationConfirmed, store.ReservationCompleted)
}

func (c *Coordinator) advance(ctx context.Context, tenantID, id string, from, to store.ReservationStatus) (*store.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r, changed, err := c.store.TransitionReservation(ctx, tenantID, id, from, to, c.now())
	if err != nil {
		return nil, err
	}
	if changed || r.Status == to {
		return r, nil
	}
	if from == store.ReservationPending && r.Status == store.ReservationPending {
		return nil, ErrHoldExpired
	}
	return nil, fmt.Errorf("%w: reservation is %s", ErrConflict, r.Status)
}

// AvailableStock reports how many units of a product can still be held.
func (c *Coordinator) AvailableStock(ctx context.Context, tenantID, productID string) (int, error) {
	return c.store.AvailableStock(ctx, tenantID, productID, c.now())
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
