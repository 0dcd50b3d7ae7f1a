// ABOUTME: Acts on the booking intent an assistant reply carries
// ABOUTME: Commits slots and product holds and turns the outcome into customer-facing text

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/hearth/internal/assistant"
	"github.com/2389/hearth/internal/booking"
	"github.com/2389/hearth/internal/store"
)

const askForEmail = "Could you share the email address we should send the confirmation to?"

// handleIntent executes intent for cust and returns text to append to the
// reply plus any soft warnings. It never fails the message.
func (s *Service) handleIntent(ctx context.Context, tenantID string, cust *store.Customer, intent *assistant.BookingIntent) (string, []string) {
	if intent.Email != "" && cust.Email == "" {
		s.attachEmail(ctx, cust, intent.Email)
	}

	var (
		parts     []string
		warnings  []string
		bookingID string
	)

	if intent.WantsSlot() {
		if cust.Email == "" {
			return askForEmail, nil
		}
		text, b, warning := s.bookSlot(ctx, tenantID, cust, intent)
		parts = append(parts, text)
		if warning != "" {
			warnings = append(warnings, warning)
		}
		if b == nil && intent.WantsProduct() {
			// don't hold product for an appointment that didn't happen
			return strings.Join(parts, "\n"), warnings
		}
		if b != nil {
			bookingID = b.ID
		}
	}

	if intent.WantsProduct() {
		text, warning := s.reserveProduct(ctx, tenantID, cust, intent, bookingID)
		parts = append(parts, text)
		if warning != "" {
			warnings = append(warnings, warning)
		}
	}

	return strings.Join(parts, "\n"), warnings
}

func (s *Service) bookSlot(ctx context.Context, tenantID string, cust *store.Customer, intent *assistant.BookingIntent) (string, *store.Booking, string) {
	res, err := s.booker.Book(ctx, booking.BookRequest{
		TenantID:     tenantID,
		CustomerID:   cust.ID,
		Date:         intent.Date,
		Slot:         intent.Slot,
		ContactEmail: cust.Email,
	})
	switch {
	case err == nil:
		return fmt.Sprintf("You're booked for %s on %s.", intent.Slot, intent.Date), res.Booking, res.MailWarning
	case errors.Is(err, booking.ErrConflict):
		return s.alternatives(ctx, tenantID, intent), nil, ""
	case errors.Is(err, booking.ErrUnknownSlot), errors.Is(err, booking.ErrInvalidDate):
		return fmt.Sprintf("%s isn't one of our times on %s.", intent.Slot, intent.Date), nil, ""
	default:
		s.logger.Error("booking from conversation failed",
			"tenant_id", tenantID,
			"customer_id", cust.ID,
			"error", err)
		return "I couldn't complete the booking just now. Someone from the team will follow up.", nil, "booking failed"
	}
}

// alternatives explains a lost slot and offers what is still open that day.
func (s *Service) alternatives(ctx context.Context, tenantID string, intent *assistant.BookingIntent) string {
	taken := fmt.Sprintf("Sorry, %s on %s was just taken.", intent.Slot, intent.Date)
	open, err := s.booker.ListAvailableSlots(ctx, tenantID, intent.Date)
	if err != nil || len(open) == 0 {
		return taken + " There are no other openings that day."
	}
	return taken + " Still open: " + strings.Join(open, ", ") + "."
}

func (s *Service) reserveProduct(ctx context.Context, tenantID string, cust *store.Customer, intent *assistant.BookingIntent, bookingID string) (string, string) {
	qty := max(intent.Quantity, 1)
	res, err := s.booker.Reserve(ctx, booking.ReserveRequest{
		TenantID:     tenantID,
		CustomerID:   cust.ID,
		ProductID:    intent.ProductID,
		BookingID:    bookingID,
		Quantity:     qty,
		ContactEmail: cust.Email,
	})
	switch {
	case err == nil:
		r := res.Reservation
		return fmt.Sprintf("I've set aside %d for you until %s UTC (total %d.%02d).",
			r.Quantity, r.ExpiresAt.UTC().Format(time.Kitchen), r.TotalCents/100, r.TotalCents%100), res.MailWarning
	case errors.Is(err, booking.ErrConflict):
		return "Sorry, we don't have enough of that in stock right now.", ""
	case errors.Is(err, store.ErrNotFound):
		return "That item isn't available.", ""
	default:
		s.logger.Error("reservation from conversation failed",
			"tenant_id", tenantID,
			"customer_id", cust.ID,
			"error", err)
		return "I couldn't hold that item just now. Someone from the team will follow up.", "reservation failed"
	}
}
