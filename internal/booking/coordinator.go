// ABOUTME: Slot availability and booking commit for tenant appointment schedules
// ABOUTME: Commits rely on the store's unique slot constraint; confirmation mail is best-effort

package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/2389/hearth/internal/mail"
	"github.com/2389/hearth/internal/store"
)

// DateLayout is the calendar date format used by requests and storage.
const DateLayout = "2006-01-02"

var (
	// ErrConflict means the slot or stock was taken by someone else.
	ErrConflict = errors.New("booking conflict")

	// ErrUnknownSlot means the slot is not offered on that day.
	ErrUnknownSlot = errors.New("slot not offered on that date")

	// ErrInvalidDate means the date is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("invalid date")

	// ErrHoldExpired means a PENDING reservation lapsed before confirmation.
	ErrHoldExpired = errors.New("reservation hold expired")

	// ErrUnknownBooking means a reservation named a booking the customer does not hold.
	ErrUnknownBooking = errors.New("booking not found for customer")
)

// Store is the persistence the coordinator needs.
type Store interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	GetSchedule(ctx context.Context, tenantID string, weekday time.Weekday) (*store.Schedule, error)
	PutSchedule(ctx context.Context, sch *store.Schedule) error
	ListBookedSlots(ctx context.Context, tenantID, date string) ([]string, error)
	CreateBooking(ctx context.Context, b *store.Booking) error
	GetBooking(ctx context.Context, tenantID, id string) (*store.Booking, error)

	GetProduct(ctx context.Context, tenantID, id string) (*store.Product, error)
	CreateReservation(ctx context.Context, r *store.Reservation, now time.Time) error
	GetReservation(ctx context.Context, tenantID, id string) (*store.Reservation, error)
	TransitionReservation(ctx context.Context, tenantID, id string, from, to store.ReservationStatus, now time.Time) (*store.Reservation, bool, error)
	AvailableStock(ctx context.Context, tenantID, productID string, now time.Time) (int, error)
}

// Options tunes a Coordinator. Zero values fall back to defaults.
type Options struct {
	Timeout          time.Duration
	HoldTTL          time.Duration
	ScheduleCacheTTL time.Duration
}

// Coordinator answers availability questions and commits bookings.
type Coordinator struct {
	store    Store
	mailer   mail.Mailer
	timeout  time.Duration
	holdTTL  time.Duration
	schedule *cache.Cache
	now      func() time.Time
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator. Pass nil logger for default.
func NewCoordinator(s Store, mailer mail.Mailer, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HoldTTL <= 0 {
		opts.HoldTTL = 15 * time.Minute
	}
	if opts.ScheduleCacheTTL <= 0 {
		opts.ScheduleCacheTTL = time.Minute
	}
	return &Coordinator{
		store:    s,
		mailer:   mailer,
		timeout:  opts.Timeout,
		holdTTL:  opts.HoldTTL,
		schedule: cache.New(opts.ScheduleCacheTTL, 2*opts.ScheduleCacheTTL),
		now:      time.Now,
		logger:   logger.With("component", "booking"),
	}
}

// ParseDate validates a YYYY-MM-DD date.
func ParseDate(date string) (time.Time, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return d, nil
}

func scheduleKey(tenantID string, weekday time.Weekday) string {
	return tenantID + "/" + strconv.Itoa(int(weekday))
}

// activeSlots returns the offered slot labels for a tenant's weekday, or nil
// when there is no active schedule.
func (c *Coordinator) activeSlots(ctx context.Context, tenantID string, weekday time.Weekday) ([]string, error) {
	key := scheduleKey(tenantID, weekday)
	if cached, ok := c.schedule.Get(key); ok {
		return cached.([]string), nil
	}

	sch, err := c.store.GetSchedule(ctx, tenantID, weekday)
	var slots []string
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading schedule: %w", err)
	case sch.Active:
		slots = sch.Slots
	}

	c.schedule.SetDefault(key, slots)
	return slots, nil
}

// ListAvailableSlots returns the slots of date's weekday schedule that have no
// committed booking, in schedule order. A day without an active schedule has
// no slots.
func (c *Coordinator) ListAvailableSlots(ctx context.Context, tenantID, date string) ([]string, error) {
	d, err := ParseDate(date)
	if err != nil {
		return nil, err
	}

	offered, err := c.activeSlots(ctx, tenantID, d.Weekday())
	if err != nil {
		return nil, err
	}
	if len(offered) == 0 {
		return []string{}, nil
	}

	booked, err := c.store.ListBookedSlots(ctx, tenantID, date)
	if err != nil {
		return nil, fmt.Errorf("loading booked slots: %w", err)
	}

	free := make([]string, 0, len(offered))
	for _, slot := range offered {
		if !slices.Contains(booked, slot) {
			free = append(free, slot)
		}
	}
	return free, nil
}

// SetSchedule replaces a tenant's weekday schedule and drops the cached copy.
func (c *Coordinator) SetSchedule(ctx context.Context, tenantID string, weekday time.Weekday, slots []string, active bool) error {
	err := c.store.PutSchedule(ctx, &store.Schedule{
		TenantID:  tenantID,
		Weekday:   weekday,
		Slots:     slots,
		Active:    active,
		UpdatedAt: c.now(),
	})
	if err != nil {
		return err
	}
	c.schedule.Delete(scheduleKey(tenantID, weekday))
	return nil
}

// BookRequest asks for one slot on one date.
type BookRequest struct {
	TenantID     string
	CustomerID   string
	Date         string
	Slot         string
	ContactEmail string
}

// BookResult is a committed booking. MailWarning is set when the
// confirmation mail could not be handed off; the booking stands regardless.
type BookResult struct {
	Booking     *store.Booking
	MailWarning string
}

// Book commits req if the slot is still free. A lost race returns
// ErrConflict; the call never retries.
func (c *Coordinator) Book(ctx context.Context, req BookRequest) (*BookResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	d, err := ParseDate(req.Date)
	if err != nil {
		return nil, err
	}

	offered, err := c.activeSlots(ctx, req.TenantID, d.Weekday())
	if err != nil {
		return nil, err
	}
	if !slices.Contains(offered, req.Slot) {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownSlot, req.Date, req.Slot)
	}

	b := &store.Booking{
		TenantID:     req.TenantID,
		CustomerID:   req.CustomerID,
		Date:         req.Date,
		Slot:         req.Slot,
		ContactEmail: req.ContactEmail,
		CreatedAt:    c.now(),
	}
	if err := c.store.CreateBooking(ctx, b); err != nil {
		if errors.Is(err, store.ErrSlotTaken) {
			return nil, fmt.Errorf("%w: %w", ErrConflict, err)
		}
		return nil, fmt.Errorf("committing booking: %w", err)
	}

	c.logger.Info("booking committed",
		"tenant_id", b.TenantID,
		"booking_id", b.ID,
		"date", b.Date,
		"slot", b.Slot)

	result := &BookResult{Booking: b}
	if b.ContactEmail != "" {
		data := map[string]string{
			"date":       b.Date,
			"slot":       b.Slot,
			"booking_id": b.ID,
		}
		if err := c.sendMail(ctx, b.TenantID, b.ContactEmail, mail.KindBookingConfirmed, data); err != nil {
			c.logger.Warn("booking confirmation mail failed", "booking_id", b.ID, "error", err)
			result.MailWarning = "booking confirmed, but the confirmation email could not be sent"
		}
	}
	return result, nil
}

func (c *Coordinator) sendMail(ctx context.Context, tenantID, to string, kind mail.Kind, data map[string]string) error {
	if c.mailer == nil {
		return nil
	}
	if t, err := c.store.GetTenant(ctx, tenantID); err == nil {
		data["tenant_name"] = t.Name
	}
	return c.mailer.Send(ctx, mail.New(tenantID, to, kind, data))
}
