// ABOUTME: Domain records and sentinel errors for hearth persistence
// ABOUTME: Tenants, customers, conversations, messages, schedules, bookings and reservations

package store

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateEmail    = errors.New("email already belongs to another customer")
	ErrSlotTaken         = errors.New("slot already booked")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConversationEnded = errors.New("conversation has expired")
	ErrDuplicateMessage  = errors.New("message id already used")
)

// Tenant is the unit of data isolation. Every lookup below it is tenant-scoped.
type Tenant struct {
	ID         string
	Name       string
	OwnerEmail string
	NotifyRoom string // Matrix room for escalation alerts, optional
	CreatedAt  time.Time
}

// OperatorStatus tracks whether an operator token is honored.
type OperatorStatus string

const (
	OperatorStatusActive  OperatorStatus = "active"
	OperatorStatusRevoked OperatorStatus = "revoked"
)

// Operator is a human agent who can take over conversations.
type Operator struct {
	ID          string
	TenantID    string
	DisplayName string
	Status      OperatorStatus
	CreatedAt   time.Time
}

// CustomerStatus tracks whether a customer is still recognized.
type CustomerStatus string

const (
	CustomerStatusActive   CustomerStatus = "active"
	CustomerStatusInactive CustomerStatus = "inactive"
)

// Customer is an end user of a tenant's widget. Email is empty until captured.
type Customer struct {
	ID          string
	TenantID    string
	Email       string
	DisplayName string
	Status      CustomerStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	StateActive    ConversationState = "ACTIVE"
	StateEscalated ConversationState = "ESCALATED"
	StateExpired   ConversationState = "EXPIRED"
)

// Conversation is a customer's thread with a tenant.
// LiveMode is only ever true while State is ESCALATED.
type Conversation struct {
	ID             string
	TenantID       string
	CustomerID     string
	Title          string
	State          ConversationState
	LiveMode       bool
	IsFavorite     bool
	LastSeq        int64
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Role identifies who authored a message from the customer's point of view.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an immutable entry in a conversation (except Seen).
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Role           Role
	Sender         string // customer id, "assistant" or "operator:<id>"
	Body           string
	MediaRef       string
	Seen           bool
	LatencyMS      *int64 // set only on assistant replies that answer a user message
	CreatedAt      time.Time
}

// Schedule lists the bookable slot labels for one weekday of a tenant.
type Schedule struct {
	TenantID  string
	Weekday   time.Weekday
	Slots     []string
	Active    bool
	UpdatedAt time.Time
}

// Booking is a committed appointment. (TenantID, Date, Slot) is unique.
type Booking struct {
	ID           string
	TenantID     string
	CustomerID   string
	Date         string // YYYY-MM-DD
	Slot         string
	ContactEmail string
	CreatedAt    time.Time
}

// Product is catalog data owned by the tenant's settings surface.
type Product struct {
	ID         string
	TenantID   string
	Name       string
	PriceCents int64
	Stock      int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ReservationStatus is the lifecycle of an inventory hold.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCompleted ReservationStatus = "COMPLETED"
)

// Reservation holds product inventory for a customer. Prices are snapshotted
// when the hold is placed.
type Reservation struct {
	ID             string
	TenantID       string
	CustomerID     string
	ProductID      string
	BookingID      string
	Quantity       int
	Status         ReservationStatus
	UnitPriceCents int64
	TotalCents     int64
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	TenantID      string
	State         ConversationState // empty for any
	FavoritesOnly bool
	Limit         int
}

// Transition describes a conditional conversation state change.
// The update only applies when the current state is one of From and, if
// IdleBefore is set, the last activity is strictly before it.
type Transition struct {
	From       []ConversationState
	To         ConversationState
	LiveMode   bool
	IdleBefore *time.Time
	At         time.Time
}
