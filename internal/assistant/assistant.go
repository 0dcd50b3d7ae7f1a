// ABOUTME: Contract between the conversation orchestrator and the automated assistant
// ABOUTME: Request carries tenant context, history and the latest turn; Reply may signal booking or escalation

package assistant

import (
	"context"
	"errors"
)

// ErrEmptyReply means the assistant answered without any text or media.
var ErrEmptyReply = errors.New("assistant returned an empty reply")

// Replier produces the next assistant turn.
type Replier interface {
	Reply(ctx context.Context, req *Request) (*Reply, error)
}

// Turn is one message of the conversation as the assistant sees it.
type Turn struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	MediaRef string `json:"media_ref,omitempty"`
}

// Product is catalog data offered to the assistant.
type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	InStock    bool   `json:"in_stock"`
}

// TenantContext describes the business the assistant speaks for.
type TenantContext struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Today     string    `json:"today"`
	OpenSlots []string  `json:"open_slots"`
	Products  []Product `json:"products"`
}

// Request asks for a reply to Latest given History (oldest first, excluding Latest).
type Request struct {
	ConversationID string        `json:"conversation_id"`
	Tenant         TenantContext `json:"tenant"`
	CustomerEmail  string        `json:"customer_email,omitempty"`
	History        []Turn        `json:"history"`
	Latest         Turn          `json:"latest"`
}

// BookingIntent is the assistant's structured request to book a slot and/or
// hold a product. Empty fields mean "not requested".
type BookingIntent struct {
	Date      string `json:"date,omitempty"`
	Slot      string `json:"slot,omitempty"`
	Email     string `json:"email,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Quantity  int    `json:"quantity,omitempty"`
}

// WantsSlot reports whether the intent asks for an appointment.
func (b *BookingIntent) WantsSlot() bool {
	return b != nil && b.Date != "" && b.Slot != ""
}

// WantsProduct reports whether the intent asks for a product hold.
func (b *BookingIntent) WantsProduct() bool {
	return b != nil && b.ProductID != ""
}

// Reply is the assistant's answer.
type Reply struct {
	ReplyText      string         `json:"reply_text"`
	MediaRef       string         `json:"media_ref,omitempty"`
	BookingIntent  *BookingIntent `json:"booking_intent,omitempty"`
	Escalate       bool           `json:"escalate,omitempty"`
	EscalateReason string         `json:"escalate_reason,omitempty"`
}
