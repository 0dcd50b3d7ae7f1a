// ABOUTME: Customer-facing HTTP handlers: messages, slots, bookings, reservations and history
// ABOUTME: Errors are JSON {"error": ...}; infrastructure details are logged, never returned

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/booking"
	"github.com/2389/hearth/internal/conversation"
	"github.com/2389/hearth/internal/store"
)

const (
	maxJSONBody = 64 << 10

	// sessionHeader carries the customer session token on GET requests.
	sessionHeader = "X-Session-Token"
)

// PostMessageRequest is the JSON request body for POST /api/messages.
type PostMessageRequest struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionToken   string `json:"session_token,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Content        string `json:"content"`
	MediaRef       string `json:"media_ref,omitempty"`
}

// PostMessageResponse is the JSON response for POST /api/messages.
type PostMessageResponse struct {
	Reply            string   `json:"reply,omitempty"`
	ConversationID   string   `json:"conversation_id"`
	MessageID        string   `json:"message_id"`
	ReplyMessageID   string   `json:"reply_message_id,omitempty"`
	SessionToken     string   `json:"session_token,omitempty"`
	SessionExpiresAt string   `json:"session_expires_at,omitempty"`
	LiveMode         bool     `json:"live_mode"`
	Pending          bool     `json:"pending,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// SlotsResponse is the JSON response for GET /api/slots.
type SlotsResponse struct {
	Date  string   `json:"date"`
	Slots []string `json:"slots"`
}

// BookingRequest is the JSON request body for POST /api/bookings.
type BookingRequest struct {
	TenantID     string `json:"tenant_id"`
	SessionToken string `json:"session_token"`
	Date         string `json:"date"`
	Slot         string `json:"slot"`
	Email        string `json:"email,omitempty"`
}

// BookingResponse is the JSON response for a committed booking.
type BookingResponse struct {
	BookingID string `json:"booking_id"`
	Date      string `json:"date"`
	Slot      string `json:"slot"`
	Warning   string `json:"warning,omitempty"`
}

// ConflictResponse is returned with 409 when a slot is gone.
type ConflictResponse struct {
	Error string   `json:"error"`
	Slots []string `json:"slots"`
}

// ReservationRequest is the JSON request body for POST /api/reservations.
type ReservationRequest struct {
	TenantID     string `json:"tenant_id"`
	SessionToken string `json:"session_token"`
	ProductID    string `json:"product_id"`
	BookingID    string `json:"booking_id,omitempty"`
	Quantity     int    `json:"quantity"`
	Email        string `json:"email,omitempty"`
}

// ReservationResponse describes a reservation.
type ReservationResponse struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	BookingID      string `json:"booking_id,omitempty"`
	Quantity       int    `json:"quantity"`
	Status         string `json:"status"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
	ExpiresAt      string `json:"expires_at"`
	Warning        string `json:"warning,omitempty"`
}

// MessageResponse is one message in a history response.
type MessageResponse struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Role      string `json:"role"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	MediaRef  string `json:"media_ref,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	Seen      bool   `json:"seen"`
	LatencyMS *int64 `json:"latency_ms,omitempty"`
	CreatedAt string `json:"created_at"`
}

// HistoryResponse is the JSON response for conversation history.
type HistoryResponse struct {
	ConversationID string            `json:"conversation_id"`
	State          string            `json:"state"`
	LiveMode       bool              `json:"live_mode"`
	Messages       []MessageResponse `json:"messages"`
}

// handlePostMessage handles POST /api/messages.
//
// The message is always recorded before the assistant runs. When the
// assistant is unavailable the customer still gets 200 with a fallback reply
// and pending=true; an operator will pick the conversation up.
func (g *Gateway) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if req.MediaRef != "" && !ownsMediaRef(req.TenantID, req.MediaRef) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid media_ref")
		return
	}

	out, err := g.conversation.HandleMessage(r.Context(), conversation.InboundMessage{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		SessionToken:   req.SessionToken,
		MessageID:      req.MessageID,
		Content:        req.Content,
		MediaRef:       req.MediaRef,
	})
	if err != nil && !(errors.Is(err, conversation.ErrAssistantUnavailable) && out != nil) {
		g.sendConversationError(w, err)
		return
	}

	resp := PostMessageResponse{
		Reply:          out.Reply,
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		ReplyMessageID: out.ReplyMessageID,
		SessionToken:   out.SessionToken,
		LiveMode:       out.LiveMode,
		Pending:        out.Pending,
		Warnings:       out.Warnings,
	}
	if !out.SessionExpiresAt.IsZero() {
		resp.SessionExpiresAt = out.SessionExpiresAt.UTC().Format(time.RFC3339)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleListSlots handles GET /api/slots?tenant_id=X&date=YYYY-MM-DD.
func (g *Gateway) handleListSlots(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	date := r.URL.Query().Get("date")
	if tenantID == "" || date == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id and date are required")
		return
	}

	slots, err := g.booking.ListAvailableSlots(r.Context(), tenantID, date)
	if err != nil {
		g.sendBookingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, SlotsResponse{Date: date, Slots: slots})
}

// handleCreateBooking handles POST /api/bookings.
// Returns 200 on success, 409 with the remaining slots when the slot is
// taken, 400 for an invalid date or slot.
func (g *Gateway) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID == "" || req.Date == "" || req.Slot == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id, date and slot are required")
		return
	}

	cust, ok := g.requireCustomer(r.Context(), w, req.TenantID, req.SessionToken)
	if !ok {
		return
	}

	res, err := g.booking.Book(r.Context(), booking.BookRequest{
		TenantID:     req.TenantID,
		CustomerID:   cust.ID,
		Date:         req.Date,
		Slot:         req.Slot,
		ContactEmail: contactEmail(req.Email, cust),
	})
	if errors.Is(err, booking.ErrConflict) {
		slots, listErr := g.booking.ListAvailableSlots(r.Context(), req.TenantID, req.Date)
		if listErr != nil {
			g.logger.Warn("listing alternatives after conflict", "tenant_id", req.TenantID, "error", listErr)
			slots = []string{}
		}
		g.sendJSON(w, http.StatusConflict, ConflictResponse{Error: "slot already booked", Slots: slots})
		return
	}
	if err != nil {
		g.sendBookingError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, BookingResponse{
		BookingID: res.Booking.ID,
		Date:      res.Booking.Date,
		Slot:      res.Booking.Slot,
		Warning:   res.MailWarning,
	})
}

// handleCreateReservation handles POST /api/reservations.
func (g *Gateway) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var req ReservationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID == "" || req.ProductID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "tenant_id and product_id are required")
		return
	}
	if req.Quantity <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	cust, ok := g.requireCustomer(r.Context(), w, req.TenantID, req.SessionToken)
	if !ok {
		return
	}

	res, err := g.booking.Reserve(r.Context(), booking.ReserveRequest{
		TenantID:     req.TenantID,
		CustomerID:   cust.ID,
		ProductID:    req.ProductID,
		BookingID:    req.BookingID,
		Quantity:     req.Quantity,
		ContactEmail: contactEmail(req.Email, cust),
	})
	if err != nil {
		g.sendBookingError(w, err)
		return
	}

	resp := reservationResponse(res.Reservation)
	resp.Warning = res.MailWarning
	g.sendJSON(w, http.StatusOK, resp)
}

// handleConfirmReservation handles POST /api/reservations/{id}/confirm.
// Only the customer who placed the hold may confirm it.
func (g *Gateway) handleConfirmReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID     string `json:"tenant_id"`
		SessionToken string `json:"session_token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	cust, ok := g.requireCustomer(r.Context(), w, req.TenantID, req.SessionToken)
	if !ok {
		return
	}

	id := r.PathValue("id")
	existing, err := g.store.GetReservation(r.Context(), req.TenantID, id)
	if err == nil && existing.CustomerID != cust.ID {
		err = store.ErrNotFound
	}
	if err != nil {
		g.sendBookingError(w, err)
		return
	}

	res, err := g.booking.ConfirmReservation(r.Context(), req.TenantID, id)
	if err != nil {
		g.sendBookingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, reservationResponse(res))
}

// handleCustomerHistory handles GET /api/conversations/{id}/messages.
// Clients call it after reconnecting the live socket to fill any gap.
func (g *Gateway) handleCustomerHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	// Operators reach the same route with a bearer token.
	if op := auth.FromContext(r.Context()); op != nil {
		if tenantID != "" && !op.CanAccess(tenantID) {
			g.sendJSONError(w, http.StatusForbidden, "access denied")
			return
		}
		g.writeHistory(w, r, op.TenantID, "")
		return
	}

	token := r.Header.Get(sessionHeader)
	if token == "" {
		token = q.Get("session_token")
	}

	cust, ok := g.requireCustomer(r.Context(), w, tenantID, token)
	if !ok {
		return
	}
	g.writeHistory(w, r, tenantID, cust.ID)
}

// writeHistory loads a conversation's recent messages. customerID restricts
// access to that customer; empty means operator access.
func (g *Gateway) writeHistory(w http.ResponseWriter, r *http.Request, tenantID, customerID string) {
	ctx := r.Context()
	convID := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	msgs, err := g.conversation.History(ctx, tenantID, customerID, convID, limit)
	if err != nil {
		g.sendConversationError(w, err)
		return
	}
	conv, err := g.conversation.GetConversation(ctx, tenantID, convID)
	if err != nil {
		g.sendConversationError(w, err)
		return
	}

	resp := HistoryResponse{
		ConversationID: conv.ID,
		State:          string(conv.State),
		LiveMode:       conv.LiveMode,
		Messages:       make([]MessageResponse, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, g.messageResponse(ctx, m))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func (g *Gateway) messageResponse(ctx context.Context, m *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:        m.ID,
		Seq:       m.Seq,
		Role:      string(m.Role),
		Sender:    m.Sender,
		Body:      m.Body,
		MediaRef:  m.MediaRef,
		Seen:      m.Seen,
		LatencyMS: m.LatencyMS,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.MediaRef != "" && g.media != nil {
		if url, err := g.media.URL(ctx, m.MediaRef); err == nil {
			resp.MediaURL = url
		} else {
			g.logger.Debug("presigning media", "message_id", m.ID, "error", err)
		}
	}
	return resp
}

func reservationResponse(r *store.Reservation) ReservationResponse {
	return ReservationResponse{
		ID:             r.ID,
		ProductID:      r.ProductID,
		BookingID:      r.BookingID,
		Quantity:       r.Quantity,
		Status:         string(r.Status),
		UnitPriceCents: r.UnitPriceCents,
		TotalCents:     r.TotalCents,
		ExpiresAt:      r.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// requireCustomer resolves a session token or writes 401.
func (g *Gateway) requireCustomer(ctx context.Context, w http.ResponseWriter, tenantID, token string) (*store.Customer, bool) {
	if tenantID == "" || token == "" {
		g.sendJSONError(w, http.StatusUnauthorized, "session_token is required")
		return nil, false
	}
	cust, err := g.conversation.CustomerFromToken(ctx, tenantID, token)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrExpiredToken) {
			g.logger.Error("resolving session", "tenant_id", tenantID, "error", err)
		}
		g.sendJSONError(w, http.StatusUnauthorized, "invalid session")
		return nil, false
	}
	return cust, true
}

// contactEmail prefers an explicit address over the one on file.
func contactEmail(explicit string, cust *store.Customer) string {
	if e := strings.TrimSpace(explicit); e != "" {
		return e
	}
	return cust.Email
}

// ownsMediaRef reports whether ref points into the tenant's upload prefix.
func ownsMediaRef(tenantID, ref string) bool {
	return strings.HasPrefix(ref, "s3://") && strings.Contains(ref, "/tenants/"+tenantID+"/")
}

// sendConversationError maps conversation errors to HTTP statuses.
func (g *Gateway) sendConversationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, "content or media_ref is required")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, conversation.ErrConversationExpired):
		g.sendJSONError(w, http.StatusConflict, "conversation has expired")
	case errors.Is(err, conversation.ErrDuplicateMessage):
		g.sendJSONError(w, http.StatusConflict, "message_id already used")
	case errors.Is(err, conversation.ErrNotIdle):
		g.sendJSONError(w, http.StatusConflict, "conversation is not idle")
	case errors.Is(err, conversation.ErrAssistantUnavailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, "assistant unavailable")
	default:
		g.logger.Error("conversation request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendBookingError maps booking errors to HTTP statuses.
func (g *Gateway) sendBookingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrInvalidDate):
		g.sendJSONError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
	case errors.Is(err, booking.ErrUnknownSlot):
		g.sendJSONError(w, http.StatusBadRequest, "slot not offered on that date")
	case errors.Is(err, booking.ErrUnknownBooking):
		g.sendJSONError(w, http.StatusBadRequest, "unknown booking_id")
	case errors.Is(err, booking.ErrHoldExpired):
		g.sendJSONError(w, http.StatusConflict, "reservation hold expired")
	case errors.Is(err, booking.ErrConflict):
		g.sendJSONError(w, http.StatusConflict, "not available")
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		g.sendJSONError(w, http.StatusServiceUnavailable, "timed out")
	default:
		g.logger.Error("booking request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}
