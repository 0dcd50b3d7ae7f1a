// ABOUTME: Operator HTTP handlers for the inbox, takeover and hand-back
// ABOUTME: Every handler is scoped to the tenant named in the operator's token

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/store"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

// ConversationResponse describes a conversation in the operator inbox.
type ConversationResponse struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	Title          string `json:"title"`
	State          string `json:"state"`
	LiveMode       bool   `json:"live_mode"`
	IsFavorite     bool   `json:"is_favorite"`
	LastSeq        int64  `json:"last_seq"`
	LastActivityAt string `json:"last_activity_at"`
	CreatedAt      string `json:"created_at"`
}

// ListConversationsResponse is the JSON response for GET /api/operator/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// operatorActionRequest is the optional body of operator actions.
type operatorActionRequest struct {
	Reason   string `json:"reason,omitempty"`
	Favorite *bool  `json:"favorite,omitempty"`
	Body     string `json:"body,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             c.ID,
		CustomerID:     c.CustomerID,
		Title:          c.Title,
		State:          string(c.State),
		LiveMode:       c.LiveMode,
		IsFavorite:     c.IsFavorite,
		LastSeq:        c.LastSeq,
		LastActivityAt: c.LastActivityAt.UTC().Format(time.RFC3339),
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// handleOperatorList handles GET /api/operator/conversations.
// Supports ?state=ACTIVE|ESCALATED|EXPIRED, ?favorites=true and ?limit=N.
func (g *Gateway) handleOperatorList(w http.ResponseWriter, r *http.Request) {
	op := auth.FromContext(r.Context())
	q := r.URL.Query()

	filter := store.ConversationFilter{
		TenantID:      op.TenantID,
		FavoritesOnly: q.Get("favorites") == "true",
		Limit:         defaultInboxLimit,
	}
	switch state := store.ConversationState(q.Get("state")); state {
	case "", store.StateActive, store.StateEscalated, store.StateExpired:
		filter.State = state
	default:
		g.sendJSONError(w, http.StatusBadRequest, "state must be ACTIVE, ESCALATED or EXPIRED")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = min(n, maxInboxLimit)
	}

	convs, err := g.conversation.ListConversations(r.Context(), filter)
	if err != nil {
		g.sendConversationError(w, err)
		return
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, conversationResponse(c))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleOperatorHistory handles GET /api/operator/conversations/{id}/messages.
func (g *Gateway) handleOperatorHistory(w http.ResponseWriter, r *http.Request) {
	op := auth.FromContext(r.Context())
	g.writeHistory(w, r, op.TenantID, "")
}

// handleOperatorAction handles POST /api/operator/conversations/{id}/{action}
// for escalate, handback, expire, favorite, seen and reply.
func (g *Gateway) handleOperatorAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	op := auth.FromContext(ctx)
	convID := r.PathValue("id")
	action := r.PathValue("action")

	var req operatorActionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := g.conversation.GetConversation(ctx, op.TenantID, convID)
	if err != nil {
		g.sendConversationError(w, err)
		return
	}

	life := g.conversation.Lifecycle()
	switch action {
	case "escalate":
		reason := req.Reason
		if reason == "" {
			reason = "taken over by " + op.DisplayName
		}
		conv, err = life.Escalate(ctx, conv.ID, reason)
	case "handback":
		conv, err = life.HandBack(ctx, conv.ID)
	case "expire":
		conv, err = life.Expire(ctx, conv.ID)
	case "favorite":
		favorite := req.Favorite == nil || *req.Favorite
		if err = life.SetFavorite(ctx, conv.ID, favorite); err == nil {
			conv.IsFavorite = favorite
		}
	case "seen":
		n, err := life.MarkSeen(ctx, conv.ID)
		if err != nil {
			g.sendConversationError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]int64{"marked": n})
		return
	case "reply":
		if req.MediaRef != "" && !ownsMediaRef(op.TenantID, req.MediaRef) {
			g.sendJSONError(w, http.StatusBadRequest, "invalid media_ref")
			return
		}
		msg, err := g.conversation.OperatorReply(ctx, op.TenantID, op.OperatorID, conv.ID, req.Body, req.MediaRef)
		if err != nil {
			g.sendConversationError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, g.messageResponse(ctx, msg))
		return
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown action")
		return
	}

	if err != nil {
		g.sendConversationError(w, err)
		return
	}
	g.logger.Info("operator action", "action", action, "conversation_id", conv.ID, "operator_id", op.OperatorID)
	g.sendJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleCompleteReservation handles POST /api/operator/reservations/{id}/complete.
func (g *Gateway) handleCompleteReservation(w http.ResponseWriter, r *http.Request) {
	op := auth.FromContext(r.Context())
	res, err := g.booking.CompleteReservation(r.Context(), op.TenantID, r.PathValue("id"))
	if err != nil {
		g.sendBookingError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, reservationResponse(res))
}
