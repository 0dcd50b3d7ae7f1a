// ABOUTME: Websocket endpoint streaming a conversation's live events
// ABOUTME: Customers authenticate with a session token, operators with their JWT

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/hearth/internal/auth"
	"github.com/2389/hearth/internal/fanout"
	"github.com/2389/hearth/internal/store"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = 30 * time.Second

	// liveReadLimit bounds client frames; clients only send small acks.
	liveReadLimit = 4 << 10
)

// liveClientFrame is the only frame clients send: an id they already rendered.
type liveClientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// handleLive handles GET /api/conversations/{id}/live.
//
// Query parameters: tenant_id plus either session_token (the conversation's
// customer) or access_token (an operator of the tenant). The first frame is
// the conversation's current state; message and state events follow.
func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	convID := r.PathValue("id")

	listener, ok := g.authorizeLive(ctx, w, tenantID, q.Get("session_token"), q.Get("access_token"))
	if !ok {
		return
	}

	conv, err := g.conversation.GetConversation(ctx, tenantID, convID)
	if err == nil && listener.customerID != "" && conv.CustomerID != listener.customerID {
		err = store.ErrNotFound
	}
	if err != nil {
		g.sendConversationError(w, err)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	// The request context ends when the handler returns, so the socket gets
	// its own lifetime tied to the gateway rather than the request.
	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	connID := uuid.NewString()
	sub, err := g.hub.Subscribe(liveCtx, conv.ID, connID)
	if err != nil {
		g.logger.Warn("subscribing live listener", "conversation_id", conv.ID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(liveWriteWait))
		_ = conn.Close()
		return
	}
	defer sub.Close()

	logger := g.logger.With("conversation_id", conv.ID, "conn_id", connID, "listener", listener.name)
	logger.Info("live listener connected")
	defer logger.Info("live listener disconnected")

	initial := &fanout.Event{
		ID:             "state:" + connID,
		Type:           fanout.EventState,
		ConversationID: conv.ID,
		State:          &fanout.StatePayload{State: string(conv.State), LiveMode: conv.LiveMode},
		CreatedAt:      time.Now().UTC(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	if err := conn.WriteJSON(initial); err != nil {
		_ = conn.Close()
		return
	}

	go g.liveReadPump(conn, sub, cancel)
	g.liveWritePump(liveCtx, conn, sub)
}

// liveListener names who opened a live socket.
type liveListener struct {
	customerID string
	name       string
}

// authorizeLive checks the socket's credentials, writing 401/403 on failure.
func (g *Gateway) authorizeLive(ctx context.Context, w http.ResponseWriter, tenantID, sessionToken, accessToken string) (*liveListener, bool) {
	if accessToken != "" {
		op, msg, status := auth.Authenticate(ctx, g.store, g.operators, accessToken)
		if op == nil {
			g.sendJSONError(w, status, msg)
			return nil, false
		}
		if !op.CanAccess(tenantID) {
			g.sendJSONError(w, http.StatusForbidden, "tenant not accessible")
			return nil, false
		}
		return &liveListener{name: "operator:" + op.OperatorID}, true
	}

	cust, ok := g.requireCustomer(ctx, w, tenantID, sessionToken)
	if !ok {
		return nil, false
	}
	return &liveListener{customerID: cust.ID, name: "customer:" + cust.ID}, true
}

// liveWritePump forwards hub events to the socket and keeps it alive with
// pings. It owns all writes to conn.
func (g *Gateway) liveWritePump(ctx context.Context, conn *websocket.Conn, sub *fanout.Subscription) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(liveWriteWait))
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// Hub closed or unsubscribed.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(liveWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// liveReadPump consumes client frames until the socket fails, then cancels
// the write pump.
func (g *Gateway) liveReadPump(conn *websocket.Conn, sub *fanout.Subscription, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(liveReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		var frame liveClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("live socket read error", "error", err)
			}
			return
		}
		if frame.Type == "seen" && frame.ID != "" {
			sub.MarkSeen(frame.ID)
		}
	}
}
