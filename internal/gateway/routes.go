// ABOUTME: HTTP route table for the gateway
// ABOUTME: Customer routes sit behind the optional rate limiter, operator routes behind JWT auth

package gateway

import (
	"net/http"

	"github.com/2389/hearth/internal/auth"
)

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Customer endpoints - identified by session token
	mux.Handle("POST /api/messages", g.limited(g.handlePostMessage))
	mux.HandleFunc("GET /api/slots", g.handleListSlots)
	mux.Handle("POST /api/bookings", g.limited(g.handleCreateBooking))
	mux.Handle("POST /api/reservations", g.limited(g.handleCreateReservation))
	mux.Handle("POST /api/reservations/{id}/confirm", g.limited(g.handleConfirmReservation))
	mux.Handle("GET /api/conversations/{id}/messages", auth.OptionalAuthMiddleware(g.store, g.operators)(http.HandlerFunc(g.handleCustomerHistory)))
	mux.HandleFunc("GET /api/conversations/{id}/live", g.handleLive)
	mux.Handle("POST /api/uploads", g.limited(g.handleUpload))

	// Operator endpoints - bearer JWT
	requireOperator := auth.HTTPAuthMiddleware(g.store, g.operators)
	mux.Handle("GET /api/operator/conversations", requireOperator(http.HandlerFunc(g.handleOperatorList)))
	mux.Handle("GET /api/operator/conversations/{id}/messages", requireOperator(http.HandlerFunc(g.handleOperatorHistory)))
	mux.Handle("POST /api/operator/conversations/{id}/{action}", requireOperator(http.HandlerFunc(g.handleOperatorAction)))
	mux.Handle("POST /api/operator/reservations/{id}/complete", requireOperator(http.HandlerFunc(g.handleCompleteReservation)))

	return mux
}

// limited wraps a customer handler with the rate limiter when one is configured.
func (g *Gateway) limited(h http.HandlerFunc) http.Handler {
	if g.limiter == nil {
		return h
	}
	return g.limiter.Middleware(h)
}
