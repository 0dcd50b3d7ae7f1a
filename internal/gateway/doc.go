// Package gateway orchestrates the hearth-gateway server components.
//
// # Overview
//
// The Gateway owns every long-lived piece of the process: the SQL store,
// session and operator token services, the conversation service, the booking
// coordinator, the fanout hub (plus its optional Redis relay), the outgoing
// mailer, the optional rate limiter and media uploader, and the HTTP server.
//
// # HTTP API
//
// Customer endpoints (identified by tenant_id and a session token):
//
//   - POST /api/messages - Send a message, get {reply?, conversation_id, session_token?, live_mode}
//   - GET /api/slots - Open slots for a date
//   - POST /api/bookings - Book a slot (200, 409 with remaining slots, 500)
//   - POST /api/reservations - Hold product stock at a snapshot price
//   - POST /api/reservations/{id}/confirm - Confirm a held reservation
//   - GET /api/conversations/{id}/messages - Recent history (also accepts an operator bearer token)
//   - GET /api/conversations/{id}/live - Websocket stream of live events
//   - POST /api/uploads - Multipart media upload, returns media_ref
//
// Operator endpoints (Authorization: Bearer <jwt>):
//
//   - GET /api/operator/conversations - Inbox, filterable by state and favorites
//   - GET /api/operator/conversations/{id}/messages - History
//   - POST /api/operator/conversations/{id}/{action} - escalate, handback, expire, favorite, seen, reply
//   - POST /api/operator/reservations/{id}/complete - Mark a reservation fulfilled
//
// Health:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store and Redis)
//
// # Live Events
//
// The live socket first sends the conversation's current state, then every
// message and state event published to the conversation's room:
//
//	{"id":"...","type":"message","conversation_id":"...","message":{...}}
//	{"id":"...","type":"state","conversation_id":"...","state":{"state":"ESCALATED","live_mode":true}}
//
// Clients may send {"type":"seen","id":"<message id>"} for messages they
// already rendered locally; the hub then skips that id for the socket.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown:
//
//	cancel()
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown, Tailscale listener
//   - routes.go: route table
//   - api.go: customer handlers and error mapping
//   - operator.go: operator handlers
//   - live.go: websocket pumps
//   - uploads.go: media upload
package gateway
