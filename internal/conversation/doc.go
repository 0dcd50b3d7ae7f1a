// Package conversation runs customer conversations for a tenant.
//
// # Overview
//
// The conversation package sits between the HTTP/WebSocket handlers and the
// assistant, booking and fanout layers. Every inbound customer message goes
// through Service.HandleMessage:
//
//  1. Resolve the customer from the session token, or create an anonymous one
//  2. Load the conversation, or start a new one
//  3. Record activity
//  4. Persist the inbound message and publish it to the room
//  5. If a human has taken over (live mode), stop there
//  6. Otherwise ask the assistant, act on its booking intent, persist and
//     publish the reply, and escalate if it asked to
//
// The inbound message is always stored before the assistant runs. When the
// assistant fails the caller gets ErrAssistantUnavailable together with an
// Outcome carrying a fallback reply.
//
// # Lifecycle
//
// Lifecycle owns the state machine:
//
//	ACTIVE --Escalate--> ESCALATED (live mode on)
//	ESCALATED --HandBack--> ACTIVE (live mode off)
//	ACTIVE|ESCALATED --Expire (idle only)--> EXPIRED
//
// Each transition is a single conditional update in the store, so concurrent
// callers cannot interleave a half-applied change. Live mode is true only
// while ESCALATED. Expired conversations are read-only and a new message
// from the same customer starts a new conversation. Expiry is applied
// cooperatively when an idle conversation is loaded.
//
// Escalation notifies the tenant owner (mail and/or Matrix) once per
// transition. Notification failures are logged and never undo the
// escalation.
//
// # Operators
//
// OperatorReply posts a human message, escalating first if needed, and
// History, GetConversation and ListConversations back the operator inbox.
package conversation
