// Package store provides persistent storage for hearth.
//
// # Drivers
//
// SQLStore speaks two dialects through database/sql:
//
//   - sqlite (modernc.org/sqlite): default, single writer connection, WAL
//   - mysql (github.com/go-sql-driver/mysql): pooled, InnoDB row locks
//
// The schema is created on open. All SQL uses ? placeholders and portable
// statements; timestamps are fixed-width UTC text so string comparison
// matches time order on both dialects.
//
// # Data Models
//
//   - Tenant: unit of isolation; every other lookup is tenant-scoped
//   - Operator: human agent authenticated by bearer token
//   - Customer: widget end user, email unique per tenant, never deleted
//   - Conversation: ACTIVE, ESCALATED or EXPIRED with a live-mode flag
//   - Message: sequenced per conversation, immutable except the seen flag
//   - Schedule, Booking: weekday slot labels and committed appointments
//   - Product, Reservation: catalog inventory and expiring holds
//
// # Concurrency
//
// Correctness never depends on read-then-write:
//
//   - CreateBooking relies on UNIQUE(tenant_id, booking_date, slot)
//   - AppendMessage increments conversations.last_seq inside its transaction
//   - CreateReservation locks the product row before summing holds
//   - TransitionConversation is a single conditional UPDATE
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist (or belongs to another tenant)
//   - ErrSlotTaken: the (tenant, date, slot) is already booked
//   - ErrInsufficientStock: a hold would exceed product stock
//   - ErrDuplicateEmail: another customer of the tenant owns the email
//   - ErrConversationEnded: write attempted on an EXPIRED conversation
//
// # Testing
//
// Tests use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")).
package store
