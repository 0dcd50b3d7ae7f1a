// Package booking decides which appointment slots are free and commits
// bookings and inventory holds.
//
// Availability is the weekday schedule minus committed bookings for that
// date. Committing a booking is a single insert guarded by a unique
// (tenant, date, slot) constraint, so of any number of concurrent requests for
// the same slot exactly one succeeds and the rest get ErrConflict. Nothing is
// retried.
//
// Reservations hold product stock for a limited time. A PENDING hold past its
// expiry stops counting against stock the next time anyone looks; there is no
// sweeper.
package booking
