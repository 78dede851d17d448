package domain

import "time"

type ReservationStatus string

const (
	// ReservationApplied means the reservation's bytes are counted against
	// the account but the claim has not yet been resolved.
	ReservationApplied ReservationStatus = "APPLIED"
	// ReservationCommitted means the claim was confirmed.
	ReservationCommitted ReservationStatus = "COMMITTED"
	// ReservationRolledBack means the claim was reverted and the bytes
	// returned to the account.
	ReservationRolledBack ReservationStatus = "ROLLEDBACK"
)

// Reservation is a provisional claim against an account's storage quota.
// Every reservation resolves exactly once, from APPLIED to either COMMITTED
// or ROLLEDBACK.
type Reservation struct {
	ID        string
	Owner     string
	Bytes     int64
	Status    ReservationStatus
	CreatedAt time.Time
}
