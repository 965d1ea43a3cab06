package models

import "time"

// Lock is a lease-based mutual exclusion record. Exactly one holder at a time;
// once ExpiresAt passes the lock is reclaimable by the next acquirer even if the
// holder never released it.
type Lock struct {
	Key       string    `json:"key"   validate:"required"`
	Token     string    `json:"token" validate:"required"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has passed.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}
