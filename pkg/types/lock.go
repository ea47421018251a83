package types

import "time"

// LockRecord is the ephemeral ownership record written into a store's lock
// file while its critical section is held.
type LockRecord struct {
	HolderID   string    `json:"holder_id"`
	PID        int       `json:"pid"`
	Resource   string    `json:"resource"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the record's expiry has passed at now.
func (r *LockRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
