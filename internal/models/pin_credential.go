package models

import "time"

// PinCredential is keyed 1:1 by admin email. LockedUntil is authoritative for lockout.
// Version increases on every write and is the compare-and-set guard.
type PinCredential struct {
	AdminEmail         string     `db:"admin_email"`
	PinHash            string     `db:"pin_hash"`
	PinSalt            string     `db:"pin_salt"`
	PepperVersion      int        `db:"pepper_version"`
	HashAlgorithm      string     `db:"hash_algorithm"`
	FailedAttemptCount int        `db:"failed_attempt_count"`
	LockedUntil        *time.Time `db:"locked_until"`
	Version            int64      `db:"version"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// IsLockedAt reports whether the lock window is still open at now.
func (p *PinCredential) IsLockedAt(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}
