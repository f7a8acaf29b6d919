package models

import (
	"time"
)

// AdminSession is stored in Redis as JSON. SecondFactor is only true for sessions
// promoted after a verified or freshly established PIN.
type AdminSession struct {
	Token             string    `json:"-"`
	UserID            string    `json:"user_id"`
	Email             string    `json:"email"`
	Role              Role      `json:"role,omitempty"`
	SecondFactor      bool      `json:"second_factor"`
	ClientFingerprint string    `json:"client_fingerprint,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
}
