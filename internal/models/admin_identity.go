package models

import (
	"time"
)

// AdminIdentity is created by invitation redemption. Role never changes once granted.
type AdminIdentity struct {
	UserID            string    `db:"user_id" json:"user_id"`
	Email             string    `db:"email" json:"email"`
	Role              Role      `db:"role" json:"role"`
	EmailConfirmed    bool      `db:"email_confirmed" json:"email_confirmed"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	PasswordHash      string    `db:"password_hash" json:"-"`
	PasswordSalt      string    `db:"password_salt" json:"-"`
	PepperVersion     int       `db:"pepper_version" json:"-"`
	HashAlgorithm     string    `db:"hash_algorithm" json:"-"`
	FullNameEncrypted string    `db:"full_name_encrypted" json:"-"`
	FullNameDEK       string    `db:"full_name_dek" json:"-"`
	FullNameKeyID     string    `db:"full_name_key_id" json:"-"`
	InvitationID      string    `db:"invitation_id" json:"invitation_id"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Identity is what the credential step hands to the rest of the flow.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	// BaseSessionToken is the identity-store session established by a successful sign in.
	BaseSessionToken string `json:"-"`
}
