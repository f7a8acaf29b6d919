package models

import "time"

type InvitationStatus string

const (
	InvitationValid   InvitationStatus = "valid"
	InvitationUsed    InvitationStatus = "used"
	InvitationExpired InvitationStatus = "expired"
	InvitationRevoked InvitationStatus = "revoked"
)

// Invitation transitions valid -> used exactly once and is never reused.
// UsedBy holds the user id of the account it provisioned.
type Invitation struct {
	ID           string           `db:"id" json:"id"`
	Email        string           `db:"email" json:"email"`
	Role         Role             `db:"role" json:"role"`
	ExpiresAt    time.Time        `db:"expires_at" json:"expires_at"`
	InviterEmail string           `db:"inviter_email" json:"inviter_email"`
	InviteToken  string           `db:"invite_token" json:"-"`
	Status       InvitationStatus `db:"status" json:"status"`
	UsedAt       *time.Time       `db:"used_at" json:"used_at,omitempty"`
	UsedBy       string           `db:"used_by" json:"used_by,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}

type InvalidReason string

const (
	ReasonExpired InvalidReason = "expired"
	ReasonUsed    InvalidReason = "used"
	ReasonUnknown InvalidReason = "unknown"
	ReasonRevoked InvalidReason = "revoked"
)

// InvitationDetails is the validation result shown on the acceptance form.
type InvitationDetails struct {
	Valid        bool          `json:"valid"`
	Email        string        `json:"email,omitempty"`
	Role         Role          `json:"role,omitempty"`
	ExpiresAt    time.Time     `json:"expires_at,omitempty"`
	InviterEmail string        `json:"inviter_email,omitempty"`
	Reason       InvalidReason `json:"reason,omitempty"`
}
