package models

import (
	"time"
)

type AuditAction string

const (
	ActionAdmin2FAVerified        AuditAction = "admin_2fa_verified"
	ActionAdmin2FASetup           AuditAction = "admin_2fa_setup"
	ActionAdmin2FAFailed          AuditAction = "admin_2fa_failed"
	ActionAdminLoginRejected      AuditAction = "admin_login_rejected"
	ActionAdminInvitationRedeemed AuditAction = "admin_invitation_redeemed"
	ActionAdminLogout             AuditAction = "admin_logout"
)

const ResourceTypeAdminAuth = "admin_auth"

// Metadata keys written with every entry.
const (
	MetaEmail             = "email"
	MetaTimestamp         = "timestamp"
	MetaClientFingerprint = "client_fingerprint"
	MetaRequestID         = "request_id"
	MetaReason            = "reason"
)

// AuditLogEntry is append-only; nothing in this service updates or deletes one.
type AuditLogEntry struct {
	ID           string            `db:"id" json:"id"`
	EventBucket  int               `db:"event_bucket" json:"event_bucket"`
	EventDate    string            `db:"event_date" json:"event_date"`
	UserID       string            `db:"user_id" json:"user_id"`
	Action       AuditAction       `db:"action" json:"action"`
	ResourceType string            `db:"resource_type" json:"resource_type"`
	Metadata     map[string]string `db:"metadata" json:"metadata"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}
