package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"coliving-admin-auth/internal/bucketing"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/util"
)

type AuditRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewAuditRepository(client *ScyllaClient, bm *bucketing.BucketingManager) *AuditRepository {
	return &AuditRepository{client: client, bucketing: bm}
}

// Append writes one entry. The partition is (bucket of user id, UTC day).
func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditLogEntry) error {
	entry.EventBucket = r.bucketing.GetEventBucket(entry.UserID)
	entry.EventDate = r.bucketing.GetDateBucket(entry.CreatedAt)

	query := r.client.Query(ctx, r.client.Statements.AppendAudit,
		entry.EventBucket, entry.EventDate, entry.CreatedAt.UTC(), entry.ID,
		entry.UserID, string(entry.Action), entry.ResourceType, entry.Metadata)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to append audit entry",
			zap.String("id", entry.ID),
			zap.String("action", string(entry.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}
