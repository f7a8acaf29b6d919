package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coliving-admin-auth/internal/apperrors"
	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/models"
	"coliving-admin-auth/internal/repository"
)

const publishTimeout = 2 * time.Second

// EventPublisher ships audit entries to the event stream.
type EventPublisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// AuditRecorder appends security events. The repository write is
// authoritative; the stream publish is best effort.
type AuditRecorder struct {
	repo      repository.AuditRepository
	publisher EventPublisher
	topic     string
	now       Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewAuditRecorder builds a recorder. publisher may be nil.
func NewAuditRecorder(repo repository.AuditRepository, publisher EventPublisher, topic string, m *metrics.Metrics, logger *zap.Logger) *AuditRecorder {
	return &AuditRecorder{
		repo:      repo,
		publisher: publisher,
		topic:     topic,
		now:       systemClock,
		metrics:   m,
		logger:    logger,
	}
}

func (a *AuditRecorder) WithClock(now Clock) *AuditRecorder {
	a.now = now
	return a
}

// Record writes one entry. Any repository failure is AuditWriteFailed.
func (a *AuditRecorder) Record(ctx context.Context, userID string, action models.AuditAction, metadata map[string]string) error {
	now := a.now()
	meta := RequestMetaFrom(ctx)

	entry := &models.AuditLogEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Action:       action,
		ResourceType: models.ResourceTypeAdminAuth,
		Metadata:     make(map[string]string, len(metadata)+3),
		CreatedAt:    now,
	}
	for k, v := range metadata {
		entry.Metadata[k] = v
	}
	entry.Metadata[models.MetaTimestamp] = now.Format(time.RFC3339Nano)
	if meta.ClientFingerprint != "" {
		entry.Metadata[models.MetaClientFingerprint] = meta.ClientFingerprint
	}
	if meta.RequestID != "" {
		entry.Metadata[models.MetaRequestID] = meta.RequestID
	}

	if err := a.repo.Append(ctx, entry); err != nil {
		a.metrics.IncAuditWriteFailure()
		a.logger.Error("Audit write failed",
			zap.String("user_id", userID),
			zap.String("action", string(action)),
			zap.Error(err))
		return apperrors.Wrap(err, apperrors.KindAuditWriteFailed, apperrors.Message(apperrors.KindAuditWriteFailed))
	}

	a.publish(ctx, entry)
	return nil
}

// RecordBestEffort is for events that must never block the flow.
func (a *AuditRecorder) RecordBestEffort(ctx context.Context, userID string, action models.AuditAction, metadata map[string]string) {
	if err := a.Record(ctx, userID, action, metadata); err != nil {
		a.logger.Warn("Best effort audit event dropped",
			zap.String("action", string(action)),
			zap.Error(err))
	}
}

func (a *AuditRecorder) publish(ctx context.Context, entry *models.AuditLogEntry) {
	if a.publisher == nil {
		return
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		a.logger.Warn("Failed to encode audit event", zap.String("id", entry.ID), zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	headers := map[string]string{
		"action":        string(entry.Action),
		"resource_type": entry.ResourceType,
	}
	if err := a.publisher.ProduceMessage(pubCtx, a.topic, []byte(entry.UserID), payload, headers); err != nil {
		a.metrics.IncAuditPublishFailure()
		a.logger.Warn("Audit event publish failed",
			zap.String("id", entry.ID),
			zap.String("topic", a.topic),
			zap.Error(err))
	}
}
