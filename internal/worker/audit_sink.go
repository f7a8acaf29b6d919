// Package worker holds background consumers that run beside the HTTP server.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"coliving-admin-auth/internal/metrics"
	"coliving-admin-auth/internal/models"
)

const (
	DestinationClickHouse    = "clickhouse"
	DestinationElasticsearch = "elasticsearch"

	defaultBatchSize     = 100
	defaultFlushInterval = 2 * time.Second
	maxRetryBackoff      = 30 * time.Second
)

const auditEventsTable = `CREATE TABLE IF NOT EXISTS admin_audit_events (
	id String,
	event_bucket Int32,
	event_date Date,
	user_id String,
	action LowCardinality(String),
	resource_type LowCardinality(String),
	metadata Map(String, String),
	created_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (action, created_at, id)`

const insertAuditEvents = `INSERT INTO admin_audit_events
	(id, event_bucket, event_date, user_id, action, resource_type, metadata, created_at)`

// MessageSource is the consumer side of the audit topic.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type AnalyticsStore interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

type SearchIndex interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// AuditSink copies audit events from Kafka into ClickHouse and Elasticsearch.
// Offsets are committed only after both destinations accept a batch, so a
// failed batch is redelivered. ClickHouse deduplicates on id and Elasticsearch
// indexes by id, which keeps redelivery harmless.
type AuditSink struct {
	source        MessageSource
	analytics     AnalyticsStore
	search        SearchIndex
	index         string
	batchSize     int
	flushInterval time.Duration
	retryBase     time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func NewAuditSink(source MessageSource, analytics AnalyticsStore, search SearchIndex, index string, m *metrics.Metrics, logger *zap.Logger) *AuditSink {
	return &AuditSink{
		source:        source,
		analytics:     analytics,
		search:        search,
		index:         index,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		retryBase:     time.Second,
		metrics:       m,
		logger:        logger,
	}
}

// WithBatching overrides how many events are sent together and how long a
// partial batch waits.
func (s *AuditSink) WithBatching(size int, flushInterval time.Duration) *AuditSink {
	if size > 0 {
		s.batchSize = size
	}
	if flushInterval > 0 {
		s.flushInterval = flushInterval
	}
	return s
}

// EnsureSchema creates the analytics table when it is missing.
func (s *AuditSink) EnsureSchema(ctx context.Context) error {
	if s.analytics == nil {
		return nil
	}
	if err := s.analytics.Exec(ctx, auditEventsTable); err != nil {
		return fmt.Errorf("failed to create audit events table: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled. It only returns ctx's error.
func (s *AuditSink) Run(ctx context.Context) error {
	s.logger.Info("Audit sink started",
		zap.String("index", s.index),
		zap.Int("batch_size", s.batchSize),
	)
	backoff := s.retryBase

	for {
		msgs, err := s.collect(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Audit sink stopped")
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("Audit sink fetch failed", zap.Error(err), zap.Int("fetched", len(msgs)))
			if len(msgs) == 0 {
				if !sleep(ctx, backoff) {
					return ctx.Err()
				}
				backoff = nextBackoff(backoff)
				continue
			}
		}
		if len(msgs) == 0 {
			continue
		}

		for {
			err := s.flush(ctx, msgs)
			if err == nil {
				backoff = s.retryBase
				break
			}
			s.logger.Warn("Audit sink flush failed, retrying",
				zap.Int("events", len(msgs)),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// collect reads until the batch is full or the flush interval passes.
func (s *AuditSink) collect(ctx context.Context) ([]kafka.Message, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.flushInterval)
	defer cancel()

	var msgs []kafka.Message
	for len(msgs) < s.batchSize {
		msg, err := s.source.FetchMessage(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return msgs, nil
			}
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// flush writes one batch to both destinations, then commits its offsets.
// Undecodable messages are logged and committed with the batch.
func (s *AuditSink) flush(ctx context.Context, msgs []kafka.Message) error {
	entries := make([]models.AuditLogEntry, 0, len(msgs))
	for _, msg := range msgs {
		var entry models.AuditLogEntry
		if err := json.Unmarshal(msg.Value, &entry); err != nil || entry.ID == "" {
			s.logger.Error("Dropping undecodable audit event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}
		entries = append(entries, entry)
	}

	if len(entries) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		if s.analytics != nil {
			g.Go(func() error {
				return s.writeAnalytics(gctx, entries)
			})
		}
		if s.search != nil {
			g.Go(func() error {
				return s.writeSearch(gctx, entries)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if err := s.source.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to commit audit offsets: %w", err)
	}
	return nil
}

func (s *AuditSink) writeAnalytics(ctx context.Context, entries []models.AuditLogEntry) error {
	rows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		eventDate := e.CreatedAt.UTC()
		if parsed, err := time.Parse("2006-01-02", e.EventDate); err == nil {
			eventDate = parsed
		}
		rows = append(rows, []interface{}{
			e.ID,
			int32(e.EventBucket),
			eventDate,
			e.UserID,
			string(e.Action),
			e.ResourceType,
			metadataOrEmpty(e.Metadata),
			e.CreatedAt.UTC(),
		})
	}
	if err := s.analytics.BatchInsert(ctx, insertAuditEvents, rows); err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	for range entries {
		s.metrics.IncAuditSunk(DestinationClickHouse)
	}
	return nil
}

func (s *AuditSink) writeSearch(ctx context.Context, entries []models.AuditLogEntry) error {
	for i := range entries {
		if err := s.search.IndexDocument(ctx, s.index, entries[i].ID, &entries[i]); err != nil {
			return fmt.Errorf("elasticsearch index %s: %w", entries[i].ID, err)
		}
		s.metrics.IncAuditSunk(DestinationElasticsearch)
	}
	return nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
